// Package mcp adapts the Model Context Protocol for pfs: short human
// summaries of observed frames, and a one-shot ToolClient that opens a
// recorded stdio session per operation.
package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/proofshell/pfs/pkg/jsonrpc"
)

// ProtocolVersion is the MCP revision spoken during initialize.
const ProtocolVersion = "2024-11-05"

// Summarize produces a short human summary of one frame: "call <tool>"
// for tool calls, "<N> tools" / "<N> resources" for listings, "error:
// <msg>" for error responses. Requests fall back to their method name.
func Summarize(msg *jsonrpc.Message) string {
	if msg == nil {
		return ""
	}

	switch msg.Kind() {
	case jsonrpc.KindRequest, jsonrpc.KindNotification:
		if msg.Method == "tools/call" {
			var params struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(msg.Params, &params); err == nil && params.Name != "" {
				return "call " + params.Name
			}
		}
		return msg.Method

	case jsonrpc.KindResponse:
		if msg.Error != nil {
			return "error: " + msg.Error.Message
		}
		return summarizeResult(msg.Result)

	default:
		return ""
	}
}

func summarizeResult(result json.RawMessage) string {
	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(result, &keyed); err != nil {
		return "response"
	}

	if raw, ok := keyed["tools"]; ok {
		return fmt.Sprintf("%d tools", countItems(raw))
	}
	if raw, ok := keyed["resources"]; ok {
		return fmt.Sprintf("%d resources", countItems(raw))
	}
	if raw, ok := keyed["content"]; ok {
		return fmt.Sprintf("%d content blocks", countItems(raw))
	}
	if _, ok := keyed["serverInfo"]; ok {
		return "initialized"
	}
	return "response"
}

func countItems(raw json.RawMessage) int {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0
	}
	return len(items)
}
