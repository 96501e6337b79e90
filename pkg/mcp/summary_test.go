package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofshell/pfs/pkg/jsonrpc"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"tool call", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":{"a":1}}}`, "call add"},
		{"tool call without name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, "tools/call"},
		{"plain request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, "tools/list"},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, "notifications/initialized"},
		{"error response", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`, "error: Method not found"},
		{"tools result", `{"jsonrpc":"2.0","id":1,"result":{"tools":[{},{},{}]}}`, "3 tools"},
		{"resources result", `{"jsonrpc":"2.0","id":1,"result":{"resources":[{}]}}`, "1 resources"},
		{"content result", `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text"}],"isError":false}}`, "1 content blocks"},
		{"initialize result", `{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"x"}}}`, "initialized"},
		{"opaque result", `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, "response"},
		{"scalar result", `{"jsonrpc":"2.0","id":1,"result":42}`, "response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := jsonrpc.Parse([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, Summarize(msg))
		})
	}

	assert.Equal(t, "", Summarize(nil))
}
