// Package proxy is the aggregating MCP endpoint: one JSON-RPC server over
// line-delimited stdio that federates every enabled connector behind a
// namespaced tool catalog. Partial connector failure degrades the catalog
// instead of failing the call.
package proxy

import (
	"fmt"
	"strings"
)

// Separator joins a connector id and an upstream tool name in published
// tool names. Connector ids may not contain it; upstream tool names may.
const Separator = "__"

// JoinName publishes an upstream tool name under its connector.
func JoinName(connectorID, tool string) string {
	return connectorID + Separator + tool
}

// ParseName splits a namespaced tool name on the first separator. The
// remainder is the upstream name even when it contains further separators.
func ParseName(name string) (connectorID, tool string, err error) {
	idx := strings.Index(name, Separator)
	if idx <= 0 || idx+len(Separator) >= len(name) {
		return "", "", fmt.Errorf("tool name %q is not namespaced as <connector>%s<tool>", name, Separator)
	}
	return name[:idx], name[idx+len(Separator):], nil
}
