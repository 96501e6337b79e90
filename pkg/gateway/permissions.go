// Package gateway is the authenticated HTTP front door: it maps external
// callers onto MCP connectors and A2A agents under per-connector admission
// control, with bearer or JWKS-backed auth and segment-wildcard
// permissions.
package gateway

import "strings"

// Match reports whether a permission pattern covers a required
// permission. Patterns are colon-separated segments (dots are accepted as
// separators and normalized). A trailing "*" matches any suffix on a
// segment boundary; a bare "*" matches everything. Partial segment
// prefixes never match.
//
//	Match("*", anything)              = true
//	Match("a:*", "a:b:c")             = true
//	Match("a:*", "a")                 = true
//	Match("a:b:*", "a:resources:x")   = false
//	Match("a:b", "a:b:c")             = false
func Match(pattern, required string) bool {
	pattern = normalize(pattern)
	required = normalize(required)

	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, ":*")
		return required == prefix || strings.HasPrefix(required, prefix+":")
	}
	return pattern == required
}

// Allowed reports whether any granted permission covers the requirement.
func Allowed(granted []string, required string) bool {
	for _, pattern := range granted {
		if Match(pattern, required) {
			return true
		}
	}
	return false
}

// MCPPermission builds the permission required for an MCP dispatch:
// mcp:<method with / replaced by :>:<connector>.
func MCPPermission(method, connector string) string {
	p := "mcp:" + strings.ReplaceAll(method, "/", ":")
	if connector != "" {
		p += ":" + connector
	}
	return p
}

// A2APermission builds the permission required for an A2A dispatch:
// a2a:<op with / replaced by :>:<agent>.
func A2APermission(op, agent string) string {
	p := "a2a:" + strings.ReplaceAll(op, "/", ":")
	if agent != "" {
		p += ":" + agent
	}
	return p
}

func normalize(perm string) string {
	return strings.ReplaceAll(perm, ".", ":")
}
