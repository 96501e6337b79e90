package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern  string
		required string
		want     bool
	}{
		{"*", "mcp:tools:call:echo", true},
		{"*", "a2a:message:send:planner", true},
		{"a:*", "a:b:c", true},
		{"a:*", "a", true},
		{"a:*", "ab", false},
		{"a:b:*", "a:b", true},
		{"a:b:*", "a:b:c", true},
		{"a:b:*", "a:resources:x", false},
		{"a:b", "a:b", true},
		{"a:b", "a:b:c", false},
		{"a:b:c", "a:b", false},
		{"mcp:tools:*", "mcp:tools:call:echo", true},
		{"mcp:tools:*", "mcp:resources:read:echo", false},
		// Dots are accepted as segment separators.
		{"mcp.tools.*", "mcp:tools:call:echo", true},
		{"a.b", "a:b", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.required),
			"Match(%q, %q)", tt.pattern, tt.required)
	}
}

func TestAllowed(t *testing.T) {
	granted := []string{"mcp:tools:call:echo", "a2a:*"}

	assert.True(t, Allowed(granted, "mcp:tools:call:echo"))
	assert.True(t, Allowed(granted, "a2a:message:send:planner"))
	assert.False(t, Allowed(granted, "mcp:tools:call:fs"))
	assert.False(t, Allowed(granted, "mcp:tools:list:echo"))
	assert.False(t, Allowed(nil, "mcp:tools:call:echo"))
}

func TestPermissionBuilders(t *testing.T) {
	assert.Equal(t, "mcp:tools:call:echo", MCPPermission("tools/call", "echo"))
	assert.Equal(t, "mcp:resources:read:fs", MCPPermission("resources/read", "fs"))
	assert.Equal(t, "mcp:tools:list", MCPPermission("tools/list", ""))
	assert.Equal(t, "a2a:message:send:planner", A2APermission("message/send", "planner"))
	assert.Equal(t, "a2a:tasks:get:planner", A2APermission("tasks/get", "planner"))
}

func TestHashToken(t *testing.T) {
	hashed := HashToken("pfs_test_token_123")
	assert.Contains(t, hashed, "sha256:")
	assert.Len(t, hashed, len("sha256:")+64)
	assert.Equal(t, hashed, HashToken("pfs_test_token_123"))
	assert.NotEqual(t, hashed, HashToken("pfs_test_token_124"))
}
