package auth_test

import (
	"fmt"
	"testing"

	"github.com/bdobrica/Sekimori/internal/sekimori/auth"
)

func TestHasPermission(t *testing.T) {
	cases := []struct {
		held     []string
		required string
		want     bool
	}{
		{[]string{"*"}, "mcp:tools.call:yfinance", true},
		{[]string{"mcp:tools.call:yfinance"}, "mcp:tools.call:yfinance", true},
		{[]string{"mcp:tools.call:yfinance"}, "mcp:tools.call:other", false},
		{[]string{"mcp:tools.call:*"}, "mcp:tools.call:yfinance", true},
		{[]string{"mcp:*"}, "mcp:tools.call:yfinance", true},
		{[]string{"a2a:*"}, "a2a:task:agent-7", true},
		{[]string{"a2a:message:*"}, "a2a:task:agent-7", false},
		{[]string{"a2a:task:*"}, "a2a:task:agent-7", true},
		{[]string{}, "mcp:ping:x", false},
		{nil, "mcp:ping:x", false},
		// The wildcard must terminate a colon-separated segment; a bare
		// prefix without ":*" is not a wildcard.
		{[]string{"mcp"}, "mcp:tools.call:x", false},
		{[]string{"mcp:tools"}, "mcp:tools.call:x", false},
		// Exact match on a wildcard-looking string.
		{[]string{"a2a:task:agent-7"}, "a2a:task:agent-7", true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%v->%s", tc.held, tc.required), func(t *testing.T) {
			if got := auth.HasPermission(tc.held, tc.required); got != tc.want {
				t.Errorf("HasPermission(%v, %q) = %v, want %v", tc.held, tc.required, got, tc.want)
			}
		})
	}
}

func TestWildcardTemplateSubstitution(t *testing.T) {
	// Every required permission derived by substituting a target id into a
	// held "<ns>:<verb>:*" template must be allowed.
	templates := []string{"mcp:tools.call:*", "mcp:resources.read:*", "a2a:task:*", "a2a:message:*"}
	ids := []string{"a", "agent-7", "yfinance", "x-1-y"}
	for _, tmpl := range templates {
		for _, id := range ids {
			required := tmpl[:len(tmpl)-1] + id
			if !auth.HasPermission([]string{tmpl}, required) {
				t.Errorf("template %q should satisfy %q", tmpl, required)
			}
		}
	}
	// Unrelated strings must not match.
	for _, required := range []string{"mcp:prompts.get:a", "a2a:task", "x:y:z", ""} {
		if auth.HasPermission([]string{"mcp:tools.call:*"}, required) {
			t.Errorf("%q should not be satisfied by mcp:tools.call:*", required)
		}
	}
}

func TestMCPMethodGroup(t *testing.T) {
	cases := map[string]string{
		"tools/call":                "tools.call",
		"tools/list":                "tools.list",
		"resources/read":            "resources.read",
		"prompts/get":               "prompts.get",
		"initialize":                "initialize",
		"ping":                      "ping",
		"notifications/initialized": "notifications.initialized",
	}
	for method, want := range cases {
		if got := auth.MCPMethodGroup(method); got != want {
			t.Errorf("MCPMethodGroup(%q) = %q, want %q", method, got, want)
		}
	}
}

func TestPermissionConstruction(t *testing.T) {
	if got := auth.MCPPermission("tools/call", "yfinance"); got != "mcp:tools.call:yfinance" {
		t.Errorf("MCPPermission = %q", got)
	}
	if got := auth.A2APermission("task", "agent-7"); got != "a2a:task:agent-7" {
		t.Errorf("A2APermission = %q", got)
	}
}
