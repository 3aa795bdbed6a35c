package auth

import "strings"

// Permission strings take the form "<namespace>:<verb>:<target_id>",
// "<namespace>:*", or "*".  The two namespaces are "mcp" and "a2a"; verbs are
// method groups such as "tools.call" or "task".

// HasPermission reports whether required is satisfied by the held set.
// A held permission h matches when h is "*", h equals required, or h ends in
// ":*" and required starts with the prefix up to and including that colon.
func HasPermission(held []string, required string) bool {
	for _, h := range held {
		if h == "*" || h == required {
			return true
		}
	}
	for _, h := range held {
		if strings.HasSuffix(h, ":*") && strings.HasPrefix(required, h[:len(h)-1]) {
			return true
		}
	}
	return false
}

// MCPMethodGroup derives the permission verb for an MCP method by dotting its
// first two path components: "tools/call" → "tools.call", "resources/read" →
// "resources.read".  Bare methods ("initialize", "ping") are their own group.
func MCPMethodGroup(method string) string {
	parts := strings.SplitN(method, "/", 3)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}

// MCPPermission builds the permission required to invoke an MCP method on a
// connector.
func MCPPermission(method, connectorID string) string {
	return "mcp:" + MCPMethodGroup(method) + ":" + connectorID
}

// A2APermission builds the permission required to invoke an A2A method kind
// ("message" or "task") on an agent.
func A2APermission(kind, agentID string) string {
	return "a2a:" + kind + ":" + agentID
}
