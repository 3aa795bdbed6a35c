package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bdobrica/Sekimori/internal/sekimori/auth"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
	"github.com/bdobrica/Sekimori/internal/sekimori/logging"
	"github.com/bdobrica/Sekimori/internal/sekimori/upstream/jsonrpc"
)

// mcpMethods is the accepted MCP dialect.  Notification methods are accepted
// by prefix.
var mcpMethods = map[string]struct{}{
	"initialize":     {},
	"ping":           {},
	"tools/list":     {},
	"tools/call":     {},
	"resources/list": {},
	"resources/read": {},
	"prompts/list":   {},
	"prompts/get":    {},
}

func acceptedMCPMethod(method string) bool {
	if _, ok := mcpMethods[method]; ok {
		return true
	}
	return strings.HasPrefix(method, "notifications/")
}

// mcpRequest is the body of POST /mcp/v1/message.
type mcpRequest struct {
	Connector *string         `json:"connector"`
	Method    *string         `json:"method"`
	Params    json.RawMessage `json:"params"`
	ID        json.RawMessage `json:"id"`
}

// HandleMCP serves POST /mcp/v1/message.
func (p *Proxy) HandleMCP(w http.ResponseWriter, r *http.Request) {
	var body mcpRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "request body exceeds the configured cap")
			return
		}
		WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
		return
	}
	if body.Connector == nil || *body.Connector == "" {
		WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "connector is required")
		return
	}
	if body.Method == nil || !acceptedMCPMethod(*body.Method) {
		WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "unsupported method")
		return
	}
	if !jsonrpc.ValidID(body.ID) {
		WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "id must be a number or a string")
		return
	}
	connector, method := *body.Connector, *body.Method
	if meta := logging.RequestMetaFrom(r.Context()); meta != nil {
		meta.Protocol = "mcp"
		meta.Method = method
	}

	info, _ := auth.FromContext(r.Context())
	target, ok := p.authorize(w, r, info.Permissions, auth.MCPPermission(method, connector), connector,
		func(t config.Target) bool { return t.Type == config.TypeConnector && t.IsEnabled() })
	if !ok {
		return
	}

	res, err := p.engine.Enqueue(connector, func(ctx context.Context) (any, error) {
		return p.mcp.Call(ctx, target, method, body.Params)
	})
	p.finish(w, r, info.ClientID, connector, res, err)
}
