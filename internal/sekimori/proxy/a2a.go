package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bdobrica/Sekimori/internal/sekimori/auth"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
	"github.com/bdobrica/Sekimori/internal/sekimori/logging"
)

// A2AMethods maps each routed A2A method to its permission kind.  The server
// registers one route per entry.
var A2AMethods = map[string]string{
	"message/send": "message",
	"tasks/send":   "task",
	"tasks/get":    "task",
	"tasks/cancel": "task",
	"tasks/list":   "task",
}

// a2aRequest is the body of the A2A endpoints.
type a2aRequest struct {
	Agent  *string         `json:"agent"`
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
}

// HandleA2A returns the handler for one A2A route.  The route path fixes the
// upstream method; a body naming a different method is rejected rather than
// silently rerouted.
func (p *Proxy) HandleA2A(method string) http.HandlerFunc {
	kind := A2AMethods[method]
	return func(w http.ResponseWriter, r *http.Request) {
		var body a2aRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "request body exceeds the configured cap")
				return
			}
			WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
			return
		}
		if body.Agent == nil || *body.Agent == "" {
			WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "agent is required")
			return
		}
		if body.Method != nil && *body.Method != method {
			WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "method does not match endpoint")
			return
		}
		agent := *body.Agent
		if meta := logging.RequestMetaFrom(r.Context()); meta != nil {
			meta.Protocol = "a2a"
			meta.Method = method
		}

		info, _ := auth.FromContext(r.Context())
		target, ok := p.authorize(w, r, info.Permissions, auth.A2APermission(kind, agent), agent,
			func(t config.Target) bool { return t.Type == config.TypeAgent && t.IsEnabled() })
		if !ok {
			return
		}

		res, err := p.engine.Enqueue(agent, func(ctx context.Context) (any, error) {
			return p.a2a.Call(ctx, target, method, body.Params)
		})
		p.finish(w, r, info.ClientID, agent, res, err)
	}
}
