// Package proxy implements the MCP and A2A HTTP handlers.
//
// Both protocols share one skeleton: validate the body, check the caller's
// permission, look up the target, enqueue an upstream call on the target's
// queue, and map the outcome to an HTTP status.  The hide-not-found policy
// runs the permission check before target lookup and collapses "no such
// target" into the same 403 as "no permission", so target existence cannot be
// probed by unauthorized callers.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bdobrica/Sekimori/common/reqid"
	"github.com/bdobrica/Sekimori/internal/sekimori/audit"
	"github.com/bdobrica/Sekimori/internal/sekimori/auth"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
	"github.com/bdobrica/Sekimori/internal/sekimori/logging"
	"github.com/bdobrica/Sekimori/internal/sekimori/queue"
	"github.com/bdobrica/Sekimori/internal/sekimori/targets"
	"github.com/bdobrica/Sekimori/internal/sekimori/upstream/jsonrpc"
)

// Caller relays one JSON-RPC request to the upstream behind a target.  The
// MCP manager and the A2A client both satisfy it.
type Caller interface {
	Call(ctx context.Context, target config.Target, method string, params json.RawMessage) (json.RawMessage, error)
}

// Proxy holds the shared state of the protocol handlers.
type Proxy struct {
	log          *slog.Logger
	registry     *targets.Registry
	engine       *queue.Engine
	mcp          Caller
	a2a          Caller
	notifier     audit.Notifier
	hideNotFound bool
}

// New wires a proxy over the given collaborators.
func New(log *slog.Logger, registry *targets.Registry, engine *queue.Engine, mcp, a2a Caller, notifier audit.Notifier, hideNotFound bool) *Proxy {
	if notifier == nil {
		notifier = audit.Noop{}
	}
	return &Proxy{
		log:          log,
		registry:     registry,
		engine:       engine,
		mcp:          mcp,
		a2a:          a2a,
		notifier:     notifier,
		hideNotFound: hideNotFound,
	}
}

// errorBody is the uniform non-2xx response shape.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError writes the uniform error body, echoing the request id attached
// upstream in the middleware chain.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	rid := reqid.FromContext(r.Context())
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, RequestID: rid}})
}

// setTimingHeaders attaches the queue-wait and upstream-latency headers.
func setTimingHeaders(w http.ResponseWriter, res queue.Result) {
	w.Header().Set("X-Queue-Wait-Ms", strconv.FormatInt(res.QueueWait.Milliseconds(), 10))
	w.Header().Set("X-Upstream-Latency-Ms", strconv.FormatInt(res.Upstream.Milliseconds(), 10))
}

// statusForRPC maps an upstream JSON-RPC error code to the HTTP status and
// error code identifier returned to the client.
func statusForRPC(code int) (int, string) {
	switch code {
	case jsonrpc.CodeMethodNotFound:
		return http.StatusBadRequest, "BAD_REQUEST"
	case jsonrpc.CodeInvalidParams:
		return http.StatusNotFound, "NOT_FOUND"
	case jsonrpc.CodeInvalidRequest, jsonrpc.CodeInternal:
		return http.StatusBadGateway, "BAD_GATEWAY"
	default:
		return http.StatusBadRequest, "BAD_REQUEST"
	}
}

// finish maps a queue outcome to the HTTP response.  Timing headers appear on
// 200 and on 4xx responses derived from an upstream outcome; rejections that
// never reached the upstream carry none.
func (p *Proxy) finish(w http.ResponseWriter, r *http.Request, clientID, targetID string, res queue.Result, err error) {
	if meta := logging.RequestMetaFrom(r.Context()); meta != nil && res.Executed {
		meta.QueueWaitMs = res.QueueWait.Milliseconds()
		meta.UpstreamLatencyMs = res.Upstream.Milliseconds()
		meta.HasTimings = true
	}

	if err == nil {
		setTimingHeaders(w, res)
		raw, _ := res.Value.(json.RawMessage)
		if raw == nil {
			raw = json.RawMessage("null")
		}
		writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": raw})
		return
	}

	switch {
	case errors.Is(err, queue.ErrQueueFull):
		p.notifier.Notify(r.Context(), audit.Event{
			Kind:    audit.KindQueueOverflow,
			Client:  clientID,
			Target:  targetID,
			Message: "queue full, request rejected",
		})
		WriteError(w, r, http.StatusTooManyRequests, "TOO_MANY_REQUESTS", "target queue is full")
	case errors.Is(err, queue.ErrTimeout):
		WriteError(w, r, http.StatusGatewayTimeout, "GATEWAY_TIMEOUT", "request deadline exceeded")
	case errors.Is(err, queue.ErrShutdown):
		WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "server is shutting down")
	case errors.Is(err, queue.ErrInternal):
		p.log.Error("executor failure", "target", targetID, "err", err)
		WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	default:
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			status, code := statusForRPC(rpcErr.Code)
			if status < 500 && res.Executed {
				setTimingHeaders(w, res)
			}
			WriteError(w, r, status, code, rpcErr.Message)
			return
		}
		p.log.Warn("upstream transport failure", "target", targetID, "err", err)
		WriteError(w, r, http.StatusBadGateway, "BAD_GATEWAY", "upstream request failed")
	}
}

// authorize runs the shared permission-then-lookup sequence.  It returns the
// resolved target and true when the request may proceed; otherwise it has
// already written the response.
func (p *Proxy) authorize(w http.ResponseWriter, r *http.Request, permissions []string, required, targetID string, valid func(config.Target) bool) (config.Target, bool) {
	meta := logging.RequestMetaFrom(r.Context())
	if meta != nil {
		meta.TargetID = targetID
	}

	if !auth.HasPermission(permissions, required) {
		if meta != nil {
			meta.Decision = "deny"
		}
		WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "permission denied")
		return config.Target{}, false
	}

	target, ok := p.registry.Get(targetID)
	if !ok || !valid(target) {
		if meta != nil {
			meta.Decision = "deny"
		}
		if p.hideNotFound {
			WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "permission denied")
		} else {
			WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "target not found")
		}
		return config.Target{}, false
	}

	if meta != nil {
		meta.Decision = "allow"
	}
	return target, true
}
