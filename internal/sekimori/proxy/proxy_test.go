package proxy_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Sekimori/common/reqid"
	"github.com/bdobrica/Sekimori/internal/sekimori/audit"
	"github.com/bdobrica/Sekimori/internal/sekimori/auth"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
	"github.com/bdobrica/Sekimori/internal/sekimori/logging"
	"github.com/bdobrica/Sekimori/internal/sekimori/proxy"
	"github.com/bdobrica/Sekimori/internal/sekimori/queue"
	"github.com/bdobrica/Sekimori/internal/sekimori/targets"
	"github.com/bdobrica/Sekimori/internal/sekimori/upstream/jsonrpc"
)

type fakeCaller struct {
	fn func(ctx context.Context, target config.Target, method string, params json.RawMessage) (json.RawMessage, error)
}

func (f *fakeCaller) Call(ctx context.Context, target config.Target, method string, params json.RawMessage) (json.RawMessage, error) {
	return f.fn(ctx, target, method, params)
}

func okCaller(result string) *fakeCaller {
	return &fakeCaller{fn: func(context.Context, config.Target, string, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(result), nil
	}}
}

func errCaller(err error) *fakeCaller {
	return &fakeCaller{fn: func(context.Context, config.Target, string, json.RawMessage) (json.RawMessage, error) {
		return nil, err
	}}
}

var enabled = true
var disabled = false

func testRegistry() *targets.Registry {
	return targets.NewRegistry([]config.Target{
		{ID: "yfinance", Type: config.TypeConnector, Protocol: config.ProtocolMCP, Enabled: &enabled, Config: map[string]any{"command": "uvx"}},
		{ID: "dormant", Type: config.TypeConnector, Protocol: config.ProtocolMCP, Enabled: &disabled, Config: map[string]any{"command": "uvx"}},
		{ID: "agent-7", Type: config.TypeAgent, Protocol: config.ProtocolA2A, Enabled: &enabled, Config: map[string]any{"url": "http://agent"}},
	})
}

type fixture struct {
	proxy  *proxy.Proxy
	engine *queue.Engine
}

func newFixture(t *testing.T, mcp, a2a proxy.Caller, notifier audit.Notifier, hide bool) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := queue.New(3, 1, time.Second)
	t.Cleanup(engine.Shutdown)
	return &fixture{
		proxy:  proxy.New(log, testRegistry(), engine, mcp, a2a, notifier, hide),
		engine: engine,
	}
}

// post builds an authenticated request carrying a request id and a log meta
// record, the way the server's middleware chain does.
func post(path, body string, permissions []string) (*httptest.ResponseRecorder, *http.Request, *logging.RequestMeta) {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	ctx := reqid.WithRequestID(req.Context(), reqid.New())
	ctx = auth.WithInfo(ctx, auth.Info{ClientID: "ci", Permissions: permissions})
	meta := &logging.RequestMeta{ClientID: "ci"}
	ctx = logging.WithRequestMeta(ctx, meta)
	return httptest.NewRecorder(), req.WithContext(ctx), meta
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (code, message, requestID string) {
	t.Helper()
	var body struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body not JSON: %v: %s", err, rec.Body.String())
	}
	return body.Error.Code, body.Error.Message, body.Error.RequestID
}

func TestMCPSuccess(t *testing.T) {
	f := newFixture(t, okCaller(`{"tools":[]}`), nil, nil, true)
	rec, req, meta := post("/mcp/v1/message", `{"connector":"yfinance","method":"tools/list","id":1}`, []string{"mcp:tools.list:yfinance"})
	f.proxy.HandleMCP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Queue-Wait-Ms") == "" || rec.Header().Get("X-Upstream-Latency-Ms") == "" {
		t.Error("timing headers missing on success")
	}
	var body struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || string(body.Result) != `{"tools":[]}` {
		t.Errorf("body = %s (err %v)", rec.Body.String(), err)
	}
	if meta.Decision != "allow" || meta.TargetID != "yfinance" || !meta.HasTimings {
		t.Errorf("meta = %+v", meta)
	}
}

func TestMCPValidation(t *testing.T) {
	f := newFixture(t, okCaller(`null`), nil, nil, true)
	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"connector":`},
		{"missing connector", `{"method":"tools/list"}`},
		{"empty connector", `{"connector":"","method":"tools/list"}`},
		{"connector not string", `{"connector":7,"method":"tools/list"}`},
		{"missing method", `{"connector":"yfinance"}`},
		{"unsupported method", `{"connector":"yfinance","method":"exec/shell"}`},
		{"object id", `{"connector":"yfinance","method":"ping","id":{"a":1}}`},
		{"array id", `{"connector":"yfinance","method":"ping","id":[1]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, req, _ := post("/mcp/v1/message", tc.body, []string{"*"})
			f.proxy.HandleMCP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if code, _, rid := decodeError(t, rec); code != "BAD_REQUEST" || len(rid) != 26 {
				t.Errorf("code = %s request_id = %q", code, rid)
			}
			if rec.Header().Get("X-Queue-Wait-Ms") != "" {
				t.Error("timing headers on a pre-enqueue rejection")
			}
		})
	}
}

func TestMCPStatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
		timings    bool
	}{
		{"method not found", &jsonrpc.Error{Code: -32601, Message: "no such method"}, 400, "BAD_REQUEST", "no such method", true},
		{"invalid params", &jsonrpc.Error{Code: -32602, Message: "no such tool"}, 404, "NOT_FOUND", "no such tool", true},
		{"invalid request", &jsonrpc.Error{Code: -32600, Message: "bad envelope"}, 502, "BAD_GATEWAY", "bad envelope", false},
		{"internal", &jsonrpc.Error{Code: -32603, Message: "upstream crashed"}, 502, "BAD_GATEWAY", "upstream crashed", false},
		{"server-defined code", &jsonrpc.Error{Code: -32050, Message: "quota exceeded"}, 400, "BAD_REQUEST", "quota exceeded", true},
		{"transport failure", errors.New("broken pipe"), 502, "BAD_GATEWAY", "upstream request failed", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, errCaller(tc.err), nil, nil, true)
			rec, req, _ := post("/mcp/v1/message", `{"connector":"yfinance","method":"tools/call"}`, []string{"*"})
			f.proxy.HandleMCP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			code, msg, rid := decodeError(t, rec)
			if code != tc.wantCode || msg != tc.wantMsg {
				t.Errorf("error = %s %q", code, msg)
			}
			if len(rid) != 26 {
				t.Errorf("request_id = %q", rid)
			}
			if got := rec.Header().Get("X-Queue-Wait-Ms") != ""; got != tc.timings {
				t.Errorf("timing headers present = %v, want %v", got, tc.timings)
			}
		})
	}
}

func TestMCPForbidden(t *testing.T) {
	f := newFixture(t, okCaller(`null`), nil, nil, true)
	rec, req, meta := post("/mcp/v1/message", `{"connector":"other","method":"tools/call"}`, []string{"mcp:tools.call:yfinance"})
	f.proxy.HandleMCP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if code, _, _ := decodeError(t, rec); code != "FORBIDDEN" {
		t.Errorf("code = %s", code)
	}
	if meta.Decision != "deny" {
		t.Errorf("decision = %q", meta.Decision)
	}
}

func TestHideNotFoundPolicy(t *testing.T) {
	// The caller holds permission for a target that does not exist.
	t.Run("hide on", func(t *testing.T) {
		f := newFixture(t, okCaller(`null`), nil, nil, true)
		rec, req, _ := post("/mcp/v1/message", `{"connector":"nonexistent","method":"tools/call"}`, []string{"mcp:tools.call:nonexistent"})
		f.proxy.HandleMCP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})
	t.Run("hide off", func(t *testing.T) {
		f := newFixture(t, okCaller(`null`), nil, nil, false)
		rec, req, _ := post("/mcp/v1/message", `{"connector":"nonexistent","method":"tools/call"}`, []string{"mcp:tools.call:nonexistent"})
		f.proxy.HandleMCP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		if code, _, _ := decodeError(t, rec); code != "NOT_FOUND" {
			t.Errorf("code = %s", code)
		}
	})
	t.Run("disabled target is hidden", func(t *testing.T) {
		f := newFixture(t, okCaller(`null`), nil, nil, true)
		rec, req, _ := post("/mcp/v1/message", `{"connector":"dormant","method":"tools/call"}`, []string{"*"})
		f.proxy.HandleMCP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})
	t.Run("agent is not a connector", func(t *testing.T) {
		f := newFixture(t, okCaller(`null`), nil, nil, false)
		rec, req, _ := post("/mcp/v1/message", `{"connector":"agent-7","method":"tools/call"}`, []string{"*"})
		f.proxy.HandleMCP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestQueueOverflowReturns429(t *testing.T) {
	notices := &recordingNotifier{}
	blocker := make(chan struct{})
	defer close(blocker)
	slow := &fakeCaller{fn: func(ctx context.Context, _ config.Target, _ string, _ json.RawMessage) (json.RawMessage, error) {
		select {
		case <-blocker:
		case <-ctx.Done():
		}
		return json.RawMessage(`null`), nil
	}}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := queue.New(0, 1, time.Second)
	defer engine.Shutdown()
	p := proxy.New(log, testRegistry(), engine, slow, nil, notices, true)

	started := make(chan struct{})
	go func() {
		close(started)
		rec, req, _ := post("/mcp/v1/message", `{"connector":"yfinance","method":"ping"}`, []string{"*"})
		p.HandleMCP(rec, req)
	}()
	<-started
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := engine.Snapshot()["yfinance"]; ok && s.Inflight == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	rec, req, _ := post("/mcp/v1/message", `{"connector":"yfinance","method":"ping"}`, []string{"*"})
	p.HandleMCP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	code, _, rid := decodeError(t, rec)
	if code != "TOO_MANY_REQUESTS" || len(rid) != 26 {
		t.Errorf("code = %s request_id = %q", code, rid)
	}
	if rec.Header().Get("X-Queue-Wait-Ms") != "" {
		t.Error("timing headers on admission rejection")
	}
	if len(notices.events) != 1 || notices.events[0].Kind != audit.KindQueueOverflow {
		t.Errorf("audit events = %+v", notices.events)
	}
}

func TestTimeoutReturns504(t *testing.T) {
	hang := &fakeCaller{fn: func(ctx context.Context, _ config.Target, _ string, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := queue.New(3, 1, 20*time.Millisecond)
	defer engine.Shutdown()
	p := proxy.New(log, testRegistry(), engine, hang, nil, nil, true)

	rec, req, _ := post("/mcp/v1/message", `{"connector":"yfinance","method":"tools/call"}`, []string{"*"})
	p.HandleMCP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d", rec.Code)
	}
	if code, _, _ := decodeError(t, rec); code != "GATEWAY_TIMEOUT" {
		t.Errorf("code = %s", code)
	}
}

func TestA2ARoutes(t *testing.T) {
	f := newFixture(t, nil, okCaller(`{"state":"completed"}`), nil, true)

	t.Run("success", func(t *testing.T) {
		rec, req, _ := post("/a2a/v1/tasks/get", `{"agent":"agent-7","method":"tasks/get","params":{"id":"t-1"}}`, []string{"a2a:task:*"})
		f.proxy.HandleA2A("tasks/get")(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), `"completed"`) {
			t.Errorf("body = %s", rec.Body.String())
		}
	})

	t.Run("method mismatch", func(t *testing.T) {
		rec, req, _ := post("/a2a/v1/tasks/get", `{"agent":"agent-7","method":"tasks/cancel"}`, []string{"*"})
		f.proxy.HandleA2A("tasks/get")(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("missing agent", func(t *testing.T) {
		rec, req, _ := post("/a2a/v1/message/send", `{"method":"message/send"}`, []string{"*"})
		f.proxy.HandleA2A("message/send")(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("message kind does not grant task", func(t *testing.T) {
		rec, req, _ := post("/a2a/v1/tasks/send", `{"agent":"agent-7","method":"tasks/send"}`, []string{"a2a:message:*"})
		f.proxy.HandleA2A("tasks/send")(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("connector is not an agent", func(t *testing.T) {
		rec, req, _ := post("/a2a/v1/tasks/get", `{"agent":"yfinance","method":"tasks/get"}`, []string{"*"})
		f.proxy.HandleA2A("tasks/get")(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want hidden 403", rec.Code)
		}
	})

	t.Run("tasks list folds under task kind", func(t *testing.T) {
		rec, req, _ := post("/a2a/v1/tasks/list", `{"agent":"agent-7","method":"tasks/list"}`, []string{"a2a:task:agent-7"})
		f.proxy.HandleA2A("tasks/list")(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

type recordingNotifier struct {
	events []audit.Event
}

func (r *recordingNotifier) Notify(_ context.Context, evt audit.Event) {
	r.events = append(r.events, evt)
}
