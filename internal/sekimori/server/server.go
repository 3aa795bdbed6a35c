// Package server assembles the HTTP surface of the gateway: routes, the
// middleware chain, and the listen/shutdown lifecycle.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/Sekimori/common/version"
	"github.com/bdobrica/Sekimori/internal/sekimori/audit"
	"github.com/bdobrica/Sekimori/internal/sekimori/auth"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
	"github.com/bdobrica/Sekimori/internal/sekimori/logging"
	"github.com/bdobrica/Sekimori/internal/sekimori/proxy"
	"github.com/bdobrica/Sekimori/internal/sekimori/queue"
	"github.com/bdobrica/Sekimori/internal/sekimori/store"
	"github.com/bdobrica/Sekimori/internal/sekimori/targets"
)

// TraceStore is the subset of the trace database the server writes to.  Nil
// disables persistence.
type TraceStore interface {
	RecordTrace(ctx context.Context, tr store.Trace) error
	CountTraces(ctx context.Context) (int64, error)
}

// Server owns the HTTP listener and the middleware chain in front of the
// proxy handlers.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *targets.Registry
	engine   *queue.Engine
	traces   TraceStore
	notifier audit.Notifier

	handler   http.Handler
	startedAt time.Time
	server    *http.Server
	listener  net.Listener
}

// New assembles the server.  The auth gate is built here so its failure hook
// can feed the audit notifier.
func New(cfg *config.Config, log *slog.Logger, p *proxy.Proxy, registry *targets.Registry, engine *queue.Engine, traces TraceStore, notifier audit.Notifier) (*Server, error) {
	if notifier == nil {
		notifier = audit.Noop{}
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		engine:   engine,
		traces:   traces,
		notifier: notifier,
	}

	gate, err := auth.NewGate(cfg.Auth, []string{"/health"}, func(r *http.Request, code string) {
		notifier.Notify(r.Context(), audit.Event{
			Kind:    audit.KindAuthDenied,
			Client:  auth.AnonymousClientID,
			Message: fmt.Sprintf("%s on %s %s", code, r.Method, r.URL.Path),
		})
	})
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /mcp/v1/message", p.HandleMCP)
	log.Info("mcp_proxy_enabled")
	for method := range proxy.A2AMethods {
		mux.Handle("POST /a2a/v1/"+method, p.HandleA2A(method))
	}
	log.Info("a2a_proxy_enabled")

	// Innermost to outermost: identity capture, auth, body cap, access log,
	// request id.
	var h http.Handler = mux
	h = identityToMeta(h)
	h = gate.Middleware(h)
	h = s.bodyCap(h)
	h = s.accessLog(h)
	h = requestID(h)
	s.handler = h
	return s, nil
}

// ServeHTTP lets tests drive the full middleware chain without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and begins serving in the background.  It blocks
// until the port is open so the caller knows the address is live.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.startedAt = time.Now()
	s.server = &http.Server{
		Handler:     s.handler,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("server stopped", "err", err)
		}
	}()

	s.log.Info("server_started", "addr", ln.Addr().String())
	s.notifier.Notify(context.Background(), audit.Event{Kind: audit.KindServerStarted, Message: "gateway listening on " + ln.Addr().String()})
	return nil
}

// Stop rejects queued work and drains the HTTP server.  The engine shuts
// down first so blocked handlers unblock promptly; their connections then
// drain through the HTTP shutdown.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	s.log.Info("server_shutdown")
	s.engine.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn("server_shutdown_error", "err", err)
	}
	s.server = nil

	s.log.Info("server_stopped")
	s.notifier.Notify(context.Background(), audit.Event{Kind: audit.KindServerStopped, Message: "gateway stopped"})
}

// Run starts the server and blocks until ctx is cancelled or an interrupt
// arrives, then stops it.  The signal handler is registered per call and
// always deregistered, so repeated Run (or Start/Stop) cycles do not
// accumulate handlers.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-ctx.Done():
	case got := <-sig:
		s.log.Info("signal received", "signal", got.String())
	}
	s.Stop()
	return nil
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: logging.Now()})
}

// statusResponse is returned by GET /status (authenticated).
type statusResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	Commit        string                 `json:"commit"`
	Timestamp     string                 `json:"timestamp"`
	UptimeSecs    float64                `json:"uptime_seconds"`
	Targets       []targetStatus         `json:"targets"`
	Queues        map[string]queueStatus `json:"queues"`
	TraceCount    int64                  `json:"trace_count"`
	TracesEnabled bool                   `json:"traces_enabled"`
}

type targetStatus struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Protocol string `json:"protocol"`
	Enabled  bool   `json:"enabled"`
}

type queueStatus struct {
	Waiting  int `json:"waiting"`
	Inflight int `json:"inflight"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		Timestamp:  logging.Now(),
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		Queues:     make(map[string]queueStatus),
	}
	for _, t := range s.registry.List() {
		resp.Targets = append(resp.Targets, targetStatus{
			ID:       t.ID,
			Type:     string(t.Type),
			Protocol: string(t.Protocol),
			Enabled:  t.IsEnabled(),
		})
	}
	for id, st := range s.engine.Snapshot() {
		resp.Queues[id] = queueStatus{Waiting: st.Waiting, Inflight: st.Inflight}
	}
	if s.traces != nil {
		resp.TracesEnabled = true
		if n, err := s.traces.CountTraces(r.Context()); err == nil {
			resp.TraceCount = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
