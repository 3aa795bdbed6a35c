package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/bdobrica/Sekimori/common/version"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
)

// spawnSpec is the launch recipe extracted from a connector target's config
// block.
type spawnSpec struct {
	command string
	args    []string
	env     []string
}

// parseSpec validates and extracts the subprocess recipe.  env entries are
// appended to the gateway's own environment.
func parseSpec(id string, cfg map[string]any) (spawnSpec, error) {
	var spec spawnSpec

	cmd, ok := cfg["command"].(string)
	if !ok || cmd == "" {
		return spec, fmt.Errorf("connector %s: config.command must be a non-empty string", id)
	}
	spec.command = cmd

	if raw, ok := cfg["args"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return spec, fmt.Errorf("connector %s: config.args must be a list of strings", id)
		}
		for _, v := range list {
			s, ok := v.(string)
			if !ok {
				return spec, fmt.Errorf("connector %s: config.args must be a list of strings", id)
			}
			spec.args = append(spec.args, s)
		}
	}

	spec.env = os.Environ()
	if raw, ok := cfg["env"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return spec, fmt.Errorf("connector %s: config.env must be a string map", id)
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, ok := m[k].(string)
			if !ok {
				return spec, fmt.Errorf("connector %s: config.env.%s must be a string", id, k)
			}
			spec.env = append(spec.env, k+"="+v)
		}
	}
	return spec, nil
}

// Manager owns one connector process per target, launched lazily on first
// call and relaunched on the next call after an exit.  All requests for one
// connector arrive serialized by the queue engine, but Manager still locks
// around the client table because distinct connectors are served
// concurrently.
type Manager struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
}

// NewManager creates an empty manager; no processes start until traffic
// arrives.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{log: log, clients: make(map[string]*client)}
}

// Call relays one JSON-RPC request to the connector behind target, launching
// or relaunching its process first if needed.  Connector-side JSON-RPC errors
// come back as *jsonrpc.Error; everything else is a transport failure.
func (m *Manager) Call(ctx context.Context, target config.Target, method string, params json.RawMessage) (json.RawMessage, error) {
	c, err := m.client(ctx, target)
	if err != nil {
		return nil, err
	}
	return relay(ctx, c, method, params)
}

// relay dispatches one gateway-client request on an established connector
// client.  Notification methods cross the pipe without a correlation id and
// resolve immediately with null: a compliant connector never answers them, so
// waiting would hold the target's execution slot until the deadline.  A
// client-issued initialize is answered from the handshake result; the live
// process must not be initialized twice.
func relay(ctx context.Context, c *client, method string, params json.RawMessage) (json.RawMessage, error) {
	var p any
	if len(params) > 0 {
		p = params
	}
	if strings.HasPrefix(method, "notifications/") {
		if err := c.notify(method, p); err != nil {
			return nil, err
		}
		return json.RawMessage("null"), nil
	}
	if method == "initialize" && len(c.initRaw) > 0 {
		return c.initRaw, nil
	}
	return c.call(ctx, method, p)
}

// client returns a live client for the target, starting one if the slot is
// empty or its process has exited.
func (m *Manager) client(ctx context.Context, target config.Target) (*client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[target.ID]; ok {
		if c.alive() {
			return c, nil
		}
		// Reap the dead process before replacing it.
		_ = c.close()
		delete(m.clients, target.ID)
		m.log.Warn("connector process exited, relaunching", "connector", target.ID)
	}

	spec, err := parseSpec(target.ID, target.Config)
	if err != nil {
		return nil, err
	}
	c, err := start(target.ID, spec.command, spec.args, spec.env)
	if err != nil {
		return nil, err
	}
	if err := m.handshake(ctx, c); err != nil {
		_ = c.close()
		return nil, fmt.Errorf("connector %s handshake: %w", target.ID, err)
	}
	m.clients[target.ID] = c
	return c, nil
}

// handshake drives initialize and the initialized notification on a fresh
// process.
func (m *Manager) handshake(ctx context.Context, c *client) error {
	raw, err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    clientCaps{},
		ClientInfo:      clientInfo{Name: "sekimori", Version: version.Version},
	})
	if err != nil {
		return err
	}
	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	c.initRaw = raw
	if err := c.notify("notifications/initialized", nil); err != nil {
		return err
	}
	m.log.Info("connector ready",
		"connector", c.id,
		"server", res.ServerInfo.Name,
		"version", res.ServerInfo.Version,
	)
	return nil
}

// CloseAll stops every running connector process.  Called on gateway
// shutdown after the queue engine has rejected pending work.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*client)
	m.mu.Unlock()

	for id, c := range clients {
		if err := c.close(); err != nil {
			m.log.Warn("connector shutdown", "connector", id, "err", err)
		}
	}
}
