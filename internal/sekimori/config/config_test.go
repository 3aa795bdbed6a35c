package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Sekimori/internal/sekimori/config"
)

func TestParseEmptyAppliesDefaults(t *testing.T) {
	cfg, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("host = %q", cfg.Host)
	}
	if cfg.Port != 3000 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Errorf("max body = %d", cfg.MaxBodyBytes)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", cfg.Timeout)
	}
	if cfg.MaxQueuePerTarget != 10 {
		t.Errorf("max queue = %d", cfg.MaxQueuePerTarget)
	}
	if cfg.MaxInflightPerTarget != 1 {
		t.Errorf("max inflight = %d", cfg.MaxInflightPerTarget)
	}
	if cfg.Auth.Mode != config.AuthNone {
		t.Errorf("auth mode = %q", cfg.Auth.Mode)
	}
	if !cfg.HideNotFound {
		t.Error("hide_not_found should default to true")
	}
}

func TestParseFullDocument(t *testing.T) {
	doc := `
host: 0.0.0.0
port: 0
max_body: 512kb
timeout_ms: 5000
max_queue_per_target: 3
hide_not_found: false
auth:
  mode: bearer
  tokens:
    - name: ci
      hash: sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
      permissions: ["mcp:tools.call:yfinance"]
targets:
  - id: yfinance
    type: connector
    protocol: mcp
    config:
      command: uvx
      args: ["yfinance-mcp"]
  - id: agent-7
    type: agent
    protocol: a2a
    enabled: false
    config:
      url: https://agent7.example.com/rpc
`
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 0 {
		t.Errorf("port 0 (OS-assigned) must be accepted, got %d", cfg.Port)
	}
	if cfg.MaxBodyBytes != 512<<10 {
		t.Errorf("max body = %d", cfg.MaxBodyBytes)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", cfg.Timeout)
	}
	if cfg.HideNotFound {
		t.Error("hide_not_found = true, want false")
	}
	if len(cfg.Auth.Tokens) != 1 || cfg.Auth.Tokens[0].Name != "ci" {
		t.Errorf("tokens = %+v", cfg.Auth.Tokens)
	}
	if len(cfg.Targets) != 2 {
		t.Fatalf("targets = %+v", cfg.Targets)
	}
	if !cfg.Targets[0].IsEnabled() {
		t.Error("target without enabled field should be enabled")
	}
	if cfg.Targets[1].IsEnabled() {
		t.Error("disabled target reported enabled")
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"port too large", "port: 70000", "port"},
		{"port negative", "port: -1", "port"},
		{"host whitespace", "host: \"a b\"", "host"},
		{"host backtick", "host: \"evil`host\"", "host"},
		{"host pipe", "host: \"a|b\"", "host"},
		{"bad body cap", "max_body: 10xb", "max_body"},
		{"bad auth mode", "auth: {mode: basic}", "auth"},
		{"bearer bad hash", `
auth:
  mode: bearer
  tokens:
    - name: ci
      hash: sha256:zzzz
`, "hash"},
		{"bearer uppercase hash", `
auth:
  mode: bearer
  tokens:
    - name: ci
      hash: sha256:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA
`, "hash"},
		{"connector with a2a", `
targets:
  - id: x
    type: connector
    protocol: a2a
`, "protocol"},
		{"agent with mcp", `
targets:
  - id: x
    type: agent
    protocol: mcp
`, "protocol"},
		{"duplicate target id", `
targets:
  - id: x
    type: agent
    protocol: a2a
  - id: x
    type: agent
    protocol: a2a
`, "duplicate"},
		{"unknown top-level key", "bogus: 1", "schema"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.doc))
			if err == nil {
				t.Fatalf("expected error for %q", tc.doc)
			}
			if !strings.Contains(strings.ToLower(err.Error()), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseBodyCap(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1048576", 1 << 20},
		{"512kb", 512 << 10},
		{"512KB", 512 << 10},
		{"1mb", 1 << 20},
		{"1gb", 100 << 20}, // clamped: 1gb exceeds the 100 MiB ceiling
		{"100mb", 100 << 20},
		{"101mb", 100 << 20}, // clamped
		// Products that wrap int64 must clamp, not pass through as small
		// non-negative values. 2^34 gb is exactly 2^64.
		{"17179869184gb", 100 << 20},
		{"9007199254740993mb", 100 << 20},
		{"9223372036854775807kb", 100 << 20},
		{"99999999999999999999999999gb", 100 << 20}, // beyond int64 digits
	}
	for _, tc := range cases {
		got, err := config.ParseBodyCap(tc.in)
		if err != nil {
			t.Errorf("ParseBodyCap(%q): unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseBodyCap(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "mb", "1.5mb", "1tb", "-1", "10 mb"} {
		if _, err := config.ParseBodyCap(bad); err == nil {
			t.Errorf("ParseBodyCap(%q): expected error", bad)
		}
	}
}
