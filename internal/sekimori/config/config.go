// Package config loads and validates the gateway configuration.
//
// Configuration comes from a YAML document (path given by SEKIMORI_CONFIG)
// merged onto built-in defaults.  Parse is the canonical entry point: it
// decodes the document, checks it against the embedded JSON schema for shape
// errors, then applies the cross-field validations the schema cannot express.
// The resulting Config is immutable for the life of the process; changing
// limits, tokens, or targets requires a restart.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("sekimori-config.json", schemaJSON)

// Defaults applied when the corresponding field is absent from the document.
const (
	DefaultHost                 = "127.0.0.1"
	DefaultPort                 = 3000
	DefaultMaxBody              = "1mb"
	DefaultTimeout              = 30 * time.Second
	DefaultMaxQueuePerTarget    = 10
	DefaultMaxInflightPerTarget = 1
	DefaultLogLevel             = "info"
)

// MaxBodyCeiling is the hard upper bound on the request body cap.  Whatever
// the document says, the cap never exceeds 100 MiB.
const MaxBodyCeiling = 100 << 20

// AuthMode selects how inbound requests are authenticated.
type AuthMode string

const (
	// AuthNone attaches an anonymous identity with the "*" permission.
	AuthNone AuthMode = "none"
	// AuthBearer requires a bearer token matching a configured token hash.
	AuthBearer AuthMode = "bearer"
)

// TargetType distinguishes the two target families.
type TargetType string

const (
	TypeConnector TargetType = "connector"
	TypeAgent     TargetType = "agent"
)

// Protocol is the upstream dialect a target speaks.
type Protocol string

const (
	ProtocolMCP Protocol = "mcp"
	ProtocolA2A Protocol = "a2a"
)

// Token is one configured client credential.  Only the SHA-256 hash of the
// token is stored ("sha256:" + 64 lowercase hex digits); the plaintext never
// appears in configuration.  Name is what gets logged as client_id.
type Token struct {
	Name        string   `yaml:"name"`
	Hash        string   `yaml:"hash"`
	Permissions []string `yaml:"permissions"`
}

// Auth holds the authentication section of the document.
type Auth struct {
	Mode   AuthMode `yaml:"mode"`
	Tokens []Token  `yaml:"tokens"`
}

// Target describes one configured upstream.  Config is the opaque blob the
// upstream subsystem interprets (command/args/env for connectors, url or
// image for agents); the gateway core never looks inside it beyond redaction
// for logging.
type Target struct {
	ID       string         `yaml:"id"`
	Type     TargetType     `yaml:"type"`
	Protocol Protocol       `yaml:"protocol"`
	Enabled  *bool          `yaml:"enabled"`
	Config   map[string]any `yaml:"config"`
}

// IsEnabled reports whether the target accepts traffic.  Absent means enabled.
func (t Target) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// fileConfig mirrors the YAML document.  Pointer fields distinguish "absent"
// from zero values (port 0 and max_queue_per_target 0 are both legal).
type fileConfig struct {
	Host                 string   `yaml:"host"`
	Port                 *int     `yaml:"port"`
	MaxBody              string   `yaml:"max_body"`
	TimeoutMs            *int     `yaml:"timeout_ms"`
	MaxQueuePerTarget    *int     `yaml:"max_queue_per_target"`
	MaxInflightPerTarget *int     `yaml:"max_inflight_per_target"`
	HideNotFound         *bool    `yaml:"hide_not_found"`
	LogLevel             string   `yaml:"log_level"`
	Auth                 Auth     `yaml:"auth"`
	Targets              []Target `yaml:"targets"`
}

// Config is the resolved, validated gateway configuration.
type Config struct {
	Host                 string
	Port                 int
	MaxBodyBytes         int64
	Timeout              time.Duration
	MaxQueuePerTarget    int
	MaxInflightPerTarget int
	HideNotFound         bool
	LogLevel             string
	Auth                 Auth
	Targets              []Target
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration used when no document is supplied: local
// listener, no auth, no targets.
func Default() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		// Empty input validates by construction.
		panic(err)
	}
	return cfg
}

// Parse decodes, schema-checks, and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	if err := checkSchema(data); err != nil {
		return nil, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	cfg := &Config{
		Host:                 strings.TrimSpace(fc.Host),
		Port:                 DefaultPort,
		Timeout:              DefaultTimeout,
		MaxQueuePerTarget:    DefaultMaxQueuePerTarget,
		MaxInflightPerTarget: DefaultMaxInflightPerTarget,
		HideNotFound:         true,
		LogLevel:             DefaultLogLevel,
		Auth:                 fc.Auth,
		Targets:              fc.Targets,
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.TimeoutMs != nil {
		cfg.Timeout = time.Duration(*fc.TimeoutMs) * time.Millisecond
	}
	if fc.MaxQueuePerTarget != nil {
		cfg.MaxQueuePerTarget = *fc.MaxQueuePerTarget
	}
	if fc.MaxInflightPerTarget != nil {
		cfg.MaxInflightPerTarget = *fc.MaxInflightPerTarget
	}
	if fc.HideNotFound != nil {
		cfg.HideNotFound = *fc.HideNotFound
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = AuthNone
	}

	maxBody := fc.MaxBody
	if maxBody == "" {
		maxBody = DefaultMaxBody
	}
	bodyBytes, err := ParseBodyCap(maxBody)
	if err != nil {
		return nil, err
	}
	cfg.MaxBodyBytes = bodyBytes

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkSchema validates the raw document shape against the embedded schema.
func checkSchema(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// hostForbidden are the characters a host value must never contain: whitespace
// and shell metacharacters that would make the value unsafe to interpolate.
const hostForbidden = " \t<>{}|\\^`"

var (
	bodyCapPattern   = regexp.MustCompile(`^(?i)(\d+)(kb|mb|gb)?$`)
	tokenHashPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)
)

// ParseBodyCap converts a body-cap string ("1048576", "512kb", "1mb", "1gb",
// case-insensitive) to bytes, clamped to MaxBodyCeiling.
func ParseBodyCap(s string) (int64, error) {
	m := bodyCapPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("max_body %q: must match ^\\d+(kb|mb|gb)?$", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		// Digits too large for int64; the ceiling applies anyway.
		return MaxBodyCeiling, nil
	}
	var shift uint
	switch strings.ToLower(m[2]) {
	case "kb":
		shift = 10
	case "mb":
		shift = 20
	case "gb":
		shift = 30
	}
	// The overflow check must run before the multiplication: a wrapped
	// product can land on a small non-negative value the ceiling test
	// would wave through.
	if n > MaxBodyCeiling>>shift {
		return MaxBodyCeiling, nil
	}
	return n << shift, nil
}

// validate applies the cross-field rules.  Any failure aborts startup.
func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in [0, 65535], got %d", c.Port)
	}
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if strings.ContainsAny(c.Host, hostForbidden) {
		return fmt.Errorf("host %q contains a forbidden character", c.Host)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got %v", c.Timeout)
	}
	if c.MaxQueuePerTarget < 0 {
		return fmt.Errorf("max_queue_per_target must be >= 0, got %d", c.MaxQueuePerTarget)
	}
	if c.MaxInflightPerTarget < 1 {
		return fmt.Errorf("max_inflight_per_target must be >= 1, got %d", c.MaxInflightPerTarget)
	}

	switch c.Auth.Mode {
	case AuthNone, AuthBearer:
	default:
		return fmt.Errorf("auth.mode must be %q or %q, got %q", AuthNone, AuthBearer, c.Auth.Mode)
	}
	if c.Auth.Mode == AuthBearer {
		for i, tok := range c.Auth.Tokens {
			if strings.TrimSpace(tok.Name) == "" {
				return fmt.Errorf("auth.tokens[%d]: name must not be empty", i)
			}
			if !tokenHashPattern.MatchString(tok.Hash) {
				return fmt.Errorf("auth.tokens[%d] (%q): hash must match ^sha256:[0-9a-f]{64}$", i, tok.Name)
			}
		}
	}

	seen := make(map[string]struct{}, len(c.Targets))
	for i, t := range c.Targets {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("targets[%d]: id must not be empty", i)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("targets[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = struct{}{}
		switch t.Type {
		case TypeConnector:
			if t.Protocol != ProtocolMCP {
				return fmt.Errorf("targets[%d] (%q): connector targets must use protocol %q", i, t.ID, ProtocolMCP)
			}
		case TypeAgent:
			if t.Protocol != ProtocolA2A {
				return fmt.Errorf("targets[%d] (%q): agent targets must use protocol %q", i, t.ID, ProtocolA2A)
			}
		default:
			return fmt.Errorf("targets[%d] (%q): type must be %q or %q", i, t.ID, TypeConnector, TypeAgent)
		}
	}
	return nil
}
