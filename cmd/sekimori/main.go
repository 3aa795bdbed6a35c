package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bdobrica/Sekimori/common/environment"
	"github.com/bdobrica/Sekimori/common/redact"
	"github.com/bdobrica/Sekimori/common/version"
	"github.com/bdobrica/Sekimori/internal/sekimori/audit"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
	"github.com/bdobrica/Sekimori/internal/sekimori/logging"
	"github.com/bdobrica/Sekimori/internal/sekimori/proxy"
	"github.com/bdobrica/Sekimori/internal/sekimori/queue"
	"github.com/bdobrica/Sekimori/internal/sekimori/runtime"
	"github.com/bdobrica/Sekimori/internal/sekimori/runtime/docker"
	"github.com/bdobrica/Sekimori/internal/sekimori/server"
	"github.com/bdobrica/Sekimori/internal/sekimori/store"
	"github.com/bdobrica/Sekimori/internal/sekimori/targets"
	"github.com/bdobrica/Sekimori/internal/sekimori/upstream/a2a"
	"github.com/bdobrica/Sekimori/internal/sekimori/upstream/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logging.Setup(cfg.LogLevel, environment.StringOr("SEKIMORI_LOG_FORMAT", "json"))
	log := slog.Default()
	log.Info("sekimori gateway", "version", version.Version, "commit", version.GitCommit)

	traces, err := store.New(environment.StringOr("SEKIMORI_DATABASE", "./sekimori.db"))
	if err != nil {
		return fmt.Errorf("open trace store: %w", err)
	}
	defer traces.Close()

	notifier, err := buildNotifier()
	if err != nil {
		return err
	}

	if err := materializeAgents(cfg, log); err != nil {
		return err
	}

	registry := targets.NewRegistry(cfg.Targets)
	for _, t := range registry.List() {
		log.Info("target configured",
			"target", t.ID,
			"type", string(t.Type),
			"protocol", string(t.Protocol),
			"enabled", t.IsEnabled(),
			"config", redact.Map(t.Config),
		)
	}
	engine := queue.New(cfg.MaxQueuePerTarget, cfg.MaxInflightPerTarget, cfg.Timeout)
	connectors := mcp.NewManager(log)
	defer connectors.CloseAll()

	p := proxy.New(log, registry, engine, connectors, a2a.New(nil), notifier, cfg.HideNotFound)
	srv, err := server.New(cfg, log, p, registry, engine, traces, notifier)
	if err != nil {
		return err
	}
	return srv.Run(context.Background())
}

// loadConfig reads the YAML document named by SEKIMORI_CONFIG (defaults when
// unset) and applies the host/port/log-level environment overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := environment.StringOr("SEKIMORI_CONFIG", ""); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	} else {
		cfg = config.Default()
	}

	cfg.Host = environment.StringOr("SEKIMORI_HOST", cfg.Host)
	cfg.Port = environment.IntOr("SEKIMORI_PORT", cfg.Port)
	cfg.LogLevel = environment.StringOr("SEKIMORI_LOG_LEVEL", cfg.LogLevel)
	cfg.Timeout = environment.DurationOr("SEKIMORI_TIMEOUT", cfg.Timeout)
	cfg.HideNotFound = environment.BoolOr("SEKIMORI_HIDE_NOT_FOUND", cfg.HideNotFound)
	return cfg, nil
}

// buildNotifier wires the Matrix audit room when the credentials and room are
// configured; otherwise audit events are dropped.
func buildNotifier() (audit.Notifier, error) {
	room := environment.StringOr("MATRIX_AUDIT_ROOM", "")
	if room == "" {
		return audit.Noop{}, nil
	}
	homeserver, err := environment.RequiredString("MATRIX_HOMESERVER")
	if err != nil {
		return nil, fmt.Errorf("MATRIX_AUDIT_ROOM is set: %w", err)
	}
	userID, err := environment.RequiredString("MATRIX_USER_ID")
	if err != nil {
		return nil, fmt.Errorf("MATRIX_AUDIT_ROOM is set: %w", err)
	}
	accessToken, err := environment.RequiredString("MATRIX_ACCESS_TOKEN")
	if err != nil {
		return nil, fmt.Errorf("MATRIX_AUDIT_ROOM is set: %w", err)
	}
	sender, err := audit.NewMatrixSender(homeserver, userID, accessToken)
	if err != nil {
		return nil, err
	}
	return audit.NewMatrixNotifier(sender, room), nil
}

// materializeAgents spins up containers for image-based agent targets.  The
// Docker client is only created when at least one target needs it.
func materializeAgents(cfg *config.Config, log *slog.Logger) error {
	needed := false
	for _, t := range cfg.Targets {
		if t.Type != config.TypeAgent || !t.IsEnabled() {
			continue
		}
		if _, ok, err := runtime.SpecFromTarget(t); err != nil {
			return err
		} else if ok {
			needed = true
		}
	}
	if !needed {
		return nil
	}

	rt, err := docker.New(environment.StringOr("SEKIMORI_DOCKER_NETWORK", ""))
	if err != nil {
		return fmt.Errorf("docker runtime: %w", err)
	}
	ctx := context.Background()
	if err := rt.EnsureNetwork(ctx); err != nil {
		return err
	}
	return runtime.Materialize(ctx, rt, cfg.Targets, log)
}
