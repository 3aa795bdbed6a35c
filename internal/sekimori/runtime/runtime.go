// Package runtime abstracts the container backend used to host image-based
// agents.
//
// Agent targets normally name a remote URL.  A target whose config block
// carries an "image" key instead is materialized at startup: the gateway
// ensures a container for it exists and is running, then fills the target's
// url from the container's network address so the A2A client needs no special
// handling.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Sekimori/internal/sekimori/config"
)

// Runtime abstracts the container engine.
type Runtime interface {
	// Ensure makes a running container for the spec exist, adopting one left
	// over from a previous gateway run when possible.
	Ensure(ctx context.Context, spec AgentSpec) (Handle, error)

	// Stop gracefully stops the agent container.
	Stop(ctx context.Context, handle Handle) error

	// Status returns the container's live state.
	Status(ctx context.Context, handle Handle) (Status, error)

	// List returns handles for all containers this gateway manages.
	List(ctx context.Context) ([]Handle, error)

	// Remove stops and deletes the container.
	Remove(ctx context.Context, handle Handle) error
}

// AgentSpec describes the container backing one image-based agent target.
type AgentSpec struct {
	// ID is the target id; it keys the container name and labels.
	ID string
	// Image is the container image, e.g. "ghcr.io/org/agent:v1".
	Image string
	// Env holds extra environment variables for the container.
	Env map[string]string
	// Port is the HTTP port the agent's JSON-RPC endpoint listens on inside
	// the container.
	Port int
	// Network is the container network to attach; empty means the default.
	Network string
}

// Handle identifies a managed agent container.
type Handle struct {
	AgentID       string
	ContainerID   string
	ContainerName string
	// BaseURL is where the agent's JSON-RPC endpoint is reachable.
	BaseURL string
}

// ContainerState mirrors engine container states.
type ContainerState string

const (
	StateRunning ContainerState = "running"
	StateExited  ContainerState = "exited"
	StateCreated ContainerState = "created"
	StatePaused  ContainerState = "paused"
	StateUnknown ContainerState = "unknown"
)

// Status holds live container status information.
type Status struct {
	AgentID     string
	ContainerID string
	State       ContainerState
	StartedAt   time.Time
	FinishedAt  time.Time
	ExitCode    int
	Error       string
}

// DefaultAgentPort is assumed when an image-based target names no port.
const DefaultAgentPort = 8080

// DefaultNetwork is the container network the gateway creates agents on.
const DefaultNetwork = "sekimori"

// ContainerNameFor returns the container name for a target id.
func ContainerNameFor(agentID string) string {
	return "sekimori-agent-" + agentID
}

// SpecFromTarget extracts the container recipe from an agent target's config
// block.  ok is false when the target has no "image" key and is served
// directly over its configured url.
func SpecFromTarget(target config.Target) (spec AgentSpec, ok bool, err error) {
	raw, present := target.Config["image"]
	if !present {
		return AgentSpec{}, false, nil
	}
	image, isStr := raw.(string)
	if !isStr || image == "" {
		return AgentSpec{}, false, fmt.Errorf("agent %s: config.image must be a non-empty string", target.ID)
	}
	spec = AgentSpec{ID: target.ID, Image: image, Port: DefaultAgentPort}

	if raw, present := target.Config["port"]; present {
		port, isInt := raw.(int)
		if !isInt || port <= 0 || port > 65535 {
			return AgentSpec{}, false, fmt.Errorf("agent %s: config.port must be a port number", target.ID)
		}
		spec.Port = port
	}
	if raw, present := target.Config["network"]; present {
		network, isStr := raw.(string)
		if !isStr {
			return AgentSpec{}, false, fmt.Errorf("agent %s: config.network must be a string", target.ID)
		}
		spec.Network = network
	}
	if raw, present := target.Config["env"]; present {
		m, isMap := raw.(map[string]any)
		if !isMap {
			return AgentSpec{}, false, fmt.Errorf("agent %s: config.env must be a string map", target.ID)
		}
		spec.Env = make(map[string]string, len(m))
		for k, v := range m {
			s, isStr := v.(string)
			if !isStr {
				return AgentSpec{}, false, fmt.Errorf("agent %s: config.env.%s must be a string", target.ID, k)
			}
			spec.Env[k] = s
		}
	}
	return spec, true, nil
}

// Materialize ensures a container for every image-based target in list and
// writes the resulting base URL into the target's config block, so the A2A
// client resolves image-based and remote agents identically.  Config maps are
// shared with the caller's slice; mutation here is visible to the registry
// built from it.
func Materialize(ctx context.Context, rt Runtime, list []config.Target, log *slog.Logger) error {
	for _, target := range list {
		if target.Type != config.TypeAgent || !target.IsEnabled() {
			continue
		}
		spec, ok, err := SpecFromTarget(target)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		handle, err := rt.Ensure(ctx, spec)
		if err != nil {
			return fmt.Errorf("materialize agent %s: %w", target.ID, err)
		}
		target.Config["url"] = handle.BaseURL
		log.Info("agent container ready",
			"agent", target.ID,
			"container", handle.ContainerName,
			"url", handle.BaseURL,
		)
	}
	return nil
}
