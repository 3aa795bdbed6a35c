// Package docker provides a Docker Engine adapter for hosting agent
// containers.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"

	"github.com/bdobrica/Sekimori/internal/sekimori/runtime"
)

const (
	labelManagedBy = "sekimori.managed-by"
	labelAgentID   = "sekimori.agent-id"
	managedByValue = "sekimori"

	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second
)

// Adapter implements runtime.Runtime using the Docker Engine API.
type Adapter struct {
	client  *dockerclient.Client
	network string
}

// New creates an adapter on the given network, or runtime.DefaultNetwork when
// empty.  The client honors DOCKER_HOST and friends.
func New(networkName string) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if networkName == "" {
		networkName = runtime.DefaultNetwork
	}
	return &Adapter{client: cli, network: networkName}, nil
}

// EnsureNetwork creates the gateway's Docker network if it doesn't exist.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.network)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == a.network {
			return nil
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", a.network, err)
	}
	return nil
}

// Ensure makes a running container for spec exist.  A container left over
// from a previous gateway run is adopted and restarted when needed rather
// than recreated, so agent state inside the container survives gateway
// restarts.
func (a *Adapter) Ensure(ctx context.Context, spec runtime.AgentSpec) (runtime.Handle, error) {
	if spec.Image == "" {
		return runtime.Handle{}, fmt.Errorf("spec.Image is required")
	}

	networkName := spec.Network
	if networkName == "" {
		networkName = a.network
	}
	containerName := runtime.ContainerNameFor(spec.ID)

	if handle, found, err := a.adopt(ctx, spec, containerName, networkName); err != nil {
		return runtime.Handle{}, err
	} else if found {
		return handle, nil
	}
	return a.create(ctx, spec, containerName, networkName)
}

// adopt looks for an existing container with the agent's name and starts it
// if stopped.
func (a *Adapter) adopt(ctx context.Context, spec runtime.AgentSpec, containerName, networkName string) (runtime.Handle, bool, error) {
	inspect, err := a.client.ContainerInspect(ctx, containerName)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return runtime.Handle{}, false, nil
		}
		return runtime.Handle{}, false, fmt.Errorf("inspect container %s: %w", containerName, err)
	}
	if inspect.Config.Labels[labelManagedBy] != managedByValue {
		return runtime.Handle{}, false, fmt.Errorf("container %s exists but is not gateway-managed", containerName)
	}

	if inspect.State == nil || !inspect.State.Running {
		if err := a.client.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return runtime.Handle{}, false, fmt.Errorf("start adopted container %s: %w", containerName, err)
		}
		inspect, err = a.client.ContainerInspect(ctx, inspect.ID)
		if err != nil {
			return runtime.Handle{}, false, fmt.Errorf("inspect container %s: %w", containerName, err)
		}
	}

	return runtime.Handle{
		AgentID:       spec.ID,
		ContainerID:   inspect.ID,
		ContainerName: containerName,
		BaseURL:       baseURLFromInspect(inspect, networkName, spec.Port),
	}, true, nil
}

// create builds and starts a fresh container for the spec.
func (a *Adapter) create(ctx context.Context, spec runtime.AgentSpec, containerName, networkName string) (runtime.Handle, error) {
	env := []string{
		fmt.Sprintf("AGENT_ID=%s", spec.ID),
		fmt.Sprintf("AGENT_PORT=%d", spec.Port),
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &container.Config{
		Image: spec.Image,
		Env:   env,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelAgentID:   spec.ID,
		},
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return runtime.Handle{}, fmt.Errorf("create container: %w", err)
	}
	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return runtime.Handle{}, fmt.Errorf("start container: %w", err)
	}

	inspect, err := a.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return runtime.Handle{}, fmt.Errorf("inspect container: %w", err)
	}
	return runtime.Handle{
		AgentID:       spec.ID,
		ContainerID:   resp.ID,
		ContainerName: containerName,
		BaseURL:       baseURLFromInspect(inspect, networkName, spec.Port),
	}, nil
}

// Stop gracefully stops the agent container.
func (a *Adapter) Stop(ctx context.Context, handle runtime.Handle) error {
	timeout := int(stopTimeout.Seconds())
	if err := a.client.ContainerStop(ctx, handle.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// Status returns the container's live state.
func (a *Adapter) Status(ctx context.Context, handle runtime.Handle) (runtime.Status, error) {
	inspect, err := a.client.ContainerInspect(ctx, handle.ContainerID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return runtime.Status{
				AgentID:     handle.AgentID,
				ContainerID: handle.ContainerID,
				State:       runtime.StateUnknown,
			}, nil
		}
		return runtime.Status{}, fmt.Errorf("inspect container: %w", err)
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	finishedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
	return runtime.Status{
		AgentID:     handle.AgentID,
		ContainerID: inspect.ID,
		State:       parseContainerState(inspect.State.Status),
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		ExitCode:    inspect.State.ExitCode,
		Error:       inspect.State.Error,
	}, nil
}

// List returns handles for all gateway-managed containers.
func (a *Adapter) List(ctx context.Context) ([]runtime.Handle, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	handles := make([]runtime.Handle, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		handles = append(handles, runtime.Handle{
			AgentID:       c.Labels[labelAgentID],
			ContainerID:   c.ID,
			ContainerName: name,
		})
	}
	return handles, nil
}

// Remove stops and removes the container entirely.
func (a *Adapter) Remove(ctx context.Context, handle runtime.Handle) error {
	_ = a.Stop(ctx, handle)
	if err := a.client.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	return nil
}

// --- helpers ---

func parseContainerState(s string) runtime.ContainerState {
	switch strings.ToLower(s) {
	case "running":
		return runtime.StateRunning
	case "exited":
		return runtime.StateExited
	case "created":
		return runtime.StateCreated
	case "paused":
		return runtime.StatePaused
	default:
		return runtime.StateUnknown
	}
}

func baseURLFromInspect(inspect types.ContainerJSON, networkName string, port int) string {
	if nets := inspect.NetworkSettings.Networks; nets != nil {
		if ep, ok := nets[networkName]; ok && ep.IPAddress != "" {
			return fmt.Sprintf("http://%s:%d", ep.IPAddress, port)
		}
	}
	return fmt.Sprintf("http://localhost:%d", port)
}
