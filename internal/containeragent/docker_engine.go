// Package containeragent tracks the local Docker inventory, gossips it to
// peers, and executes the scheduler's action plan. The Docker adapter below
// talks to the local daemon through the Docker Engine API client.
package containeragent

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockerevents "github.com/docker/docker/api/types/events"
	dockerfilters "github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// DockerEngine implements Engine against a real Docker daemon.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine creates a DockerEngine from the ambient Docker
// environment (DOCKER_HOST and friends), negotiating the API version.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("containeragent: create docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

func (e *DockerEngine) ListRunning(ctx context.Context) ([]ContainerRef, error) {
	filters := dockerfilters.NewArgs()
	filters.Add("status", "running")
	containers, err := e.cli.ContainerList(ctx, dockercontainer.ListOptions{Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("containeragent: list running containers: %w", err)
	}
	refs := make([]ContainerRef, 0, len(containers))
	for _, c := range containers {
		refs = append(refs, ContainerRef{ID: c.ID, Image: c.Image})
	}
	return refs, nil
}

func (e *DockerEngine) InspectName(ctx context.Context, id string) (string, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("containeragent: inspect container %q: %w", id, err)
	}
	return strings.TrimPrefix(info.Name, "/"), nil
}

func (e *DockerEngine) Events(ctx context.Context) (<-chan Event, <-chan error) {
	out := make(chan Event)
	errs := make(chan error, 1)

	msgs, dockerErrs := e.cli.Events(ctx, dockerevents.ListOptions{})
	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-dockerErrs:
				if ok && err != nil {
					errs <- err
				}
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if msg.Type != dockerevents.ContainerEventType {
					continue
				}
				status := EventStatus(msg.Action)
				if status != EventStart && status != EventDie {
					continue
				}
				select {
				case out <- Event{Status: status, ID: msg.Actor.ID, Image: msg.Actor.Attributes["image"]}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs
}

func (e *DockerEngine) CreateContainer(ctx context.Context, image string, ports map[string]int) (string, error) {
	cc := &dockercontainer.Config{Image: image}
	// No restart policy: the scheduler owns container lifecycle, and a
	// daemon-side respawn would undo every die action it issues.
	hc := &dockercontainer.HostConfig{}
	if len(ports) > 0 {
		exposed, bindings := portMappings(ports)
		cc.ExposedPorts = exposed
		hc.PortBindings = bindings
	}

	name := fmt.Sprintf("scrambler-%s", uuid.NewString())
	resp, err := e.cli.ContainerCreate(ctx, cc, hc, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("containeragent: create container from %q: %w", image, err)
	}
	return resp.ID, nil
}

func (e *DockerEngine) StartContainer(ctx context.Context, id string, ports map[string]int) error {
	_ = ports // bindings are fixed at create time; the Engine API takes none here
	if err := e.cli.ContainerStart(ctx, id, dockercontainer.StartOptions{}); err != nil {
		return fmt.Errorf("containeragent: start container %q: %w", id, err)
	}
	return nil
}

func (e *DockerEngine) KillContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("containeragent: kill container %q: %w", id, err)
	}
	return nil
}

func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// portMappings builds exposed-port and host-binding sets from a
// containerPort (string) -> hostPort (int) map, assuming TCP.
func portMappings(ports map[string]int) (nat.PortSet, nat.PortMap) {
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for containerPort, hostPort := range ports {
		port := nat.Port(containerPort + "/tcp")
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}
	return exposed, bindings
}
