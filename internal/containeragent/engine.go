package containeragent

import "context"

// ContainerRef identifies one container the Engine knows about.
type ContainerRef struct {
	ID    string
	Image string
}

// EventStatus is the subset of Docker container event statuses
// ContainerAgent's ingester acts on; every other status is ignored.
type EventStatus string

const (
	EventStart EventStatus = "start"
	EventDie   EventStatus = "die"
)

// Event is one container lifecycle event from the engine's event stream.
type Event struct {
	Status EventStatus
	ID     string
	Image  string
}

// Engine is the container-runtime surface ContainerAgent depends on,
// narrow enough to be faked in tests and wide enough for the real Docker
// adapter in docker_engine.go to implement without leaking client types.
type Engine interface {
	// ListRunning returns every currently-running container.
	ListRunning(ctx context.Context) ([]ContainerRef, error)
	// InspectName returns the human name Docker assigned to id.
	InspectName(ctx context.Context, id string) (string, error)
	// Events streams container lifecycle events until ctx is done or the
	// stream ends (the caller reconnects with its own backoff).
	Events(ctx context.Context) (<-chan Event, <-chan error)
	// CreateContainer creates (but does not start) a container running
	// image, exposing and binding the given container-port -> host-port
	// map, and returns the new container's id.
	CreateContainer(ctx context.Context, image string, ports map[string]int) (id string, err error)
	// StartContainer starts a previously created container. ports is the
	// same container-port -> host-port map passed at create time.
	StartContainer(ctx context.Context, id string, ports map[string]int) error
	// KillContainer force-stops a container by id.
	KillContainer(ctx context.Context, id string) error
	Close() error
}
