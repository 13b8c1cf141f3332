package containeragent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"scrambler/internal/check"
	"scrambler/internal/model"
	"scrambler/internal/pubsub"
	"scrambler/internal/store"
)

const (
	defaultAnnounceInterval = time.Second
	eventBackoffFloor       = 3 * time.Second

	dockerTopic   = "docker"
	scheduleTopic = "schedule"
)

// Bus is the subset of *pubsub.PubSub ContainerAgent needs.
type Bus interface {
	Subscribe(topic string) <-chan pubsub.Message
	Publish(topic string, payload []byte, loopback bool)
}

// Config carries the settings Manager resolved for this agent.
type Config struct {
	Hostname         string
	AnnounceInterval time.Duration

	// IsBelievedCoordinator reports whether hostname is this node's
	// currently-believed cluster coordinator. Schedule messages from any
	// other origin are rejected. May be nil, in which case every origin
	// is accepted (used in tests exercising the handler in isolation).
	IsBelievedCoordinator func(hostname string) bool
}

func (c Config) withDefaults() Config {
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = defaultAnnounceInterval
	}
	return c
}

// Agent tracks local and peer container inventory and applies scheduler
// action plans addressed to this node.
type Agent struct {
	cfg    Config
	bus    Bus
	engine Engine

	docker *store.Store[model.DockerEntry]

	dockerQueue   <-chan pubsub.Message
	scheduleQueue <-chan pubsub.Message

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Agent and seeds the docker store's own-hostname entry
// from the engine's current running-container listing.
func New(ctx context.Context, cfg Config, bus Bus, engine Engine) (*Agent, error) {
	check.Assert(cfg.Hostname != "", "containeragent.New: Hostname must not be empty")
	check.Assert(bus != nil, "containeragent.New: bus must not be nil")
	check.Assert(engine != nil, "containeragent.New: engine must not be nil")

	cfg = cfg.withDefaults()
	done := make(chan struct{})

	a := &Agent{
		cfg:           cfg,
		bus:           bus,
		engine:        engine,
		docker:        store.New[model.DockerEntry](done),
		dockerQueue:   bus.Subscribe(dockerTopic),
		scheduleQueue: bus.Subscribe(scheduleTopic),
		done:          done,
	}

	inventory, err := a.containersByImage(ctx)
	if err != nil {
		return nil, err
	}
	a.docker.Set(cfg.Hostname, inventory)
	return a, nil
}

// Store exposes the container inventory table for Scheduler and the
// snapshot printer.
func (a *Agent) Store() *store.Store[model.DockerEntry] {
	return a.docker
}

// Start launches the Announcer, event ingester, and topic handler workers.
func (a *Agent) Start(ctx context.Context) {
	a.wg.Add(3)
	go a.announce(ctx)
	go a.ingestEvents(ctx)
	go a.handleTopics(ctx)
}

// Stop signals all workers and waits for them to exit.
func (a *Agent) Stop() {
	close(a.done)
	a.wg.Wait()
}

// containersByImage buckets the engine's running-container listing by
// image, inspecting each id for its name.
func (a *Agent) containersByImage(ctx context.Context) (model.DockerEntry, error) {
	running, err := a.engine.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	out := make(model.DockerEntry)
	for _, ref := range running {
		name, err := a.engine.InspectName(ctx, ref.ID)
		if err != nil {
			slog.Warn("containeragent: inspect failed, skipping container", "id", ref.ID, "err", err)
			continue
		}
		if out[ref.Image] == nil {
			out[ref.Image] = make(map[string]model.ContainerInfo)
		}
		out[ref.Image][ref.ID] = model.ContainerInfo{Name: name, Running: true}
	}
	return out, nil
}

func (a *Agent) announce(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-ticker.C:
			a.announceOnce()
		}
	}
}

func (a *Agent) announceOnce() {
	own, _ := a.docker.Get(a.cfg.Hostname)
	payload, err := json.Marshal(own)
	if err != nil {
		slog.Error("containeragent: failed to marshal own inventory", "err", err)
		return
	}
	a.bus.Publish(dockerTopic, payload, false)
}

// ingestEvents consumes the engine's event stream, reconnecting with a
// floor of eventBackoffFloor whenever the stream terminates.
func (a *Agent) ingestEvents(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		default:
		}

		events, errs := a.engine.Events(ctx)
		a.drainEvents(ctx, events, errs)

		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-time.After(eventBackoffFloor):
		}
	}
}

func (a *Agent) drainEvents(ctx context.Context, events <-chan Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case err, ok := <-errs:
			if ok && err != nil {
				slog.Warn("containeragent: event stream error, reconnecting", "err", err)
			}
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.applyEvent(ev)
		}
	}
}

func (a *Agent) applyEvent(ev Event) {
	own, _ := a.docker.Get(a.cfg.Hostname)
	if own == nil {
		own = make(model.DockerEntry)
	}

	switch ev.Status {
	case EventStart:
		if own[ev.Image] == nil {
			own[ev.Image] = make(map[string]model.ContainerInfo)
		}
		name, _ := a.engine.InspectName(context.Background(), ev.ID)
		own[ev.Image][ev.ID] = model.ContainerInfo{Name: name, Running: true}
	case EventDie:
		delete(own[ev.Image], ev.ID)
	default:
		return
	}
	a.docker.Set(a.cfg.Hostname, own)
}

func (a *Agent) handleTopics(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case msg, ok := <-a.dockerQueue:
			if !ok {
				return
			}
			a.handleDocker(msg)
		case msg, ok := <-a.scheduleQueue:
			if !ok {
				return
			}
			a.handleSchedule(ctx, msg)
		}
	}
}

func (a *Agent) handleDocker(msg pubsub.Message) {
	if msg.Origin == a.cfg.Hostname {
		return
	}
	var entry model.DockerEntry
	if err := json.Unmarshal(msg.Data, &entry); err != nil {
		slog.Warn("containeragent: dropping malformed docker inventory", "origin", msg.Origin, "err", err)
		return
	}
	a.docker.Set(msg.Origin, entry)
}

// DropPeer removes a peer's inventory entry, called when Cluster evicts a
// zombie node.
func (a *Agent) DropPeer(hostname string) {
	a.docker.Delete(hostname)
}

func (a *Agent) handleSchedule(ctx context.Context, msg pubsub.Message) {
	if a.cfg.IsBelievedCoordinator != nil && !a.cfg.IsBelievedCoordinator(msg.Origin) {
		slog.Warn("containeragent: ignoring schedule message from non-coordinator", "origin", msg.Origin)
		return
	}

	var plan model.ActionPlan
	if err := json.Unmarshal(msg.Data, &plan); err != nil {
		slog.Warn("containeragent: dropping malformed schedule plan", "origin", msg.Origin, "err", err)
		return
	}

	actions, ok := plan[a.cfg.Hostname]
	if !ok {
		return
	}
	for _, action := range actions.Actions {
		a.applyAction(ctx, action)
	}
}

func (a *Agent) applyAction(ctx context.Context, action model.Action) {
	switch action.Do {
	case model.ActionRun:
		ports := map[string]int{}
		if action.Config != nil {
			ports = action.Config.Ports
		}
		id, err := a.engine.CreateContainer(ctx, action.Image, ports)
		if err != nil {
			slog.Error("containeragent: create container failed", "image", action.Image, "err", err)
			return
		}
		if err := a.engine.StartContainer(ctx, id, ports); err != nil {
			slog.Error("containeragent: start container failed", "image", action.Image, "id", id, "err", err)
		}
	case model.ActionDie:
		if err := a.engine.KillContainer(ctx, action.UUID); err != nil {
			slog.Error("containeragent: kill container failed", "uuid", action.UUID, "err", err)
		}
	default:
		slog.Warn("containeragent: ignoring unknown action", "do", action.Do)
	}
}
