package containeragent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"scrambler/internal/model"
	"scrambler/internal/pubsub"
)

// fakeEngine is an in-memory Engine double.
type fakeEngine struct {
	mu      sync.Mutex
	running []ContainerRef
	names   map[string]string
	events  chan Event
	errs    chan error

	created []string // images passed to CreateContainer, in order
	killed  []string // uuids passed to KillContainer, in order
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		names:  make(map[string]string),
		events: make(chan Event, 10),
		errs:   make(chan error, 1),
	}
}

func (e *fakeEngine) ListRunning(ctx context.Context) ([]ContainerRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ContainerRef, len(e.running))
	copy(out, e.running)
	return out, nil
}

func (e *fakeEngine) InspectName(ctx context.Context, id string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.names[id], nil
}

func (e *fakeEngine) Events(ctx context.Context) (<-chan Event, <-chan error) {
	return e.events, e.errs
}

func (e *fakeEngine) CreateContainer(ctx context.Context, image string, ports map[string]int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, image)
	return "new-id", nil
}

func (e *fakeEngine) StartContainer(ctx context.Context, id string, ports map[string]int) error {
	return nil
}

func (e *fakeEngine) KillContainer(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killed = append(e.killed, id)
	return nil
}

func (e *fakeEngine) Close() error { return nil }

// fakeBus mirrors the one in internal/cluster's tests: direct in-process
// fan-out with no loopback filtering, since these tests drive handlers
// directly rather than through the published path.
type fakeHub struct {
	mu   sync.Mutex
	subs map[string][]chan pubsub.Message
}

func newHub() *fakeHub { return &fakeHub{subs: make(map[string][]chan pubsub.Message)} }

type fakeBus struct {
	hostname string
	hub      *fakeHub
}

func (b *fakeBus) Subscribe(topic string) <-chan pubsub.Message {
	ch := make(chan pubsub.Message, 100)
	b.hub.mu.Lock()
	b.hub.subs[topic] = append(b.hub.subs[topic], ch)
	b.hub.mu.Unlock()
	return ch
}

func (b *fakeBus) Publish(topic string, payload []byte, loopback bool) {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	for _, ch := range b.hub.subs[topic] {
		ch <- pubsub.Message{Topic: topic, Origin: b.hostname, Data: payload}
	}
}

func TestNewSeedsOwnInventoryFromEngine(t *testing.T) {
	engine := newFakeEngine()
	engine.running = []ContainerRef{{ID: "c1", Image: "nginx"}}
	engine.names["c1"] = "web-1"

	agent, err := New(context.Background(), Config{Hostname: "alpha"}, &fakeBus{hostname: "alpha", hub: newHub()}, engine)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	own, _ := agent.docker.Get("alpha")
	if info := own["nginx"]["c1"]; info.Name != "web-1" || !info.Running {
		t.Fatalf("seeded inventory = %+v, want web-1/running", info)
	}
}

func TestHandleDockerIgnoresOwnOrigin(t *testing.T) {
	engine := newFakeEngine()
	agent, _ := New(context.Background(), Config{Hostname: "alpha"}, &fakeBus{hostname: "alpha", hub: newHub()}, engine)

	payload, _ := json.Marshal(model.DockerEntry{"nginx": {"c2": {Name: "evil", Running: true}}})
	agent.handleDocker(pubsub.Message{Topic: "docker", Origin: "alpha", Data: payload})

	if agent.docker.Contains("alpha") {
		if own, _ := agent.docker.Get("alpha"); len(own) != 0 {
			t.Fatalf("own entry should be untouched by a self-origin docker message, got %+v", own)
		}
	}
}

func TestHandleDockerReplacesPeerEntryWholesale(t *testing.T) {
	engine := newFakeEngine()
	agent, _ := New(context.Background(), Config{Hostname: "alpha"}, &fakeBus{hostname: "alpha", hub: newHub()}, engine)

	first, _ := json.Marshal(model.DockerEntry{"nginx": {"c1": {Name: "web", Running: true}}})
	agent.handleDocker(pubsub.Message{Topic: "docker", Origin: "beta", Data: first})

	second, _ := json.Marshal(model.DockerEntry{"redis": {"c2": {Name: "cache", Running: true}}})
	agent.handleDocker(pubsub.Message{Topic: "docker", Origin: "beta", Data: second})

	got, _ := agent.docker.Get("beta")
	if _, ok := got["nginx"]; ok {
		t.Fatalf("stale nginx entry should have been replaced wholesale, got %+v", got)
	}
	if _, ok := got["redis"]; !ok {
		t.Fatalf("expected redis entry after replacement, got %+v", got)
	}
}

func TestHandleScheduleRejectsNonCoordinatorOrigin(t *testing.T) {
	engine := newFakeEngine()
	agent, _ := New(context.Background(), Config{
		Hostname:              "alpha",
		IsBelievedCoordinator: func(h string) bool { return h == "beta" },
	}, &fakeBus{hostname: "alpha", hub: newHub()}, engine)

	plan := model.ActionPlan{"alpha": {Actions: []model.Action{{Do: model.ActionRun, Image: "nginx", Name: "web"}}}}
	payload, _ := json.Marshal(plan)
	agent.handleSchedule(context.Background(), pubsub.Message{Topic: "schedule", Origin: "mallory", Data: payload})

	if len(engine.created) != 0 {
		t.Fatalf("expected no container creation from a non-coordinator schedule message, got %v", engine.created)
	}
}

func TestHandleScheduleRunsAndKillsForOwnHostname(t *testing.T) {
	engine := newFakeEngine()
	agent, _ := New(context.Background(), Config{Hostname: "alpha"}, &fakeBus{hostname: "alpha", hub: newHub()}, engine)

	plan := model.ActionPlan{
		"alpha": {Actions: []model.Action{
			{Do: model.ActionRun, Image: "nginx", Name: "web", Config: &model.RunConfig{Ports: map[string]int{"80": 8080}}},
			{Do: model.ActionDie, UUID: "stale-id"},
		}},
		"beta": {Actions: []model.Action{{Do: model.ActionRun, Image: "redis", Name: "cache"}}},
	}
	payload, _ := json.Marshal(plan)
	agent.handleSchedule(context.Background(), pubsub.Message{Topic: "schedule", Origin: "alpha", Data: payload})

	if len(engine.created) != 1 || engine.created[0] != "nginx" {
		t.Fatalf("created = %v, want [nginx] (beta's plan must not run here)", engine.created)
	}
	if len(engine.killed) != 1 || engine.killed[0] != "stale-id" {
		t.Fatalf("killed = %v, want [stale-id]", engine.killed)
	}
}

func TestIngestEventsAppliesStartAndDie(t *testing.T) {
	engine := newFakeEngine()
	engine.names["c1"] = "web-1"
	agent, _ := New(context.Background(), Config{Hostname: "alpha"}, &fakeBus{hostname: "alpha", hub: newHub()}, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agent.wg.Add(1)
	go agent.ingestEvents(ctx)

	engine.events <- Event{Status: EventStart, ID: "c1", Image: "nginx"}
	deadline := time.After(time.Second)
	for {
		own, _ := agent.docker.Get("alpha")
		if own["nginx"]["c1"].Running {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for start event to apply")
		case <-time.After(time.Millisecond):
		}
	}

	engine.events <- Event{Status: EventDie, ID: "c1", Image: "nginx"}
	deadline = time.After(time.Second)
	for {
		own, _ := agent.docker.Get("alpha")
		if _, ok := own["nginx"]["c1"]; !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for die event to apply")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	agent.wg.Wait()
}

func TestDropPeerRemovesInventoryEntry(t *testing.T) {
	engine := newFakeEngine()
	agent, _ := New(context.Background(), Config{Hostname: "alpha"}, &fakeBus{hostname: "alpha", hub: newHub()}, engine)
	agent.docker.Set("beta", model.DockerEntry{"nginx": {"c1": {Name: "web", Running: true}}})

	agent.DropPeer("beta")

	if agent.docker.Contains("beta") {
		t.Fatalf("beta's inventory should have been dropped")
	}
}
