// Package manager wires PubSub, Cluster, ContainerAgent, and Scheduler
// together and supervises their worker goroutines: a single struct holding
// injected collaborators, a Run(ctx) that starts everything and blocks
// until ctx is done, and aggregated shutdown errors.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"scrambler/internal/cluster"
	"scrambler/internal/config"
	"scrambler/internal/containeragent"
	"scrambler/internal/model"
	"scrambler/internal/ntpcheck"
	"scrambler/internal/pubsub"
	"scrambler/internal/scheduler"
	"scrambler/internal/snapshot"

	"github.com/hashicorp/go-multierror"
)

const defaultScheduleInterval = 5 * time.Second

// Manager owns the process-lifetime Stores and supervises every worker.
type Manager struct {
	cfg *config.Config

	bus     *pubsub.PubSub
	cluster *cluster.Cluster
	agent   *containeragent.Agent

	scheduleInterval time.Duration
}

// New applies cfg's defaults and constructs PubSub, ContainerAgent, and
// the Cluster.
func New(ctx context.Context, cfg *config.Config, engine containeragent.Engine) (*Manager, error) {
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}

	bus, err := pubsub.New(pubsub.TransportConfig{
		Group:     cfg.Connection.Group,
		Port:      cfg.Connection.Port,
		Interface: cfg.Connection.Interface,
		Protocol:  cfg.Connection.Protocol,
	}, []byte(cfg.Auth.ClusterKey), cfg.Hostname)
	if err != nil {
		return nil, fmt.Errorf("manager: construct pubsub: %w", err)
	}

	m := &Manager{
		cfg:              cfg,
		bus:              bus,
		scheduleInterval: intervalOrDefault(cfg.Interval.Schedule, defaultScheduleInterval),
	}

	agent, err := containeragent.New(ctx, containeragent.Config{
		Hostname:              cfg.Hostname,
		AnnounceInterval:      intervalOrDefault(cfg.Interval.Announce, time.Second),
		IsBelievedCoordinator: func(origin string) bool { return m.cluster != nil && m.isBelievedCoordinator(origin) },
	}, bus, engine)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("manager: construct container agent: %w", err)
	}
	m.agent = agent

	m.cluster = cluster.New(cluster.Config{
		Hostname:         cfg.Hostname,
		Address:          cfg.Address,
		AnnounceInterval: intervalOrDefault(cfg.Interval.Announce, time.Second),
		UpdateInterval:   intervalOrDefault(cfg.Interval.Update, 5*time.Second),
		ZombieInterval:   intervalOrDefault(cfg.Interval.Zombie, 15*time.Second),
		NTPPool:          ntpcheck.DefaultPool,
	}, bus, cluster.RealClock{}, agent.DropPeer)

	return m, nil
}

func (m *Manager) isBelievedCoordinator(origin string) bool {
	entry, ok := m.cluster.Store().Get(origin)
	return ok && entry.Master
}

func intervalOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Run starts every worker and blocks until ctx is cancelled, then shuts
// everything down, aggregating any shutdown errors.
func (m *Manager) Run(ctx context.Context) error {
	m.cluster.Start(ctx)
	m.agent.Start(ctx)

	updateTicker := time.NewTicker(intervalOrDefault(m.cfg.Interval.Update, 5*time.Second))
	defer updateTicker.Stop()
	scheduleTicker := time.NewTicker(m.scheduleInterval)
	defer scheduleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.shutdown()
		case <-updateTicker.C:
			m.printSnapshot()
		case <-scheduleTicker.C:
			m.scheduleOnce(ctx)
		}
	}
}

func (m *Manager) printSnapshot() {
	out := snapshot.Print(m.cluster.Store().Items(), m.agent.Store().Items())
	fmt.Print(out)
}

func (m *Manager) scheduleOnce(ctx context.Context) {
	if !m.cluster.IsCoordinator() {
		return
	}

	plan := scheduler.Distribution{}.Schedule(ctx, entries(m.cfg.Policies), m.cluster.Store().Items(), m.agent.Store().Items())
	if len(plan) == 0 {
		return
	}

	payload, err := json.Marshal(plan)
	if err != nil {
		slog.Error("manager: failed to marshal schedule plan", "err", err)
		return
	}
	m.bus.Publish("schedule", payload, true)
}

func (m *Manager) shutdown() error {
	var result *multierror.Error
	m.cluster.Stop()
	m.agent.Stop()
	if err := m.bus.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// entries is a small helper so tests can build a model.Policies from the
// on-disk config.Policy map without re-declaring the conversion.
func entries(policies map[string]config.Policy) model.Policies {
	out := make(model.Policies, len(policies))
	for image, p := range policies {
		out[image] = model.Policy{Name: p.Name, Ports: p.Ports, Min: p.Min, Max: p.Max}
	}
	return out
}
