// Package cluster implements membership heartbeating, liveness tracking,
// and coordinator election. Three workers run per node: the announcer
// publishes this node's own entry on the cluster topic, the listener
// upserts inbound heartbeats, and the reaper evicts peers whose heartbeats
// have gone stale.
package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"scrambler/internal/check"
	"scrambler/internal/model"
	"scrambler/internal/ntpcheck"
	"scrambler/internal/pubsub"
	"scrambler/internal/store"
)

const (
	defaultAnnounceInterval = time.Second
	defaultUpdateInterval   = 5 * time.Second
	defaultZombieInterval   = 15 * time.Second

	topic = "cluster"
)

// Clock abstracts time.Now so tests can control timestamp progression
// without sleeping.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Bus is the subset of *pubsub.PubSub the Cluster needs, kept as an
// interface so tests can substitute an in-process fake.
type Bus interface {
	Subscribe(topic string) <-chan pubsub.Message
	Publish(topic string, payload []byte, loopback bool)
}

// Config carries the effective settings Manager resolved from the on-disk
// configuration, plus defaults applied for any zero-valued interval.
type Config struct {
	Hostname string
	Address  string

	AnnounceInterval time.Duration
	UpdateInterval   time.Duration
	ZombieInterval   time.Duration

	// NTPPool, if non-empty, is queried once at startup for a clock-skew
	// warning. Leave empty to skip the check entirely.
	NTPPool string
}

func (c Config) withDefaults() Config {
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = defaultAnnounceInterval
	}
	if c.UpdateInterval == 0 {
		c.UpdateInterval = defaultUpdateInterval
	}
	if c.ZombieInterval == 0 {
		c.ZombieInterval = defaultZombieInterval
	}
	return c
}

// Cluster runs the Announcer, Listener, and Reaper workers over a shared
// membership Store.
type Cluster struct {
	cfg   Config
	bus   Bus
	clock Clock

	state *store.Store[model.ClusterEntry]
	queue <-chan pubsub.Message

	// onZombie is invoked with the hostname of every entry the Reaper
	// evicts, so ContainerAgent can drop its matching docker inventory.
	onZombie func(hostname string)

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Cluster and seeds its membership store with the local
// node's own entry. onZombie may be nil.
func New(cfg Config, bus Bus, clock Clock, onZombie func(hostname string)) *Cluster {
	check.Assert(cfg.Hostname != "", "cluster.New: Hostname must not be empty")
	check.Assert(bus != nil, "cluster.New: bus must not be nil")

	cfg = cfg.withDefaults()
	if clock == nil {
		clock = RealClock{}
	}
	if onZombie == nil {
		onZombie = func(string) {}
	}

	done := make(chan struct{})
	c := &Cluster{
		cfg:      cfg,
		bus:      bus,
		clock:    clock,
		state:    store.New[model.ClusterEntry](done),
		queue:    bus.Subscribe(topic),
		onZombie: onZombie,
		done:     done,
	}
	c.state.Set(cfg.Hostname, model.ClusterEntry{
		Address:   cfg.Address,
		Timestamp: float64(clock.Now().Unix()),
		Master:    false,
	})
	return c
}

// Store exposes the membership table for Scheduler and the snapshot
// printer.
func (c *Cluster) Store() *store.Store[model.ClusterEntry] {
	return c.state
}

// Start launches the Announcer, Listener, and Reaper workers. It returns
// immediately; call Stop (or cancel ctx) to shut them down.
func (c *Cluster) Start(ctx context.Context) {
	if c.cfg.NTPPool != "" {
		go ntpcheck.Run(c.cfg.NTPPool, 0)
	}

	c.wg.Add(3)
	go c.announce(ctx)
	go c.listen(ctx)
	go c.reap(ctx)
}

// Stop signals all three workers and waits for them to exit.
func (c *Cluster) Stop() {
	close(c.done)
	c.wg.Wait()
}

// IsCoordinator reports whether exactly one entry in the local membership
// store is marked master and that entry belongs to this node.
func (c *Cluster) IsCoordinator() bool {
	masters := 0
	selfIsMaster := false
	for hostname, entry := range c.state.Items() {
		if !entry.Master {
			continue
		}
		masters++
		if hostname == c.cfg.Hostname {
			selfIsMaster = true
		}
	}
	return masters == 1 && selfIsMaster
}

func (c *Cluster) announce(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.announceOnce()
		}
	}
}

func (c *Cluster) announceOnce() {
	c.refreshSelfMaster()

	self, ok := c.state.Get(c.cfg.Hostname)
	if !ok {
		return
	}
	self.Timestamp = float64(c.clock.Now().Unix())
	c.state.Set(c.cfg.Hostname, self)

	payload, err := json.Marshal(self)
	if err != nil {
		slog.Error("cluster: failed to marshal own entry", "err", err)
		return
	}
	c.bus.Publish(topic, payload, false)
}

func (c *Cluster) listen(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg, ok := <-c.queue:
			if !ok {
				return
			}
			c.handle(msg)
		}
	}
}

func (c *Cluster) handle(msg pubsub.Message) {
	var entry model.ClusterEntry
	if err := json.Unmarshal(msg.Data, &entry); err != nil {
		slog.Warn("cluster: dropping malformed heartbeat", "origin", msg.Origin, "err", err)
		return
	}

	entry.Timestamp = float64(c.clock.Now().Unix())
	entry.Master = c.computesAsMaster(msg.Origin)
	c.state.Set(msg.Origin, entry)

	// The heartbeat may have changed who the smallest hostname is, and no
	// heartbeat ever arrives with our own origin, so our self-entry's
	// master bit has to be refreshed here rather than in the upsert above.
	c.refreshSelfMaster()
}

// refreshSelfMaster recomputes the local node's own master bit. Every
// other entry gets its bit recomputed when its heartbeat is processed; the
// self-entry has no inbound heartbeat, so membership changes refresh it
// explicitly.
func (c *Cluster) refreshSelfMaster() {
	self, ok := c.state.Get(c.cfg.Hostname)
	if !ok {
		return
	}
	master := c.computesAsMaster(c.cfg.Hostname)
	if self.Master != master {
		self.Master = master
		c.state.Set(c.cfg.Hostname, self)
	}
}

// computesAsMaster recomputes the master bit as
// min(store.keys ∪ {origin}) == origin. Recomputing on every inbound
// heartbeat lets concurrent self-elections converge after a partition
// heals.
func (c *Cluster) computesAsMaster(origin string) bool {
	keys := c.state.Keys()
	found := false
	for _, k := range keys {
		if k == origin {
			found = true
			break
		}
	}
	if !found {
		keys = append(keys, origin)
	}
	sort.Strings(keys)
	return keys[0] == origin
}

func (c *Cluster) reap(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.reapOnce()
		}
	}
}

func (c *Cluster) reapOnce() {
	now := c.clock.Now()
	var evicted []string

	c.state.Iterate(func(hostname string, entry model.ClusterEntry) bool {
		if hostname == c.cfg.Hostname {
			return true
		}
		age := now.Sub(time.Unix(int64(entry.Timestamp), 0))
		if age > c.cfg.ZombieInterval {
			evicted = append(evicted, hostname)
			return false
		}
		return true
	})

	for _, hostname := range evicted {
		slog.Info("cluster: evicting zombie node", "hostname", hostname)
		c.onZombie(hostname)
	}
	if len(evicted) > 0 {
		c.refreshSelfMaster()
	}
}
