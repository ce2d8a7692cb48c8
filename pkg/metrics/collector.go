package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeworks/hydra/pkg/bus"
	"github.com/forgeworks/hydra/pkg/models"
)

// snapshotRingCap bounds the in-memory snapshot history (one day at the
// default five-minute cadence).
const snapshotRingCap = 288

// Collector consumes the event stream and maintains counters. It never
// publishes except through TakeSnapshot, which emits metrics_update.
type Collector struct {
	bus    *bus.Bus
	repo   Repository
	logger *slog.Logger

	mu       sync.Mutex
	session  Counters
	lifetime Counters
	ring     []Snapshot
	// reviewers that reported quality_fix this run, keyed by worker key;
	// cleared when the worker terminates.
	fixed map[string]bool

	sub  *bus.Subscription
	done chan struct{}
}

// NewCollector builds a collector backed by repo. A nil repo falls back to
// the in-memory repository.
func NewCollector(b *bus.Bus, repo Repository, logger *slog.Logger) *Collector {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		bus:    b,
		repo:   repo,
		logger: logger.With("component", "metrics"),
		fixed:  make(map[string]bool),
		done:   make(chan struct{}),
	}
}

// Start loads persisted state and begins consuming events.
func (c *Collector) Start(ctx context.Context) error {
	lifetime, err := c.repo.LoadCounters(ctx)
	if err != nil {
		return err
	}
	ring, err := c.repo.LoadSnapshots(ctx)
	if err != nil {
		return err
	}
	if len(ring) > snapshotRingCap {
		ring = ring[len(ring)-snapshotRingCap:]
	}

	c.mu.Lock()
	c.lifetime = lifetime
	c.ring = ring
	c.mu.Unlock()

	c.sub = c.bus.Subscribe(c.bus.LastID())
	go c.consume()
	return nil
}

// Stop detaches from the bus and persists lifetime counters.
func (c *Collector) Stop(ctx context.Context) error {
	if c.sub != nil {
		c.bus.Unsubscribe(c.sub)
		<-c.done
	}
	c.mu.Lock()
	lifetime := c.lifetime
	c.mu.Unlock()
	return c.repo.SaveCounters(ctx, lifetime)
}

func (c *Collector) consume() {
	defer close(c.done)
	for ev := range c.sub.Events() {
		c.observe(ev)
	}
}

func (c *Collector) observe(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case models.EventPRCreated:
		c.bump(func(x *Counters) { x.PRsOpened++ })

	case models.EventMergeUpdate:
		if p, ok := ev.Data.(models.MergeUpdatePayload); ok && p.Status == "merged" {
			c.bump(func(x *Counters) { x.PRsMerged++; x.IssuesCompleted++ })
		}

	case models.EventHITLEscalation:
		c.bump(func(x *Counters) { x.HITLEscalations++ })

	case models.EventTriageUpdate, models.EventPlannerUpdate,
		models.EventWorkerUpdate, models.EventReviewUpdate:
		p, ok := ev.Data.(models.WorkerUpdatePayload)
		if !ok {
			return
		}
		if p.Status == models.WorkerQueued {
			c.bump(func(x *Counters) { x.IssuesAdmitted++ })
		}
		if ev.Type == models.EventWorkerUpdate && p.Status == models.WorkerDone {
			c.bump(func(x *Counters) { x.Implementations++ })
		}
		if ev.Type == models.EventReviewUpdate {
			c.observeReview(p)
		}
	}
}

func (c *Collector) observeReview(p models.WorkerUpdatePayload) {
	switch {
	case p.Status == models.WorkerQualityFix:
		c.bump(func(x *Counters) { x.QualityFixes++ })
		c.fixed[p.Worker] = true

	case p.Status == models.WorkerDone:
		c.bump(func(x *Counters) { x.ReviewsTotal++ })
		if !c.fixed[p.Worker] {
			c.bump(func(x *Counters) { x.FirstPassApprovals++ })
		}
		delete(c.fixed, p.Worker)

	case p.Status.Terminal():
		delete(c.fixed, p.Worker)
	}
}

func (c *Collector) bump(f func(*Counters)) {
	f(&c.session)
	f(&c.lifetime)
}

// Session returns the session counters.
func (c *Collector) Session() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Lifetime returns the lifetime counters.
func (c *Collector) Lifetime() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifetime
}

// History returns the snapshot ring, oldest first.
func (c *Collector) History() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Snapshot(nil), c.ring...)
}

// ResetSession zeroes the session counters. Lifetime counters and the
// snapshot ring are untouched.
func (c *Collector) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = Counters{}
	c.fixed = make(map[string]bool)
}

// TakeSnapshot samples both counter sets into the ring and the repository,
// then announces the sample on the bus.
func (c *Collector) TakeSnapshot(ctx context.Context) Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		Time:          time.Now().UTC(),
		Session:       c.session,
		Lifetime:      c.lifetime,
		SessionRates:  RatesFor(c.session),
		LifetimeRates: RatesFor(c.lifetime),
	}
	c.ring = append(c.ring, snap)
	if len(c.ring) > snapshotRingCap {
		c.ring = c.ring[len(c.ring)-snapshotRingCap:]
	}
	lifetime := c.lifetime
	c.mu.Unlock()

	if err := c.repo.AppendSnapshot(ctx, snap); err != nil {
		c.logger.Warn("Failed to persist metrics snapshot", "error", err)
	}
	if err := c.repo.SaveCounters(ctx, lifetime); err != nil {
		c.logger.Warn("Failed to persist lifetime counters", "error", err)
	}

	c.bus.Publish(models.EventMetricsUpdate, snap)
	return snap
}
