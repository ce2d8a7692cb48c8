// Package bus implements the process-wide event log: a single monotonically
// ID'd append-only ring with fan-out to live subscribers and replay-based
// backfill for reconnecting clients.
//
// Publishers never block. Each subscription owns a bounded pending queue
// drained by its own sender goroutine; a subscriber that falls too far
// behind is dropped, not back-pressured against publishers. Dropped clients
// are expected to reconnect and backfill via SnapshotSince.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/forgeworks/hydra/pkg/models"
)

const (
	// DefaultMaxEvents is the ring capacity: how many events are retained
	// for replay after the log advances past them.
	DefaultMaxEvents = 2000

	// DefaultMaxPending bounds a subscription's unread backlog. Must be at
	// least the ring capacity so a fresh Subscribe(0) can hold a full replay.
	DefaultMaxPending = 4096

	// subscriptionBuffer is the delivery channel capacity per subscription.
	subscriptionBuffer = 64
)

// Bus owns the event log and the id counter. All state changes in the
// orchestrator are serialized through Publish.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	ring      []models.Event
	subs      map[uint64]*Subscription
	nextSubID uint64

	maxEvents  int
	maxPending int
	logger     *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxEvents overrides the ring capacity.
func WithMaxEvents(n int) Option {
	return func(b *Bus) { b.maxEvents = n }
}

// WithMaxPending overrides the per-subscription backlog bound.
func WithMaxPending(n int) Option {
	return func(b *Bus) { b.maxPending = n }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[uint64]*Subscription),
		maxEvents:  DefaultMaxEvents,
		maxPending: DefaultMaxPending,
		logger:     slog.Default().With("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxPending < b.maxEvents {
		b.maxPending = b.maxEvents
	}
	return b
}

// Publish assigns the next monotonic id, stamps the timestamp, appends the
// event to the ring, and pushes it to every live subscriber. It never blocks:
// a subscriber whose backlog is full is dropped.
func (b *Bus) Publish(eventType string, data any) uint64 {
	b.mu.Lock()
	b.nextID++
	ev := models.Event{
		ID:        b.nextID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	b.ring = append(b.ring, ev)
	if len(b.ring) > b.maxEvents {
		b.ring = b.ring[len(b.ring)-b.maxEvents:]
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.enqueue(ev) {
			b.remove(s)
			b.logger.Info("Dropped slow subscriber", "subscription_id", s.id, "at_event", ev.ID)
		}
	}
	return ev.ID
}

// Subscribe returns an ordered stream of events with id > sinceID: first a
// replay of retained events, then live events, with no duplicates. If sinceID
// predates the ring's oldest retained id, a gap sentinel precedes the stream
// so the client knows to reconcile via REST.
func (b *Bus) Subscribe(sinceID uint64) *Subscription {
	b.mu.Lock()
	b.nextSubID++
	s := newSubscription(b.nextSubID, b.maxPending)

	if oldest := b.oldestRetainedLocked(); sinceID+1 < oldest {
		s.pending = append(s.pending, models.Event{
			Type:      models.EventGap,
			Timestamp: time.Now().UTC(),
			Data:      models.GapPayload{OldestRetained: oldest},
		})
	}
	for _, ev := range b.ring {
		if ev.ID > sinceID {
			s.pending = append(s.pending, ev)
		}
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.run()
	return s
}

// SnapshotSince returns a copy of the retained events with id > sinceID, in
// id order. Pull-mode backfill for reconnection.
func (b *Bus) SnapshotSince(sinceID uint64) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Event, 0, len(b.ring))
	for _, ev := range b.ring {
		if ev.ID > sinceID {
			out = append(out, ev)
		}
	}
	return out
}

// SnapshotSinceTime returns retained events stamped after t, in id order.
func (b *Bus) SnapshotSinceTime(t time.Time) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Event, 0, len(b.ring))
	for _, ev := range b.ring {
		if ev.Timestamp.After(t) {
			out = append(out, ev)
		}
	}
	return out
}

// LastID returns the id of the most recently published event.
func (b *Bus) LastID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Unsubscribe detaches the subscription and closes its channel once the
// in-flight send (if any) completes.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.remove(s)
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	s.close()
}

// oldestRetainedLocked returns the smallest id still in the ring, or
// nextID+1 when nothing is retained (so the gap check degenerates safely).
func (b *Bus) oldestRetainedLocked() uint64 {
	if len(b.ring) > 0 {
		return b.ring[0].ID
	}
	return b.nextID + 1
}

// Subscription is one consumer's ordered view of the log.
type Subscription struct {
	id         uint64
	maxPending int

	mu      sync.Mutex
	cond    *sync.Cond
	pending []models.Event
	closed  bool

	ch   chan models.Event
	done chan struct{}
}

func newSubscription(id uint64, maxPending int) *Subscription {
	s := &Subscription{
		id:         id,
		maxPending: maxPending,
		ch:         make(chan models.Event, subscriptionBuffer),
		done:       make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Events returns the delivery channel. It is closed when the subscription is
// unsubscribed or dropped; ids on it strictly increase.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// enqueue appends an event to the backlog. Returns false when the backlog is
// already at its bound, meaning the subscriber must be dropped.
func (s *Subscription) enqueue(ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if len(s.pending) >= s.maxPending {
		return false
	}
	s.pending = append(s.pending, ev)
	s.cond.Signal()
	return true
}

// run is the sender goroutine: drains the backlog into the channel in order.
func (s *Subscription) run() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.pending) == 0 {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.ch <- ev:
			case <-s.done:
				close(s.ch)
				return
			}
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.cond.Signal()
	s.mu.Unlock()
	close(s.done)
}
