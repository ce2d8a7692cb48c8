package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/hydra/pkg/models"
)

func collect(t *testing.T, s *Subscription, n int) []models.Event {
	t.Helper()
	out := make([]models.Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "subscription closed after %d events", len(out))
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublish_AssignsMonotonicIDs(t *testing.T) {
	b := New()
	var last uint64
	for i := 0; i < 100; i++ {
		id := b.Publish(models.EventSystemAlert, models.SystemAlertPayload{Alert: "tick"})
		require.Greater(t, id, last)
		last = id
	}
	assert.Equal(t, uint64(100), b.LastID())
}

func TestSubscribe_ReplayThenLive(t *testing.T) {
	b := New()
	for i := 0; i < 10; i++ {
		b.Publish(models.EventQueueUpdate, models.QueueUpdatePayload{})
	}

	sub := b.Subscribe(0)
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(models.EventQueueUpdate, models.QueueUpdatePayload{})
	}

	events := collect(t, sub, 15)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.ID)
	}
}

func TestSubscribe_NoDuplicatesAcrossReplayBoundary(t *testing.T) {
	b := New()

	// Publish concurrently with subscribing to exercise the replay/live seam.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			b.Publish(models.EventSystemAlert, models.SystemAlertPayload{Alert: fmt.Sprint(i)})
		}
	}()

	sub := b.Subscribe(0)
	defer b.Unsubscribe(sub)
	<-done

	events := collect(t, sub, 500)
	seen := make(map[uint64]bool, len(events))
	var last uint64
	for _, ev := range events {
		require.False(t, seen[ev.ID], "duplicate id %d", ev.ID)
		require.Greater(t, ev.ID, last, "ids must strictly increase")
		seen[ev.ID] = true
		last = ev.ID
	}
}

func TestSubscribe_ReconnectionBackfill(t *testing.T) {
	b := New()
	for i := 0; i < 50; i++ {
		b.Publish(models.EventQueueUpdate, models.QueueUpdatePayload{})
	}

	first := b.Subscribe(0)
	collect(t, first, 50)
	b.Unsubscribe(first)

	for i := 0; i < 50; i++ {
		b.Publish(models.EventQueueUpdate, models.QueueUpdatePayload{})
	}

	second := b.Subscribe(50)
	defer b.Unsubscribe(second)
	events := collect(t, second, 50)
	for i, ev := range events {
		assert.Equal(t, uint64(51+i), ev.ID)
	}
}

func TestSubscribe_GapSentinelWhenRingOverflowed(t *testing.T) {
	b := New(WithMaxEvents(10))
	for i := 0; i < 25; i++ {
		b.Publish(models.EventQueueUpdate, models.QueueUpdatePayload{})
	}

	// Oldest retained id is 16; asking for events since 5 spans a gap.
	sub := b.Subscribe(5)
	defer b.Unsubscribe(sub)

	events := collect(t, sub, 11)
	require.Equal(t, models.EventGap, events[0].Type)
	gap, ok := events[0].Data.(models.GapPayload)
	require.True(t, ok)
	assert.Equal(t, uint64(16), gap.OldestRetained)
	assert.Equal(t, uint64(16), events[1].ID)
	assert.Equal(t, uint64(25), events[10].ID)
}

func TestSubscribe_NoGapWhenSinceIDRetained(t *testing.T) {
	b := New(WithMaxEvents(10))
	for i := 0; i < 25; i++ {
		b.Publish(models.EventQueueUpdate, models.QueueUpdatePayload{})
	}

	sub := b.Subscribe(20)
	defer b.Unsubscribe(sub)

	events := collect(t, sub, 5)
	assert.Equal(t, uint64(21), events[0].ID)
}

func TestPublish_DropsSlowSubscriber(t *testing.T) {
	b := New(WithMaxEvents(100), WithMaxPending(100))

	// Never reads from its channel.
	slow := b.Subscribe(0)

	start := time.Now()
	for i := 0; i < 10000; i++ {
		b.Publish(models.EventSystemAlert, models.SystemAlertPayload{Alert: "flood"})
	}
	elapsed := time.Since(start)

	// Publishers must never block on a stuck consumer.
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 0, b.SubscriberCount())

	// The dropped subscription's channel closes once its buffer drains.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-slow.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("dropped subscription never closed")
		}
	}
}

func TestSnapshotSince(t *testing.T) {
	b := New()
	for i := 0; i < 30; i++ {
		b.Publish(models.EventQueueUpdate, models.QueueUpdatePayload{})
	}

	events := b.SnapshotSince(20)
	require.Len(t, events, 10)
	assert.Equal(t, uint64(21), events[0].ID)
	assert.Equal(t, uint64(30), events[9].ID)

	assert.Empty(t, b.SnapshotSince(30))
}

func TestSnapshotSinceTime(t *testing.T) {
	b := New()
	b.Publish(models.EventQueueUpdate, models.QueueUpdatePayload{})
	cut := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	b.Publish(models.EventQueueUpdate, models.QueueUpdatePayload{})

	events := b.SnapshotSinceTime(cut)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].ID)
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(0)
	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
