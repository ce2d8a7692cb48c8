package metrics

import (
	"context"
	"sync"
)

// Repository persists lifetime counters and the snapshot history.
type Repository interface {
	LoadCounters(ctx context.Context) (Counters, error)
	SaveCounters(ctx context.Context, c Counters) error
	LoadSnapshots(ctx context.Context) ([]Snapshot, error)
	AppendSnapshot(ctx context.Context, s Snapshot) error
}

// MemoryRepository is the default process-local repository. Counters and
// snapshots vanish with the process.
type MemoryRepository struct {
	mu        sync.Mutex
	counters  Counters
	snapshots []Snapshot
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) LoadCounters(_ context.Context) (Counters, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters, nil
}

func (r *MemoryRepository) SaveCounters(_ context.Context, c Counters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = c
	return nil
}

func (r *MemoryRepository) LoadSnapshots(_ context.Context) ([]Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snapshots...), nil
}

func (r *MemoryRepository) AppendSnapshot(_ context.Context, s Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
	if len(r.snapshots) > snapshotRingCap {
		r.snapshots = r.snapshots[len(r.snapshots)-snapshotRingCap:]
	}
	return nil
}
