// Package pipeline holds the source-of-truth for the set of in-flight issues
// and their stage membership. The store owns the stage buckets; every
// mutation emits a pipeline_update event so the transport can push deltas
// instead of re-sending the whole table.
package pipeline

import (
	"log/slog"
	"sync"

	"github.com/forgeworks/hydra/pkg/bus"
	"github.com/forgeworks/hydra/pkg/models"
)

// Store maps each stage to an ordered set of issue snapshots. Ordering
// within a bucket is enqueue order (FIFO for the scheduler's admission).
//
// Invariant: an issue appears in exactly one stage bucket.
type Store struct {
	mu     sync.RWMutex
	stages map[models.Stage][]models.Issue
	bus    *bus.Bus
	logger *slog.Logger
}

// NewStore creates an empty store publishing deltas to b.
func NewStore(b *bus.Bus) *Store {
	stages := make(map[models.Stage][]models.Issue)
	for _, s := range []models.Stage{
		models.StageTriage, models.StagePlan, models.StageImplement,
		models.StageReview, models.StageMerged, models.StageHITL,
	} {
		stages[s] = nil
	}
	return &Store{
		stages: stages,
		bus:    b,
		logger: slog.Default().With("component", "pipeline"),
	}
}

// Snapshot returns an atomic copy of every stage bucket.
func (s *Store) Snapshot() map[models.Stage][]models.Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.Stage][]models.Issue, len(s.stages))
	for stage, issues := range s.stages {
		out[stage] = append([]models.Issue(nil), issues...)
	}
	return out
}

// Get returns the current snapshot of one issue.
func (s *Store) Get(issue int) (models.Issue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, iss, ok := s.findLocked(issue)
	return iss, ok
}

// Move atomically removes the issue from `from`, inserts it into `to`, and
// sets the new status. A zero `from` searches all stages. Moving an unknown
// issue to merged is idempotently allowed: a terminal merge is recorded
// regardless of whether the issue was ever observed in flight.
func (s *Store) Move(issue int, from, to models.Stage, status models.IssueStatus) bool {
	s.mu.Lock()

	var iss models.Issue
	found := false
	if from != "" {
		if idx := s.indexLocked(from, issue); idx >= 0 {
			iss = s.stages[from][idx]
			s.stages[from] = append(s.stages[from][:idx], s.stages[from][idx+1:]...)
			found = true
		}
	} else {
		var stage models.Stage
		stage, iss, found = s.findLocked(issue)
		if found {
			from = stage
			idx := s.indexLocked(stage, issue)
			s.stages[stage] = append(s.stages[stage][:idx], s.stages[stage][idx+1:]...)
		}
	}

	if !found {
		if to != models.StageMerged {
			s.mu.Unlock()
			return false
		}
		// Terminal merge for an issue we never tracked in `from`. If it
		// lives in another bucket, still collapse it into merged.
		if stage, existing, ok := s.findLocked(issue); ok {
			idx := s.indexLocked(stage, issue)
			s.stages[stage] = append(s.stages[stage][:idx], s.stages[stage][idx+1:]...)
			iss = existing
			from = stage
		} else {
			iss = models.Issue{Number: issue}
		}
	}

	iss.Stage = to
	iss.Status = status
	s.stages[to] = append(s.stages[to], iss)
	s.mu.Unlock()

	s.publishDelta(issue, from, to, status)
	return true
}

// SetStatus changes the issue's status in place, without a stage move.
func (s *Store) SetStatus(issue int, status models.IssueStatus) bool {
	s.mu.Lock()
	stage, _, ok := s.findLocked(issue)
	if !ok {
		s.mu.Unlock()
		return false
	}
	idx := s.indexLocked(stage, issue)
	s.stages[stage][idx].Status = status
	s.mu.Unlock()

	s.publishDelta(issue, stage, stage, status)
	return true
}

// SetPR records the pull request opened for an issue.
func (s *Store) SetPR(issue, pr int, url, branch string) {
	s.mu.Lock()
	stage, _, ok := s.findLocked(issue)
	if ok {
		idx := s.indexLocked(stage, issue)
		s.stages[stage][idx].PR = pr
		s.stages[stage][idx].PRURL = url
		if branch != "" {
			s.stages[stage][idx].Branch = branch
		}
	}
	s.mu.Unlock()
}

// Upsert inserts the issue if absent; when present it is a no-op unless the
// recorded stage or status differs. Used by the reconciliation pollers.
// Returns true when state changed.
func (s *Store) Upsert(issue models.Issue, stage models.Stage, status models.IssueStatus) bool {
	s.mu.Lock()
	current, existing, ok := s.findLocked(issue.Number)
	if ok && current == stage && existing.Status == status {
		s.mu.Unlock()
		return false
	}
	if ok {
		idx := s.indexLocked(current, issue.Number)
		s.stages[current] = append(s.stages[current][:idx], s.stages[current][idx+1:]...)
		existing.Stage = stage
		existing.Status = status
		s.stages[stage] = append(s.stages[stage], existing)
	} else {
		issue.Stage = stage
		issue.Status = status
		s.stages[stage] = append(s.stages[stage], issue)
	}
	s.mu.Unlock()

	s.publishDelta(issue.Number, current, stage, status)
	return true
}

// RemoveClosed drops an issue that the host reports closed outside the
// pipeline. Returns the removed snapshot if it was tracked.
func (s *Store) RemoveClosed(issue int) (models.Issue, bool) {
	s.mu.Lock()
	stage, iss, ok := s.findLocked(issue)
	if !ok {
		s.mu.Unlock()
		return models.Issue{}, false
	}
	idx := s.indexLocked(stage, issue)
	s.stages[stage] = append(s.stages[stage][:idx], s.stages[stage][idx+1:]...)
	s.mu.Unlock()

	s.publishDelta(issue, stage, "", "")
	s.logger.Info("Removed closed issue", "issue", issue, "stage", stage)
	return iss, true
}

// Queued returns the queued issues of a stage in FIFO order.
func (s *Store) Queued(stage models.Stage) []models.Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Issue
	for _, iss := range s.stages[stage] {
		if iss.Status == models.IssueStatusQueued {
			out = append(out, iss)
		}
	}
	return out
}

// QueueDepths returns the number of queued issues per work stage.
func (s *Store) QueueDepths() map[models.Stage]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.Stage]int, len(models.WorkStages))
	for _, stage := range models.WorkStages {
		n := 0
		for _, iss := range s.stages[stage] {
			if iss.Status == models.IssueStatusQueued {
				n++
			}
		}
		out[stage] = n
	}
	return out
}

// Stages returns how many issues each stage currently holds.
func (s *Store) Stages() map[models.Stage]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.Stage]int, len(s.stages))
	for stage, issues := range s.stages {
		out[stage] = len(issues)
	}
	return out
}

func (s *Store) publishDelta(issue int, from, to models.Stage, status models.IssueStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(models.EventPipelineUpdate, models.PipelineUpdatePayload{
		Issue:  issue,
		From:   from,
		To:     to,
		Status: status,
	})
}

// findLocked locates an issue across all buckets. Caller holds at least RLock.
func (s *Store) findLocked(issue int) (models.Stage, models.Issue, bool) {
	for stage, issues := range s.stages {
		for _, iss := range issues {
			if iss.Number == issue {
				return stage, iss, true
			}
		}
	}
	return "", models.Issue{}, false
}

// indexLocked returns the bucket index of an issue, or -1.
func (s *Store) indexLocked(stage models.Stage, issue int) int {
	for i, iss := range s.stages[stage] {
		if iss.Number == issue {
			return i
		}
	}
	return -1
}
