package background

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgeworks/hydra/pkg/bus"
	"github.com/forgeworks/hydra/pkg/githost"
	"github.com/forgeworks/hydra/pkg/metrics"
	"github.com/forgeworks/hydra/pkg/models"
	"github.com/forgeworks/hydra/pkg/pipeline"
)

// Loop names and default cadences.
const (
	LoopPRMergeWatcher     = "pr-merge-watcher"
	LoopCIStatusWatcher    = "ci-status-watcher"
	LoopPipelineReconciler = "pipeline-reconciler"
	LoopLifetimeStats      = "lifetime-stats"
	LoopMetricsSnapshot    = "metrics-snapshot"

	DefaultMergeInterval     = 15 * time.Second
	DefaultCIInterval        = 30 * time.Second
	DefaultReconcileInterval = 60 * time.Second
	DefaultStatsInterval     = 60 * time.Second
	DefaultSnapshotInterval  = 5 * time.Minute
)

// Host is the slice of the issue host the loops need.
type Host interface {
	GetPullRequest(ctx context.Context, pr int) (models.PullRequest, error)
	MergePullRequest(ctx context.Context, pr int) error
	CIStatus(ctx context.Context, pr int) (githost.CIState, error)
	ListOpenIssues(ctx context.Context, label string) ([]models.Issue, error)
}

// Escalator routes CI failures to human attention.
type Escalator interface {
	Escalate(issue, pr int, cause string, memorySuggestion bool)
}

// PRMergeWatcher merges approved pull requests. Only review-stage issues
// whose reviewer finished (status done) are candidates; moving a merged
// issue out of review makes the merge one-shot.
func PRMergeWatcher(store *pipeline.Store, host Host, b *bus.Bus) Task {
	return func(ctx context.Context) error {
		var errs []error
		for _, issue := range store.Snapshot()[models.StageReview] {
			if issue.Status != models.IssueStatusDone || issue.PR == 0 {
				continue
			}

			pr, err := host.GetPullRequest(ctx, issue.PR)
			if err != nil {
				errs = append(errs, fmt.Errorf("pr %d: %w", issue.PR, err))
				continue
			}
			if !pr.Merged {
				state, err := host.CIStatus(ctx, issue.PR)
				if err != nil {
					errs = append(errs, fmt.Errorf("pr %d ci: %w", issue.PR, err))
					continue
				}
				if state != githost.CIPassing {
					continue
				}
				if err := host.MergePullRequest(ctx, issue.PR); err != nil {
					errs = append(errs, fmt.Errorf("merge pr %d: %w", issue.PR, err))
					continue
				}
			}

			store.Move(issue.Number, models.StageReview, models.StageMerged, models.IssueStatusDone)
			b.Publish(models.EventMergeUpdate, models.MergeUpdatePayload{
				PR: issue.PR, Issue: issue.Number, Status: "merged",
			})
		}
		return errors.Join(errs...)
	}
}

// CIStatusWatcher escalates review-stage issues whose CI went red. The
// escalation moves the issue to hitl, so each failure fires once.
func CIStatusWatcher(store *pipeline.Store, host Host, escalator Escalator) Task {
	return func(ctx context.Context) error {
		var errs []error
		for _, issue := range store.Snapshot()[models.StageReview] {
			if issue.PR == 0 {
				continue
			}
			state, err := host.CIStatus(ctx, issue.PR)
			if err != nil {
				errs = append(errs, fmt.Errorf("pr %d ci: %w", issue.PR, err))
				continue
			}
			if state == githost.CIFailing {
				escalator.Escalate(issue.Number, issue.PR, "ci-failed", false)
			}
		}
		return errors.Join(errs...)
	}
}

// PipelineReconciler adopts labeled host issues the pipeline does not know
// yet, entering them at triage. Issues already tracked are left alone.
func PipelineReconciler(store *pipeline.Store, host Host, label string) Task {
	return func(ctx context.Context) error {
		open, err := host.ListOpenIssues(ctx, label)
		if err != nil {
			return fmt.Errorf("list open issues: %w", err)
		}
		for _, issue := range open {
			if _, tracked := store.Get(issue.Number); tracked {
				continue
			}
			store.Upsert(issue, models.StageTriage, models.IssueStatusQueued)
		}
		return nil
	}
}

// LifetimeStats persists the lifetime counters so a crash loses at most one
// interval of counting.
func LifetimeStats(collector *metrics.Collector, repo metrics.Repository) Task {
	return func(ctx context.Context) error {
		return repo.SaveCounters(ctx, collector.Lifetime())
	}
}

// MetricsSnapshot samples the counters into the history ring.
func MetricsSnapshot(collector *metrics.Collector) Task {
	return func(ctx context.Context) error {
		collector.TakeSnapshot(ctx)
		return nil
	}
}
