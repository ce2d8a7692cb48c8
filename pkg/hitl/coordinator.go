// Package hitl coordinates human-in-the-loop escalations: issues the
// pipeline could not finish on its own wait here until an operator acts.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/forgeworks/hydra/pkg/bus"
	"github.com/forgeworks/hydra/pkg/models"
	"github.com/forgeworks/hydra/pkg/pipeline"
)

// Lookup failures surfaced to the transport as not-found.
var (
	// ErrNoItem marks an action against an issue with no open hitl item.
	ErrNoItem = errors.New("no hitl item")

	// ErrNoWorker marks an answer with nowhere to go.
	ErrNoWorker = errors.New("no running worker")
)

// Host is the slice of the issue host the coordinator needs.
type Host interface {
	CloseIssue(ctx context.Context, number int) error
}

// AnswerSink routes human replies to running workers.
type AnswerSink interface {
	Answer(issue int, text string) error
	PendingQuestions() map[int]string
}

// Admitter lets the coordinator push an issue past a disabled stage flag.
type Admitter interface {
	ForceAdmit(issue int)
}

// Coordinator owns the HITL item set. Items are keyed by issue; an issue
// escalated here stays out of the work queues until a resolution action
// moves it back.
type Coordinator struct {
	store    *pipeline.Store
	bus      *bus.Bus
	host     Host
	answers  AnswerSink
	admitter Admitter
	logger   *slog.Logger

	mu       sync.Mutex
	items    map[int]models.HITLItem
	feedback map[int]string
}

// New builds a coordinator. answers and admitter may be nil.
func New(store *pipeline.Store, b *bus.Bus, host Host, answers AnswerSink, admitter Admitter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		bus:      b,
		host:     host,
		answers:  answers,
		admitter: admitter,
		logger:   logger.With("component", "hitl"),
		items:    make(map[int]models.HITLItem),
		feedback: make(map[int]string),
	}
}

// List returns all open items, ascending by issue number.
func (c *Coordinator) List() []models.HITLItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.HITLItem, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Issue < out[j].Issue })
	return out
}

// Escalate moves the issue into the hitl stage and records an item for it.
// Called by the scheduler on worker failure and by the transport for manual
// escalations.
func (c *Coordinator) Escalate(issue, pr int, cause string, memorySuggestion bool) {
	snapshot, _ := c.store.Get(issue)

	item := models.HITLItem{
		Issue:              issue,
		Title:              snapshot.Title,
		Branch:             snapshot.Branch,
		PR:                 pr,
		PRURL:              snapshot.PRURL,
		Status:             models.HITLPending,
		Cause:              cause,
		IsMemorySuggestion: memorySuggestion,
	}
	if pr == 0 {
		item.PR = snapshot.PR
	}
	// Stage-originated escalations carry the stage in the item status so
	// operators can see where the issue fell out.
	if name, ok := strings.CutPrefix(cause, "from "); ok {
		if stage := models.Stage(strings.TrimSpace(name)); stage.IsWorkStage() {
			item.Status = models.HITLStatusFrom(stage)
		}
	}
	if memorySuggestion {
		item.Status = models.HITLApproval
	}

	c.mu.Lock()
	c.items[issue] = item
	c.mu.Unlock()

	c.store.Move(issue, "", models.StageHITL, models.IssueStatusHITL)
	c.bus.Publish(models.EventHITLEscalation, models.HITLEscalationPayload{
		Issue: issue, PR: item.PR, Cause: cause, MemorySuggestion: memorySuggestion,
	})
	c.logger.Info("Issue escalated", "issue", issue, "cause", cause)
}

// Retry attaches feedback as the agent's next input and re-admits the issue
// to the stage it escalated from.
func (c *Coordinator) Retry(issue int, feedback string) error {
	c.mu.Lock()
	item, ok := c.items[issue]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w for issue %d", ErrNoItem, issue)
	}
	c.feedback[issue] = feedback
	item.Status = models.HITLProcessing
	c.items[issue] = item
	c.mu.Unlock()

	c.publishUpdate(issue, "retry", models.HITLProcessing)

	stage := stageFromCause(item.Cause)
	c.store.Move(issue, models.StageHITL, stage, models.IssueStatusQueued)

	c.resolve(issue, "retry")
	c.logger.Info("Issue re-admitted", "issue", issue, "stage", stage)
	return nil
}

// Skip detaches the issue: the item is resolved and the issue leaves the
// pipeline. The host issue stays open, so the reconciler may pick it up
// again later.
func (c *Coordinator) Skip(issue int) error {
	if !c.has(issue) {
		return fmt.Errorf("%w for issue %d", ErrNoItem, issue)
	}
	c.store.RemoveClosed(issue)
	c.resolve(issue, "skip")
	return nil
}

// Close resolves the item by closing the issue at the host and dropping it
// from the pipeline. Items without a PR need no PR-side cleanup.
func (c *Coordinator) Close(ctx context.Context, issue int) error {
	if !c.has(issue) {
		return fmt.Errorf("%w for issue %d", ErrNoItem, issue)
	}
	if err := c.host.CloseIssue(ctx, issue); err != nil {
		return fmt.Errorf("close issue %d: %w", issue, err)
	}
	c.store.RemoveClosed(issue)
	c.resolve(issue, "close")
	return nil
}

// ApproveAsMemory accepts a memory-suggestion item: the lesson is taken, the
// underlying issue closes.
func (c *Coordinator) ApproveAsMemory(ctx context.Context, issue int) error {
	c.mu.Lock()
	item, ok := c.items[issue]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for issue %d", ErrNoItem, issue)
	}
	if !item.IsMemorySuggestion {
		return fmt.Errorf("issue %d is not a memory suggestion", issue)
	}
	if err := c.host.CloseIssue(ctx, issue); err != nil {
		return fmt.Errorf("close issue %d: %w", issue, err)
	}
	c.store.RemoveClosed(issue)
	c.resolve(issue, "approve")
	return nil
}

// Answer routes a reply to the in-flight question of a running worker.
func (c *Coordinator) Answer(issue int, text string) error {
	if c.answers == nil {
		return fmt.Errorf("%w to answer for issue %d", ErrNoWorker, issue)
	}
	if err := c.answers.Answer(issue, text); err != nil {
		return err
	}
	c.publishUpdate(issue, "answer", models.HITLResolved)
	return nil
}

// PendingQuestions returns the open agent questions keyed by issue.
func (c *Coordinator) PendingQuestions() map[int]string {
	if c.answers == nil {
		return map[int]string{}
	}
	return c.answers.PendingQuestions()
}

// RequestChanges is the manual correction path: a human sends the issue back
// to a stage with feedback, bypassing the stage's enabled flag. The issue
// need not be in the hitl stage.
func (c *Coordinator) RequestChanges(issue int, feedback string, stage models.Stage) error {
	if !stage.IsWorkStage() {
		return fmt.Errorf("stage %q does not accept work", stage)
	}

	c.mu.Lock()
	c.feedback[issue] = feedback
	_, hadItem := c.items[issue]
	delete(c.items, issue)
	c.mu.Unlock()

	c.bus.Publish(models.EventHITLEscalation, models.HITLEscalationPayload{
		Issue: issue, Cause: "request-changes",
	})
	c.store.Move(issue, "", stage, models.IssueStatusQueued)
	if hadItem {
		c.publishUpdate(issue, "request-changes", models.HITLResolved)
	} else {
		c.publishUpdate(issue, "request-changes", models.HITLProcessing)
	}
	if c.admitter != nil {
		c.admitter.ForceAdmit(issue)
	}
	c.logger.Info("Changes requested", "issue", issue, "stage", stage)
	return nil
}

// TakeFeedback hands out and clears the feedback recorded for an issue.
// Implements the scheduler's feedback source.
func (c *Coordinator) TakeFeedback(issue int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	fb := c.feedback[issue]
	delete(c.feedback, issue)
	return fb
}

func (c *Coordinator) has(issue int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[issue]
	return ok
}

func (c *Coordinator) resolve(issue int, action string) {
	c.mu.Lock()
	delete(c.items, issue)
	c.mu.Unlock()
	c.publishUpdate(issue, action, models.HITLResolved)
}

func (c *Coordinator) publishUpdate(issue int, action string, status models.HITLItemStatus) {
	c.bus.Publish(models.EventHITLUpdate, models.HITLUpdatePayload{
		Issue: issue, Action: action, Status: status,
	})
}

// stageFromCause recovers the originating stage from a "from <stage>" cause.
// Unrecognized causes re-enter at triage.
func stageFromCause(cause string) models.Stage {
	name, ok := strings.CutPrefix(cause, "from ")
	if !ok {
		return models.StageTriage
	}
	stage := models.Stage(strings.TrimSpace(name))
	if !stage.IsWorkStage() {
		return models.StageTriage
	}
	return stage
}
