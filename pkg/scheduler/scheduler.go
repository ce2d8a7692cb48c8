// Package scheduler is the pipeline's single decision point. One goroutine
// owns all scheduling state and serializes three inputs: operator commands,
// worker completions, and a periodic tick. Everything else observes the
// outcome on the bus.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/forgeworks/hydra/pkg/agent"
	"github.com/forgeworks/hydra/pkg/bus"
	"github.com/forgeworks/hydra/pkg/models"
	"github.com/forgeworks/hydra/pkg/pipeline"
	"github.com/forgeworks/hydra/pkg/worker"
)

// DefaultTick is the admission cadence when Config.Tick is zero.
const DefaultTick = 250 * time.Millisecond

// Pool is the slice of the worker pool the scheduler drives.
type Pool interface {
	Spawn(ctx context.Context, stage models.Stage, issue models.Issue, feedback string) (string, error)
	Completions() <-chan worker.Completion
	CancelAll()
	Reset()
}

// Escalator receives issues the scheduler routes to human attention.
type Escalator interface {
	Escalate(issue, pr int, cause string, memorySuggestion bool)
}

// FeedbackSource supplies the human feedback attached to an issue's next
// run, consuming it in the process. May be nil.
type FeedbackSource interface {
	TakeFeedback(issue int) string
}

// Config holds per-stage caps and the tick interval.
type Config struct {
	Caps map[models.Stage]int
	Tick time.Duration
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdToggleStage
	cmdReset
	cmdForce
	cmdQuery
)

type command struct {
	kind    commandKind
	stage   models.Stage
	enabled bool
	issue   int
	done    chan struct{}
}

// Scheduler runs the admission loop. All fields below mu-free state are
// owned by the run goroutine exclusively.
type Scheduler struct {
	cfg       Config
	store     *pipeline.Store
	pool      Pool
	bus       *bus.Bus
	escalator Escalator
	feedback  FeedbackSource
	onReset   func()
	logger    *slog.Logger

	commands chan command

	// loop-owned state
	status  models.OrchestratorStatus
	enabled map[models.Stage]bool
	active  map[models.Stage]int
	forced  map[int]bool
	batch   uint64
	phase   models.Stage

	// statusSnapshot is written by the loop before closing a query's done
	// channel; the close provides the happens-before edge for the reader.
	statusSnapshot models.OrchestratorStatus

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a scheduler. onReset, feedback and logger may be nil.
func New(cfg Config, store *pipeline.Store, pool Pool, b *bus.Bus, escalator Escalator, feedback FeedbackSource, onReset func(), logger *slog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	enabled := make(map[models.Stage]bool, len(models.WorkStages))
	active := make(map[models.Stage]int, len(models.WorkStages))
	for _, s := range models.WorkStages {
		enabled[s] = true
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		pool:      pool,
		bus:       b,
		escalator: escalator,
		feedback:  feedback,
		onReset:   onReset,
		logger:    logger.With("component", "scheduler"),
		commands:  make(chan command, 16),
		status:    models.OrchestratorIdle,
		enabled:   enabled,
		active:    active,
		forced:    make(map[int]bool),
		done:      make(chan struct{}),
	}
}

// Run starts the loop. It returns immediately; Shutdown stops it.
func (s *Scheduler) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Shutdown stops admission, cancels running workers, and waits for the loop
// to exit.
func (s *Scheduler) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	s.pool.CancelAll()
}

// Start enables admission. Also resumes from a credits pause.
func (s *Scheduler) Start() { s.send(command{kind: cmdStart}) }

// Stop halts admission; running workers finish.
func (s *Scheduler) Stop() { s.send(command{kind: cmdStop}) }

// ToggleStage flips a single stage's admission without touching the rest.
func (s *Scheduler) ToggleStage(stage models.Stage, enabled bool) {
	s.send(command{kind: cmdToggleStage, stage: stage, enabled: enabled})
}

// Reset clears session-scoped state: finished worker records and session
// counters. The pipeline and lifetime counters survive.
func (s *Scheduler) Reset() { s.send(command{kind: cmdReset}) }

// ForceAdmit marks an issue for admission even if its stage is disabled.
// Used when a human explicitly re-admits work; caps still apply.
func (s *Scheduler) ForceAdmit(issue int) { s.send(command{kind: cmdForce, issue: issue}) }

// Status returns the last published orchestrator status.
func (s *Scheduler) Status() models.OrchestratorStatus {
	reply := make(chan struct{})
	cmd := command{kind: cmdQuery, done: reply}
	select {
	case s.commands <- cmd:
		<-reply
	case <-s.done:
	}
	return s.statusSnapshot
}

func (s *Scheduler) send(cmd command) {
	select {
	case s.commands <- cmd:
	case <-s.done:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.status == models.OrchestratorRunning || s.status == models.OrchestratorStopping {
				s.setStatus(models.OrchestratorStopped, false)
			}
			return

		case cmd := <-s.commands:
			s.handleCommand(ctx, cmd)

		case c := <-s.pool.Completions():
			s.handleCompletion(ctx, c)

		case <-ticker.C:
			if s.admitting() {
				s.admit(ctx)
			}
			s.settle()
		}
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdStart:
		if s.status != models.OrchestratorRunning {
			s.setStatus(models.OrchestratorRunning, false)
		}
		s.admit(ctx)

	case cmdStop:
		if s.status == models.OrchestratorRunning {
			s.setStatus(models.OrchestratorStopping, false)
			s.settle()
		}

	case cmdToggleStage:
		s.enabled[cmd.stage] = cmd.enabled
		s.logger.Info("Stage toggled", "stage", cmd.stage, "enabled", cmd.enabled)
		if cmd.enabled && s.admitting() {
			s.admit(ctx)
		}

	case cmdForce:
		s.forced[cmd.issue] = true
		if s.admitting() {
			s.admit(ctx)
		}

	case cmdReset:
		s.pool.Reset()
		if s.onReset != nil {
			s.onReset()
		}
		s.setStatus(s.status, true)
		s.logger.Info("Session reset")
	}

	if cmd.done != nil {
		s.statusSnapshot = s.status
		close(cmd.done)
	}
}

func (s *Scheduler) handleCompletion(ctx context.Context, c worker.Completion) {
	if s.active[c.Stage] > 0 {
		s.active[c.Stage]--
	}

	switch {
	case c.Err != nil:
		s.routeFailure(c)
	default:
		s.routeResult(c)
	}

	if s.admitting() {
		s.admit(ctx)
	}
	s.settle()
}

// admitting reports whether the current status allows new work. done is a
// rest state of running: fresh work resumes admission without an operator
// start.
func (s *Scheduler) admitting() bool {
	return s.status == models.OrchestratorRunning || s.status == models.OrchestratorDone
}

func (s *Scheduler) routeFailure(c worker.Completion) {
	if errors.Is(c.Err, agent.ErrCreditsExhausted) {
		// Put the issue back so a restart picks it up, then pause until the
		// operator starts us again.
		s.store.SetStatus(c.Issue, models.IssueStatusQueued)
		s.setStatus(models.OrchestratorCreditsPaused, false)
		s.bus.Publish(models.EventSystemAlert, models.SystemAlertPayload{
			Alert:   "credits_exhausted",
			Details: "agent runtime reported exhausted credits; scheduling paused",
		})
		s.logger.Warn("Credits exhausted, pausing", "issue", c.Issue)
		return
	}

	s.logger.Warn("Worker failed", "issue", c.Issue, "stage", c.Stage, "error", c.Err)
	s.escalate(c.Issue, c.PR, "from "+string(c.Stage), false)
}

func (s *Scheduler) routeResult(c worker.Completion) {
	switch c.Result.Verdict {
	case "done":
		s.routeDone(c)
	case "escalated":
		cause := c.Result.Cause
		if cause == "" {
			cause = "from " + string(c.Stage)
		}
		s.escalate(c.Issue, c.PR, cause, c.Result.MemorySuggestion)
	default: // "failed" and anything unrecognized
		s.escalate(c.Issue, c.PR, "from "+string(c.Stage), false)
	}
}

func (s *Scheduler) routeDone(c worker.Completion) {
	if c.Stage == models.StageImplement {
		if c.Result.PR == 0 {
			// Done without a PR violates the agent contract.
			s.escalate(c.Issue, 0, "from implement", false)
			return
		}
		s.store.SetPR(c.Issue, c.Result.PR, c.Result.PRURL, c.Result.Branch)
	}

	if c.Stage == models.StageReview {
		// The merge watcher owns the review→merged transition.
		s.store.SetStatus(c.Issue, models.IssueStatusDone)
		return
	}

	next, ok := c.Stage.Next()
	if !ok {
		return
	}
	s.store.Move(c.Issue, c.Stage, next, models.IssueStatusQueued)
}

func (s *Scheduler) escalate(issue, pr int, cause string, memory bool) {
	if s.escalator != nil {
		s.escalator.Escalate(issue, pr, cause, memory)
	}
}

// admit is one batch: per enabled stage, drain queued issues FIFO while the
// stage has headroom.
func (s *Scheduler) admit(ctx context.Context) {
	// A tick with nothing admissible is not a batch; idle ticks stay off
	// the bus so the ring retains real history.
	if !s.canAdmit() {
		return
	}
	s.batch++
	s.bus.Publish(models.EventBatchStart, models.BatchPayload{Batch: s.batch})

	admitted := 0
	for _, stage := range models.WorkStages {
		limit := s.capFor(stage)
		for s.active[stage] < limit {
			issue, ok := s.nextAdmissible(stage)
			if !ok {
				break
			}
			delete(s.forced, issue.Number)

			var feedback string
			if s.feedback != nil {
				feedback = s.feedback.TakeFeedback(issue.Number)
			}
			if _, err := s.pool.Spawn(ctx, stage, issue, feedback); err != nil {
				if !errors.Is(err, worker.ErrPoolFull) {
					s.logger.Error("Spawn failed", "issue", issue.Number, "stage", stage, "error", err)
					s.escalate(issue.Number, issue.PR, "from "+string(stage), false)
					s.store.SetStatus(issue.Number, models.IssueStatusFailed)
				}
				break
			}
			s.store.SetStatus(issue.Number, models.IssueStatusActive)
			s.active[stage]++
			admitted++
		}
	}

	if admitted > 0 && s.status == models.OrchestratorDone {
		s.setStatus(models.OrchestratorRunning, false)
	}

	s.bus.Publish(models.EventQueueUpdate, models.QueueUpdatePayload{Depths: s.store.QueueDepths()})
	s.bus.Publish(models.EventBatchComplete, models.BatchPayload{
		Batch:    s.batch,
		Admitted: admitted,
		Active:   s.totalActive(),
		Queued:   s.totalQueued(),
	})
	s.updatePhase()
}

// settle moves the orchestrator to its rest state once nothing is running.
func (s *Scheduler) settle() {
	if s.totalActive() != 0 {
		return
	}
	switch s.status {
	case models.OrchestratorStopping:
		s.setStatus(models.OrchestratorStopped, false)
	case models.OrchestratorRunning:
		if s.totalQueued() == 0 {
			s.setStatus(models.OrchestratorDone, false)
		}
	}
}

// updatePhase publishes phase_change when the dominant active stage flips.
// Earlier stages win ties so the banner tracks the front of the pipeline.
func (s *Scheduler) updatePhase() {
	var dominant models.Stage
	best := 0
	for _, stage := range models.WorkStages {
		if s.active[stage] > best {
			best = s.active[stage]
			dominant = stage
		}
	}
	if best == 0 || dominant == s.phase {
		return
	}
	s.phase = dominant
	s.bus.Publish(models.EventPhaseChange, models.PhaseChangePayload{Phase: dominant})
}

func (s *Scheduler) setStatus(status models.OrchestratorStatus, reset bool) {
	s.status = status
	s.bus.Publish(models.EventOrchestratorStatus, models.OrchestratorStatusPayload{
		Status: status, Reset: reset,
	})
}

func (s *Scheduler) canAdmit() bool {
	for _, stage := range models.WorkStages {
		if s.active[stage] >= s.capFor(stage) {
			continue
		}
		if _, ok := s.nextAdmissible(stage); ok {
			return true
		}
	}
	return false
}

// nextAdmissible returns the oldest queued issue the stage may run: any
// issue when the stage is enabled, force-admitted ones otherwise.
func (s *Scheduler) nextAdmissible(stage models.Stage) (models.Issue, bool) {
	for _, issue := range s.store.Queued(stage) {
		if s.enabled[stage] || s.forced[issue.Number] {
			return issue, true
		}
	}
	return models.Issue{}, false
}

func (s *Scheduler) capFor(stage models.Stage) int {
	if c := s.cfg.Caps[stage]; c > 0 {
		return c
	}
	return 1
}

func (s *Scheduler) totalActive() int {
	n := 0
	for _, v := range s.active {
		n += v
	}
	return n
}

func (s *Scheduler) totalQueued() int {
	n := 0
	for _, v := range s.store.QueueDepths() {
		n += v
	}
	return n
}
