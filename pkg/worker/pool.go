// Package worker runs per-stage pools of agent sub-processes. The scheduler
// decides WHICH issue runs; the pool owns the process lifecycle, the
// transcript, and the translation of agent output into bus events.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/forgeworks/hydra/pkg/agent"
	"github.com/forgeworks/hydra/pkg/bus"
	"github.com/forgeworks/hydra/pkg/models"
)

const (
	// maxTranscriptLines bounds the per-worker rolling transcript.
	maxTranscriptLines = 2000

	// minCompletionBuffer is the floor for the completions channel. The
	// channel must hold one outcome per concurrently running worker so
	// finish never blocks after the scheduler stops draining.
	minCompletionBuffer = 64
)

// ErrPoolFull is returned by Spawn when the stage's cap is already reached.
var ErrPoolFull = errors.New("stage pool at capacity")

// ErrNoWorker is returned by Answer when no worker for the issue is running.
var ErrNoWorker = errors.New("no running worker")

// Completion is a terminal worker outcome, delivered to the scheduler.
// Exactly one of Result and Err is meaningful: Err == nil means the agent
// reported a verdict.
type Completion struct {
	Stage  models.Stage
	Issue  int
	PR     int
	Key    string
	Result agent.Result
	Err    error
}

// Config holds the pool's invariant settings.
type Config struct {
	Command string
	Args    []string
	Caps    map[models.Stage]int
	Timeout time.Duration // zero means agent.DefaultTimeout
}

// Pool manages agent workers for all four work stages. One weighted semaphore
// per stage enforces the cap independently of the scheduler's bookkeeping.
type Pool struct {
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger

	completions chan Completion

	mu        sync.Mutex
	sems      map[models.Stage]*semaphore.Weighted
	records   map[string]*models.WorkerRecord
	procs     map[string]*agent.Process
	cancels   map[string]context.CancelFunc
	questions map[int]string // pending agent questions keyed by issue
	wg        sync.WaitGroup
}

// NewPool builds a pool. Caps default to 1 for any stage left unset.
func NewPool(cfg Config, b *bus.Bus, logger *slog.Logger) *Pool {
	if cfg.Timeout == 0 {
		cfg.Timeout = agent.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	sems := make(map[models.Stage]*semaphore.Weighted, len(models.WorkStages))
	totalCap := 0
	for _, s := range models.WorkStages {
		cap := cfg.Caps[s]
		if cap <= 0 {
			cap = 1
		}
		totalCap += cap
		sems[s] = semaphore.NewWeighted(int64(cap))
	}
	buffer := totalCap
	if buffer < minCompletionBuffer {
		buffer = minCompletionBuffer
	}
	return &Pool{
		cfg:         cfg,
		bus:         b,
		logger:      logger.With("component", "worker_pool"),
		completions: make(chan Completion, buffer),
		sems:        sems,
		records:     make(map[string]*models.WorkerRecord),
		procs:       make(map[string]*agent.Process),
		cancels:     make(map[string]context.CancelFunc),
		questions:   make(map[int]string),
	}
}

// Completions is the channel terminal outcomes are delivered on.
func (p *Pool) Completions() <-chan Completion { return p.completions }

// Key returns the worker key for a stage/issue pair. Implementers use the
// bare issue number; reviewers are keyed by their pull request.
func Key(stage models.Stage, issue models.Issue) string {
	switch stage {
	case models.StageTriage:
		return fmt.Sprintf("triage-%d", issue.Number)
	case models.StagePlan:
		return fmt.Sprintf("plan-%d", issue.Number)
	case models.StageReview:
		return fmt.Sprintf("review-%d", issue.PR)
	default:
		return fmt.Sprintf("%d", issue.Number)
	}
}

// Spawn starts a worker for issue at stage. It returns ErrPoolFull when the
// stage is at capacity, otherwise the worker key. The worker runs until the
// agent exits; its outcome arrives on Completions.
func (p *Pool) Spawn(ctx context.Context, stage models.Stage, issue models.Issue, feedback string) (string, error) {
	sem, ok := p.sems[stage]
	if !ok {
		return "", fmt.Errorf("no pool for stage %q", stage)
	}
	if !sem.TryAcquire(1) {
		return "", ErrPoolFull
	}

	key := Key(stage, issue)
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)

	record := &models.WorkerRecord{
		Key:       key,
		Role:      models.RoleForStage(stage),
		Status:    models.WorkerQueued,
		Issue:     issue.Number,
		PR:        issue.PR,
		StartTime: time.Now().UTC(),
	}

	p.mu.Lock()
	p.records[key] = record
	p.cancels[key] = cancel
	p.mu.Unlock()

	p.publishUpdate(stage, record)

	p.wg.Add(1)
	go p.run(runCtx, cancel, sem, stage, issue, feedback, key)
	return key, nil
}

func (p *Pool) run(ctx context.Context, cancel context.CancelFunc, sem *semaphore.Weighted, stage models.Stage, issue models.Issue, feedback, key string) {
	defer p.wg.Done()
	defer sem.Release(1)
	defer cancel()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, key)
		p.mu.Unlock()
	}()

	input := agent.Input{
		Role:        models.RoleForStage(stage),
		IssueNumber: issue.Number,
		PR:          issue.PR,
		Branch:      issue.Branch,
		Feedback:    feedback,
	}
	handlers := agent.Handlers{
		OnStatus: func(status models.WorkerStatus) {
			p.setStatus(stage, key, status)
		},
		OnLine: func(line string) {
			p.appendTranscript(stage, key, issue, line)
		},
		OnQuestion: func(question string) {
			p.mu.Lock()
			p.questions[issue.Number] = question
			p.mu.Unlock()
			p.bus.Publish(models.EventHITLUpdate, models.HITLUpdatePayload{
				Issue: issue.Number, Action: "question", Status: models.HITLPending,
			})
		},
	}

	proc, err := agent.Start(ctx, p.cfg.Command, p.cfg.Args, input, handlers)
	if err != nil {
		p.logger.Error("Failed to start agent", "key", key, "error", err)
		p.finish(stage, key, issue, agent.Result{}, err)
		return
	}

	p.mu.Lock()
	p.procs[key] = proc
	p.mu.Unlock()
	p.setStatus(stage, key, models.WorkerRunning)

	result, waitErr := proc.Wait(ctx)

	p.mu.Lock()
	delete(p.procs, key)
	delete(p.questions, issue.Number)
	p.mu.Unlock()

	p.finish(stage, key, issue, result, waitErr)
}

// finish records the terminal status, emits the final stage update, and
// hands the outcome to the scheduler.
func (p *Pool) finish(stage models.Stage, key string, issue models.Issue, result agent.Result, err error) {
	status := terminalStatus(result, err)

	now := time.Now().UTC()
	p.mu.Lock()
	record, ok := p.records[key]
	if ok {
		record.Status = status
		record.EndTime = &now
		if result.PR != 0 {
			record.PR = result.PR
		}
		record = snapshotRecord(record)
	}
	p.mu.Unlock()

	// An implementer that opened a PR announces it before its own terminal
	// update, so clients see pr_created ahead of the stage's done.
	if err == nil && stage == models.StageImplement && result.PR != 0 {
		p.bus.Publish(models.EventPRCreated, models.PRCreatedPayload{
			PR: result.PR, Issue: issue.Number, URL: result.PRURL, Draft: result.Draft,
		})
	}

	if ok {
		p.publishUpdate(stage, record)
	}

	pr := issue.PR
	if result.PR != 0 {
		pr = result.PR
	}
	p.completions <- Completion{
		Stage: stage, Issue: issue.Number, PR: pr, Key: key, Result: result, Err: err,
	}
}

func terminalStatus(result agent.Result, err error) models.WorkerStatus {
	if err != nil {
		return models.WorkerFailed
	}
	switch result.Verdict {
	case "done":
		return models.WorkerDone
	case "escalated":
		return models.WorkerEscalated
	default:
		return models.WorkerFailed
	}
}

func (p *Pool) setStatus(stage models.Stage, key string, status models.WorkerStatus) {
	p.mu.Lock()
	record, ok := p.records[key]
	if ok {
		record.Status = status
		record = snapshotRecord(record)
	}
	p.mu.Unlock()
	if ok {
		p.publishUpdate(stage, record)
	}
}

func (p *Pool) appendTranscript(stage models.Stage, key string, issue models.Issue, line string) {
	p.mu.Lock()
	if record, ok := p.records[key]; ok {
		record.Transcript = append(record.Transcript, line)
		if len(record.Transcript) > maxTranscriptLines {
			record.Transcript = record.Transcript[len(record.Transcript)-maxTranscriptLines:]
		}
	}
	p.mu.Unlock()

	payload := models.TranscriptLinePayload{Source: string(models.RoleForStage(stage)), Line: line}
	if stage == models.StageReview {
		payload.PR = issue.PR
	} else {
		payload.Issue = issue.Number
	}
	p.bus.Publish(models.EventTranscriptLine, payload)
}

func (p *Pool) publishUpdate(stage models.Stage, record *models.WorkerRecord) {
	p.bus.Publish(models.UpdateEventForStage(stage), models.WorkerUpdatePayload{
		Issue:  record.Issue,
		PR:     record.PR,
		Status: record.Status,
		Worker: record.Key,
		Role:   record.Role,
	})
}

// Answer routes a human reply to the running worker for issue. It fails when
// no worker for the issue is currently running.
func (p *Pool) Answer(issue int, text string) error {
	p.mu.Lock()
	var proc *agent.Process
	for key, record := range p.records {
		if record.Issue == issue && record.EndTime == nil {
			proc = p.procs[key]
			break
		}
	}
	delete(p.questions, issue)
	p.mu.Unlock()

	if proc == nil {
		return fmt.Errorf("%w for issue %d", ErrNoWorker, issue)
	}
	return proc.Answer(text)
}

// PendingQuestions returns the open agent questions keyed by issue.
func (p *Pool) PendingQuestions() map[int]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]string, len(p.questions))
	for issue, q := range p.questions {
		out[issue] = q
	}
	return out
}

// Cancel stops the worker identified by key, if it is still running.
func (p *Pool) Cancel(key string) {
	p.mu.Lock()
	cancel := p.cancels[key]
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelAll stops every running worker and waits for them to exit.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, c := range p.cancels {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	p.wg.Wait()
}

// ActiveCount reports how many workers for stage have not yet finished.
func (p *Pool) ActiveCount(stage models.Stage) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, record := range p.records {
		if record.Role == models.RoleForStage(stage) && record.EndTime == nil {
			n++
		}
	}
	return n
}

// Records returns a snapshot of all worker records, running and finished.
func (p *Pool) Records() []models.WorkerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.WorkerRecord, 0, len(p.records))
	for _, record := range p.records {
		out = append(out, *snapshotRecord(record))
	}
	return out
}

// Record returns one worker record by key.
func (p *Pool) Record(key string) (models.WorkerRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.records[key]
	if !ok {
		return models.WorkerRecord{}, false
	}
	return *snapshotRecord(record), true
}

// Reset drops finished worker records. Running workers are untouched; a
// session reset that wants them gone calls CancelAll first.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, record := range p.records {
		if record.EndTime != nil {
			delete(p.records, key)
		}
	}
}

func snapshotRecord(r *models.WorkerRecord) *models.WorkerRecord {
	cp := *r
	cp.Transcript = append([]string(nil), r.Transcript...)
	return &cp
}
