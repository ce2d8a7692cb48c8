// Package background hosts the named maintenance loops: merge watching, CI
// watching, pipeline reconciliation, and metrics persistence. Loops are
// individually toggleable and re-timeable at runtime.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/forgeworks/hydra/pkg/bus"
	"github.com/forgeworks/hydra/pkg/models"
)

// heartbeatInterval is how often every loop's status is re-announced.
const heartbeatInterval = 30 * time.Second

// Task is one loop body. Errors are recorded and reported, never fatal.
type Task func(ctx context.Context) error

type loopState struct {
	name     string
	interval time.Duration
	enabled  bool
	task     Task

	lastRun    time.Time
	lastStatus string // ok, error, disabled
	details    string

	// wake forces an immediate re-read of interval/enabled.
	wake chan struct{}
}

// Runner owns the loop set. Register everything before Start.
type Runner struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu    sync.Mutex
	loops map[string]*loopState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates an empty runner.
func NewRunner(b *bus.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		bus:    b,
		logger: logger.With("component", "background"),
		loops:  make(map[string]*loopState),
	}
}

// Register adds a named loop. Must be called before Start.
func (r *Runner) Register(name string, interval time.Duration, task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loops[name] = &loopState{
		name:       name,
		interval:   interval,
		enabled:    true,
		task:       task,
		lastStatus: "ok",
		wake:       make(chan struct{}, 1),
	}
}

// Start launches every registered loop plus the heartbeat.
func (r *Runner) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.mu.Lock()
	for _, loop := range r.loops {
		r.wg.Add(1)
		go r.run(ctx, loop)
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go r.heartbeat(ctx)

	r.logger.Info("Background loops started", "count", len(r.loops))
}

// Stop signals every loop to exit and waits for them.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info("Background loops stopped")
}

// SetEnabled toggles a loop. A disabled loop keeps ticking but runs nothing.
func (r *Runner) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	loop, ok := r.loops[name]
	if ok {
		loop.enabled = enabled
		if !enabled {
			loop.lastStatus = "disabled"
		} else {
			loop.lastStatus = "ok"
		}
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown background worker %q", name)
	}
	r.publishStatus(name)
	select {
	case loop.wake <- struct{}{}:
	default:
	}
	return nil
}

// SetInterval changes a loop's cadence, effective immediately.
func (r *Runner) SetInterval(name string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	r.mu.Lock()
	loop, ok := r.loops[name]
	if ok {
		loop.interval = interval
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown background worker %q", name)
	}
	r.publishStatus(name)
	select {
	case loop.wake <- struct{}{}:
	default:
	}
	return nil
}

// Statuses returns every loop's status, sorted by name.
func (r *Runner) Statuses() []models.BackgroundWorkerStatusPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.BackgroundWorkerStatusPayload, 0, len(r.loops))
	for _, loop := range r.loops {
		out = append(out, r.statusLocked(loop))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow executes one loop immediately, outside its schedule.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	loop, ok := r.loops[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown background worker %q", name)
	}
	r.execute(ctx, loop)
	return nil
}

func (r *Runner) run(ctx context.Context, loop *loopState) {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		interval := loop.interval
		r.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-loop.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		r.mu.Lock()
		enabled := loop.enabled
		r.mu.Unlock()
		if enabled {
			r.execute(ctx, loop)
		}
	}
}

func (r *Runner) execute(ctx context.Context, loop *loopState) {
	err := loop.task(ctx)

	r.mu.Lock()
	loop.lastRun = time.Now().UTC()
	if err != nil {
		loop.lastStatus = "error"
		loop.details = err.Error()
	} else {
		loop.lastStatus = "ok"
		loop.details = ""
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("Background loop failed", "name", loop.name, "error", err)
		r.bus.Publish(models.EventError, models.ErrorPayload{
			Kind:    "background",
			Message: fmt.Sprintf("%s: %s", loop.name, err),
		})
	}
	r.publishStatus(loop.name)
}

func (r *Runner) heartbeat(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			names := make([]string, 0, len(r.loops))
			for name := range r.loops {
				names = append(names, name)
			}
			r.mu.Unlock()
			for _, name := range names {
				r.publishStatus(name)
			}
		}
	}
}

func (r *Runner) publishStatus(name string) {
	r.mu.Lock()
	loop, ok := r.loops[name]
	var payload models.BackgroundWorkerStatusPayload
	if ok {
		payload = r.statusLocked(loop)
	}
	r.mu.Unlock()
	if ok {
		r.bus.Publish(models.EventBackgroundWorkerStatus, payload)
	}
}

func (r *Runner) statusLocked(loop *loopState) models.BackgroundWorkerStatusPayload {
	payload := models.BackgroundWorkerStatusPayload{
		Name:            loop.name,
		Status:          loop.lastStatus,
		Enabled:         loop.enabled,
		IntervalSeconds: int(loop.interval / time.Second),
		Details:         loop.details,
	}
	if !loop.lastRun.IsZero() {
		payload.LastRun = loop.lastRun.Format(time.RFC3339)
	}
	return payload
}
