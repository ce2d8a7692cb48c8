// Package app assembles the orchestrator: every component constructed,
// wired, and lifecycle-managed in one place so cmd/hydra stays thin.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/hydra/pkg/api"
	"github.com/forgeworks/hydra/pkg/background"
	"github.com/forgeworks/hydra/pkg/bus"
	"github.com/forgeworks/hydra/pkg/config"
	"github.com/forgeworks/hydra/pkg/githost"
	"github.com/forgeworks/hydra/pkg/hitl"
	"github.com/forgeworks/hydra/pkg/intent"
	"github.com/forgeworks/hydra/pkg/metrics"
	"github.com/forgeworks/hydra/pkg/pipeline"
	"github.com/forgeworks/hydra/pkg/scheduler"
	"github.com/forgeworks/hydra/pkg/worker"
)

// forwardAdmitter breaks the construction cycle between the HITL
// coordinator and the scheduler: the coordinator needs an admitter before
// the scheduler exists, so it gets one whose target is bound afterwards.
type forwardAdmitter struct {
	sched *scheduler.Scheduler
}

func (a *forwardAdmitter) ForceAdmit(issue int) {
	if a.sched != nil {
		a.sched.ForceAdmit(issue)
	}
}

// App holds every running component.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// InstanceID distinguishes this process in logs and the health
	// endpoint when several orchestrators share a log sink.
	InstanceID string

	Bus       *bus.Bus
	Store     *pipeline.Store
	Host      *githost.Client
	Pool      *worker.Pool
	Scheduler *scheduler.Scheduler
	HITL      *hitl.Coordinator
	Collector *metrics.Collector
	Runner    *background.Runner
	Ingestor  *intent.Ingestor
	Server    *api.Server

	repo   metrics.Repository
	sqlite *metrics.SQLiteRepository
	cancel context.CancelFunc
}

// New builds the full component graph from configuration. Nothing is
// started; call Start.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := bus.New()
	store := pipeline.NewStore(b)
	host := githost.NewClient(cfg.HostURL, cfg.HostToken)

	pool := worker.NewPool(worker.Config{
		Command: cfg.AgentCommand,
		Args:    cfg.AgentArgs,
		Caps:    cfg.Caps(),
	}, b, logger)

	var repo metrics.Repository
	var sqliteRepo *metrics.SQLiteRepository
	if cfg.MetricsDBPath != "" {
		r, err := metrics.OpenSQLite(cfg.MetricsDBPath)
		if err != nil {
			return nil, fmt.Errorf("open metrics db: %w", err)
		}
		repo, sqliteRepo = r, r
	} else {
		repo = metrics.NewMemoryRepository()
	}
	collector := metrics.NewCollector(b, repo, logger)

	admitter := &forwardAdmitter{}
	coordinator := hitl.New(store, b, host, pool, admitter, logger)
	sched := scheduler.New(scheduler.Config{Caps: cfg.Caps()},
		store, pool, b, coordinator, coordinator, collector.ResetSession, logger)
	admitter.sched = sched

	runner := background.NewRunner(b, logger)
	runner.Register(background.LoopPRMergeWatcher, background.DefaultMergeInterval,
		background.PRMergeWatcher(store, host, b))
	runner.Register(background.LoopCIStatusWatcher, background.DefaultCIInterval,
		background.CIStatusWatcher(store, host, coordinator))
	runner.Register(background.LoopPipelineReconciler, background.DefaultReconcileInterval,
		background.PipelineReconciler(store, host, cfg.Label))
	runner.Register(background.LoopLifetimeStats, background.DefaultStatsInterval,
		background.LifetimeStats(collector, repo))
	runner.Register(background.LoopMetricsSnapshot,
		time.Duration(cfg.SnapshotIntervalSec)*time.Second,
		background.MetricsSnapshot(collector))

	ingestor := intent.New(store, b, host, cfg.Label, logger)

	instanceID := uuid.NewString()
	server := api.NewServer(api.Deps{
		InstanceID: instanceID,
		Bus:        b,
		Store:      store,
		Scheduler:  sched,
		HITL:       coordinator,
		Ingestor:   ingestor,
		Runner:     runner,
		Metrics:    collector,
		Workers:    pool,
		Host:       host,
		Label:      cfg.Label,
		Control: api.ControlConfig{
			Label:               cfg.Label,
			Caps:                cfg.Caps(),
			SnapshotIntervalSec: cfg.SnapshotIntervalSec,
		},
	}, logger)

	return &App{
		cfg:        cfg,
		logger:     logger.With("component", "app", "instance_id", instanceID),
		InstanceID: instanceID,
		Bus:        b,
		Store:      store,
		Host:       host,
		Pool:       pool,
		Scheduler:  sched,
		HITL:       coordinator,
		Collector:  collector,
		Runner:     runner,
		Ingestor:   ingestor,
		Server:     server,
		repo:       repo,
		sqlite:     sqliteRepo,
	}, nil
}

// Start brings up every background component. The HTTP server is not
// started here; the caller owns its listen loop.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.Collector.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start metrics collector: %w", err)
	}
	a.Scheduler.Run(runCtx)
	a.Runner.Start(runCtx)

	// Prime the pipeline immediately rather than waiting a full reconcile
	// interval for the first adoption pass.
	if err := a.Runner.RunNow(runCtx, background.LoopPipelineReconciler); err != nil {
		a.logger.Warn("Initial pipeline reconcile failed", "error", err)
	}

	a.logger.Info("Components started")
	return nil
}

// Stop shuts everything down in dependency order: no new admissions, then
// loops, then the collector flush, then storage.
func (a *App) Stop(ctx context.Context) {
	a.Scheduler.Shutdown()
	a.Runner.Stop()
	if err := a.Collector.Stop(ctx); err != nil {
		a.logger.Error("Metrics collector stop failed", "error", err)
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Error("Metrics db close failed", "error", err)
		}
	}
	a.logger.Info("Components stopped")
}
