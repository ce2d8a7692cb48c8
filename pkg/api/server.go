// Package api is the HTTP and WebSocket transport. It exposes the pipeline
// as REST resources plus one push-only event stream; every mutation is
// forwarded to the owning component and acknowledged on acceptance.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/forgeworks/hydra/pkg/bus"
	"github.com/forgeworks/hydra/pkg/metrics"
	"github.com/forgeworks/hydra/pkg/models"
	"github.com/forgeworks/hydra/pkg/pipeline"
	"github.com/forgeworks/hydra/pkg/version"
)

// Scheduler is the control surface of the stage scheduler.
type Scheduler interface {
	Start()
	Stop()
	Status() models.OrchestratorStatus
	ToggleStage(stage models.Stage, enabled bool)
	Reset()
}

// HITL is the coordinator surface the transport drives.
type HITL interface {
	List() []models.HITLItem
	Retry(issue int, feedback string) error
	Skip(issue int) error
	Close(ctx context.Context, issue int) error
	ApproveAsMemory(ctx context.Context, issue int) error
	Answer(issue int, text string) error
	PendingQuestions() map[int]string
	RequestChanges(issue int, feedback string, stage models.Stage) error
}

// Ingestor accepts free-text intents.
type Ingestor interface {
	Submit(ctx context.Context, text string) (int, error)
}

// Background is the runner's control surface.
type Background interface {
	SetEnabled(name string, enabled bool) error
	SetInterval(name string, interval time.Duration) error
	Statuses() []models.BackgroundWorkerStatusPayload
}

// Metrics is the collector's read surface.
type Metrics interface {
	Session() metrics.Counters
	Lifetime() metrics.Counters
	History() []metrics.Snapshot
}

// Workers exposes agent worker records.
type Workers interface {
	Records() []models.WorkerRecord
}

// Host is the slice of the issue host the transport reads from.
type Host interface {
	ListOpenPullRequests(ctx context.Context) ([]models.PullRequest, error)
	ListOpenIssues(ctx context.Context, label string) ([]models.Issue, error)
}

// ControlConfig is the operator-visible slice of the configuration,
// reported by /api/control/status. Credentials never appear here.
type ControlConfig struct {
	Label               string               `json:"label"`
	Caps                map[models.Stage]int `json:"caps"`
	SnapshotIntervalSec int                  `json:"snapshot_interval_sec"`
}

// Deps bundles everything the server serves.
type Deps struct {
	Bus        *bus.Bus
	Store      *pipeline.Store
	Scheduler  Scheduler
	HITL       HITL
	Ingestor   Ingestor
	Runner     Background
	Metrics    Metrics
	Workers    Workers
	Host       Host
	Label      string
	InstanceID string
	Control    ControlConfig
}

// Server is the transport. Build with NewServer, then Start.
type Server struct {
	deps   Deps
	echo   *echo.Echo
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds the server and registers every route.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		echo:   echo.New(),
		logger: logger.With("component", "api"),
	}
	s.echo.Use(securityHeaders())
	s.echo.Use(requestLogger(s.logger))
	s.registerRoutes()
	return s
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/healthz", s.healthzHandler)
	e.GET("/ws", s.wsHandler)

	api := e.Group("/api")
	api.GET("/events", s.eventsHandler)
	api.POST("/intent", s.intentHandler)
	api.GET("/pipeline", s.pipelineHandler)
	api.GET("/prs", s.prsHandler)
	api.GET("/queue", s.queueHandler)
	api.GET("/workers", s.workersHandler)

	api.GET("/hitl", s.hitlListHandler)
	api.POST("/hitl/:issue/retry", s.hitlRetryHandler)
	api.POST("/hitl/:issue/skip", s.hitlSkipHandler)
	api.POST("/hitl/:issue/close", s.hitlCloseHandler)
	api.POST("/hitl/:issue/approve", s.hitlApproveHandler)
	api.GET("/human-input", s.humanInputListHandler)
	api.POST("/human-input/:issue", s.humanInputHandler)
	api.POST("/request-changes", s.requestChangesHandler)

	api.POST("/control/start", s.controlStartHandler)
	api.POST("/control/stop", s.controlStopHandler)
	api.GET("/control/status", s.controlStatusHandler)
	api.POST("/control/stage", s.controlStageHandler)
	api.POST("/control/reset", s.controlResetHandler)
	api.POST("/control/bg-worker", s.bgWorkerToggleHandler)
	api.POST("/control/bg-worker/interval", s.bgWorkerIntervalHandler)
	api.GET("/system/workers", s.systemWorkersHandler)

	api.GET("/metrics", s.metricsHandler)
	api.GET("/metrics/history", s.metricsHistoryHandler)
	api.GET("/metrics/github", s.metricsGithubHandler)
	api.GET("/stats", s.statsHandler)
}

func (s *Server) healthzHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":      "ok",
		"version":     version.Full(),
		"instance_id": s.deps.InstanceID,
	})
}
