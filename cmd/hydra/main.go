// Hydra orchestrator server — drives labeled issues through the
// triage/plan/implement/review pipeline with agent workers, and serves the
// HTTP API and event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/forgeworks/hydra/pkg/app"
	"github.com/forgeworks/hydra/pkg/config"
	"github.com/forgeworks/hydra/pkg/githost"
	"github.com/forgeworks/hydra/pkg/models"
	"github.com/forgeworks/hydra/pkg/version"
)

const shutdownGrace = 10 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging() {
	level := slog.LevelInfo
	if getEnv("LOG_LEVEL", "") == "debug" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func main() {
	configPath := flag.String("config",
		getEnv("HYDRA_CONFIG", "hydra.yaml"),
		"Path to configuration file")
	flag.Parse()

	setupLogging()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(2)
	}

	slog.Info("Starting hydra",
		"version", version.Full(),
		"host_url", cfg.HostURL,
		"label", cfg.Label,
		"listen_addr", cfg.ListenAddr)

	ctx := context.Background()

	a, err := app.New(cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to assemble components", "error", err)
		os.Exit(1)
	}

	// Validate host credentials before anything spawns. A bad token fails
	// every later call, so fail loudly now. Exit code 3 is reserved for
	// rejected credentials; an unreachable host is an ordinary failure.
	validateCtx, validateCancel := context.WithTimeout(ctx, 30*time.Second)
	err = a.Host.Validate(validateCtx)
	validateCancel()
	if err != nil {
		slog.Error("Issue host validation failed", "error", err)
		if githost.IsAuth(err) {
			a.Bus.Publish(models.EventOrchestratorStatus, models.OrchestratorStatusPayload{
				Status: models.OrchestratorAuthFailed,
			})
			os.Exit(3)
		}
		os.Exit(1)
	}
	slog.Info("Issue host validated", "host_url", cfg.HostURL)

	if err := a.Start(ctx); err != nil {
		slog.Error("Failed to start components", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.Server.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Hydra started successfully",
		"listen_addr", cfg.ListenAddr,
		"instance_id", a.InstanceID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	a.Stop(shutdownCtx)

	slog.Info("Shutdown complete")
}
