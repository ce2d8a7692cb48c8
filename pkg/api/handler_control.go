package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/forgeworks/hydra/pkg/models"
)

func (s *Server) controlStartHandler(c *echo.Context) error {
	s.deps.Scheduler.Start()
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) controlStopHandler(c *echo.Context) error {
	s.deps.Scheduler.Stop()
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) controlStatusHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": s.deps.Scheduler.Status(),
		"config": s.deps.Control,
	})
}

type stageToggleRequest struct {
	Stage   string `json:"stage"`
	Enabled *bool  `json:"enabled"`
}

func (s *Server) controlStageHandler(c *echo.Context) error {
	var req stageToggleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	stage := models.Stage(req.Stage)
	if !stage.IsWorkStage() {
		return badRequest(c, "stage must be one of triage, plan, implement, review")
	}
	if req.Enabled == nil {
		return badRequest(c, "enabled is required")
	}
	s.deps.Scheduler.ToggleStage(stage, *req.Enabled)
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) controlResetHandler(c *echo.Context) error {
	s.deps.Scheduler.Reset()
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

type bgWorkerToggleRequest struct {
	Name    string `json:"name"`
	Enabled *bool  `json:"enabled"`
}

func (s *Server) bgWorkerToggleHandler(c *echo.Context) error {
	var req bgWorkerToggleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" || req.Enabled == nil {
		return badRequest(c, "name and enabled are required")
	}
	if err := s.deps.Runner.SetEnabled(req.Name, *req.Enabled); err != nil {
		return badRequest(c, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

type bgWorkerIntervalRequest struct {
	Name            string `json:"name"`
	IntervalSeconds int    `json:"interval_seconds"`
}

func (s *Server) bgWorkerIntervalHandler(c *echo.Context) error {
	var req bgWorkerIntervalRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}
	if req.IntervalSeconds < 1 {
		return badRequest(c, "interval_seconds must be at least 1")
	}
	interval := time.Duration(req.IntervalSeconds) * time.Second
	if err := s.deps.Runner.SetInterval(req.Name, interval); err != nil {
		return badRequest(c, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) systemWorkersHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"workers": s.deps.Runner.Statuses()})
}
