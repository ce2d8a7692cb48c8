package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// eventsHandler serves the backfill window: every retained event at or after
// the given RFC3339 timestamp. Without `since` the whole ring is returned.
func (s *Server) eventsHandler(c *echo.Context) error {
	var since time.Time
	if raw := c.QueryParam("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badRequest(c, "invalid since: must be RFC3339")
		}
		since = t
	}
	return c.JSON(http.StatusOK, map[string]any{
		"events": s.deps.Bus.SnapshotSinceTime(since),
	})
}

type intentRequest struct {
	Text string `json:"text"`
}

// intentHandler accepts a free-text intent and returns the issue opened for
// it.
func (s *Server) intentHandler(c *echo.Context) error {
	var req intentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	number, err := s.deps.Ingestor.Submit(c.Request().Context(), req.Text)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]int{"issue_number": number})
}

// pipelineHandler returns every stage bucket.
func (s *Server) pipelineHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"stages": s.deps.Store.Snapshot()})
}

// prsHandler lists open pull requests straight from the host.
func (s *Server) prsHandler(c *echo.Context) error {
	prs, err := s.deps.Host.ListOpenPullRequests(c.Request().Context())
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"prs": prs})
}

// queueHandler returns per-stage queue depths.
func (s *Server) queueHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"depths": s.deps.Store.QueueDepths()})
}

// workersHandler returns agent worker records, running and finished.
func (s *Server) workersHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"workers": s.deps.Workers.Records()})
}
