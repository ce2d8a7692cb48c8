package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/forgeworks/hydra/pkg/metrics"
)

func (s *Server) metricsHandler(c *echo.Context) error {
	session := s.deps.Metrics.Session()
	lifetime := s.deps.Metrics.Lifetime()
	return c.JSON(http.StatusOK, map[string]any{
		"session":  session,
		"lifetime": lifetime,
		"rates":    metrics.RatesFor(session),
	})
}

func (s *Server) metricsHistoryHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"snapshots": s.deps.Metrics.History()})
}

// metricsGithubHandler reports live host-side counts rather than anything the
// collector tracks, so a stale pipeline is visible against the host's truth.
func (s *Server) metricsGithubHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	issues, err := s.deps.Host.ListOpenIssues(ctx, s.deps.Label)
	if err != nil {
		return mapError(c, err)
	}
	prs, err := s.deps.Host.ListOpenPullRequests(ctx)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{
		"open_issues": len(issues),
		"open_prs":    len(prs),
	})
}

func (s *Server) statsHandler(c *echo.Context) error {
	lifetime := s.deps.Metrics.Lifetime()
	return c.JSON(http.StatusOK, map[string]any{
		"lifetime": lifetime,
		"rates":    metrics.RatesFor(lifetime),
	})
}
