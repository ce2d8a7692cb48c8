package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/forgeworks/hydra/pkg/models"
)

func issueParam(c *echo.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("issue"))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) hitlListHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"items": s.deps.HITL.List()})
}

type retryRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) hitlRetryHandler(c *echo.Context) error {
	issue, ok := issueParam(c)
	if !ok {
		return badRequest(c, "issue number is required")
	}
	var req retryRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.deps.HITL.Retry(issue, req.Feedback); err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) hitlSkipHandler(c *echo.Context) error {
	issue, ok := issueParam(c)
	if !ok {
		return badRequest(c, "issue number is required")
	}
	if err := s.deps.HITL.Skip(issue); err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) hitlCloseHandler(c *echo.Context) error {
	issue, ok := issueParam(c)
	if !ok {
		return badRequest(c, "issue number is required")
	}
	if err := s.deps.HITL.Close(c.Request().Context(), issue); err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) hitlApproveHandler(c *echo.Context) error {
	issue, ok := issueParam(c)
	if !ok {
		return badRequest(c, "issue number is required")
	}
	if err := s.deps.HITL.ApproveAsMemory(c.Request().Context(), issue); err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) humanInputListHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"questions": s.deps.HITL.PendingQuestions()})
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) humanInputHandler(c *echo.Context) error {
	issue, ok := issueParam(c)
	if !ok {
		return badRequest(c, "issue number is required")
	}
	var req answerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Answer == "" {
		return badRequest(c, "answer is required")
	}
	if err := s.deps.HITL.Answer(issue, req.Answer); err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

type requestChangesRequest struct {
	IssueNumber int    `json:"issue_number"`
	Feedback    string `json:"feedback"`
	Stage       string `json:"stage"`
}

func (s *Server) requestChangesHandler(c *echo.Context) error {
	var req requestChangesRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.IssueNumber <= 0 {
		return badRequest(c, "issue_number is required")
	}
	stage := models.Stage(req.Stage)
	if !stage.IsWorkStage() {
		return badRequest(c, "stage must be one of triage, plan, implement, review")
	}
	if err := s.deps.HITL.RequestChanges(req.IssueNumber, req.Feedback, stage); err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}
