package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/forgeworks/hydra/pkg/githost"
	"github.com/forgeworks/hydra/pkg/hitl"
	"github.com/forgeworks/hydra/pkg/intent"
	"github.com/forgeworks/hydra/pkg/worker"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error kinds exposed on the wire.
const (
	kindBadRequest    = "bad_request"
	kindNotFound      = "not_found"
	kindTransientHost = "transient_host"
	kindPermanentHost = "permanent_host"
	kindAuthFailed    = "auth_failed"
	kindInternal      = "internal"
)

// badRequest writes a 400 with the given message.
func badRequest(c *echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Kind: kindBadRequest, Message: message})
}

// mapError renders a component error as {kind, message} with the right
// status code.
func mapError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, intent.ErrEmpty), errors.Is(err, intent.ErrTooLarge):
		return c.JSON(http.StatusBadRequest, errorBody{Kind: kindBadRequest, Message: err.Error()})

	case githost.IsAuth(err):
		return c.JSON(http.StatusUnauthorized, errorBody{Kind: kindAuthFailed, Message: err.Error()})

	case githost.IsTransient(err):
		return c.JSON(http.StatusBadGateway, errorBody{Kind: kindTransientHost, Message: err.Error()})

	case githost.IsPermanent(err):
		return c.JSON(http.StatusBadGateway, errorBody{Kind: kindPermanentHost, Message: err.Error()})

	// Coordinator and pool lookups surface as 404.
	case errors.Is(err, hitl.ErrNoItem), errors.Is(err, hitl.ErrNoWorker),
		errors.Is(err, worker.ErrNoWorker):
		return c.JSON(http.StatusNotFound, errorBody{Kind: kindNotFound, Message: err.Error()})

	default:
		slog.Error("Unexpected API error", "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody{Kind: kindInternal, Message: "internal server error"})
	}
}
