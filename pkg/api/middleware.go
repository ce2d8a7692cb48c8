package api

import (
	"log/slog"
	"time"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response
// headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requestLogger logs one line per request. The event stream endpoint is
// excluded; long-lived sockets would log once per connection lifetime and
// skew latencies.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if c.Request().URL.Path == "/ws" {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			logger.Info("Request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().(*echo.Response).Status,
				"duration_ms", time.Since(start).Milliseconds())
			return err
		}
	}
}
