package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/parley-dev/parley/pkg/engine"
)

// securityHeaders returns middleware that sets standard security response headers.
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

// recoverMiddleware converts handler panics into the error envelope. A panic
// is a handler-local bug, not a corrupted invariant; the process keeps
// serving.
func (s *Server) recoverMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Handler panic",
						"path", c.Request().URL.Path,
						"panic", fmt.Sprintf("%v", r))
					err = c.JSON(http.StatusInternalServerError, errorBody{
						Error:  string(engine.KindIntegrityFailure),
						Detail: "internal error",
					})
				}
			}()
			return next(c)
		}
	}
}

// metricsMiddleware records request latency by route, method, and status.
// The raw ResponseWriter carries no status, so the writer is wrapped with a
// status-capturing echo.Response before the chain runs.
func (s *Server) metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			res, ok := c.Response().(*echo.Response)
			if !ok {
				res = echo.NewResponse(c.Response(), slog.Default())
				c.SetResponse(res)
			}

			start := time.Now()
			err := next(c)

			status := res.Status
			if status == 0 {
				// Nothing written yet: an error escaping to the global
				// handler, or a bodyless success.
				status = http.StatusOK
				if err != nil {
					status = http.StatusInternalServerError
					var sc echo.HTTPStatusCoder
					if errors.As(err, &sc) {
						status = sc.StatusCode()
					}
				}
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			s.metrics.RequestDuration.WithLabelValues(
				route,
				c.Request().Method,
				strconv.Itoa(status),
			).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
