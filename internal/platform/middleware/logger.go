package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careflow/careflow/internal/platform/apierror"
)

func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			status := responseStatus(c, err)
			evt := logger.Info()
			if err != nil || status >= 500 {
				evt = logger.Error().Err(err)
			}

			actorID, _ := c.Get("actor_id").(string)
			actorRole, _ := c.Get("actor_role").(string)

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Str("actor_id", actorID).
				Str("actor_role", actorRole).
				Msg("request")

			return err
		}
	}
}

// responseStatus is the status the client will see. Errors returned up the
// chain are only written by echo's error handler, after middleware has run.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	if c.Response().Committed {
		return c.Response().Status
	}
	return apierror.StatusOf(err)
}
