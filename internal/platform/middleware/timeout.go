package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context. Handlers and the
// database calls under them observe it; when a handler gives up because the
// deadline passed, the client gets a 504 timeout envelope. A zero timeout
// disables the middleware.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err == nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) || c.Response().Committed {
				return err
			}
			return c.JSON(http.StatusGatewayTimeout, map[string]any{
				"error": map[string]string{
					"kind":    "timeout",
					"message": "request processing exceeded " + timeout.String(),
				},
			})
		}
	}
}
