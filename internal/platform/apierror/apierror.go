// Package apierror renders errors as the JSON error envelope
//
//	{"error": {"kind": "...", "message": "...", "details": {...}}}
//
// and picks the HTTP status from the error kind.
package apierror

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Kinded is implemented by domain errors that carry a machine-readable kind.
type Kinded interface {
	error
	ErrorKind() string
}

// Detailed is implemented by errors that carry structured details.
type Detailed interface {
	ErrorDetails() map[string]any
}

const (
	KindNotFound          = "not_found"
	KindInvalidTransition = "invalid_transition"
	KindValidation        = "validation"
	KindConflict          = "conflict"
	KindAuthorization     = "authorization"
	KindInternal          = "internal"
)

var kindStatus = map[string]int{
	KindNotFound:          http.StatusNotFound,
	KindInvalidTransition: http.StatusConflict,
	KindConflict:          http.StatusConflict,
	KindValidation:        http.StatusUnprocessableEntity,
	KindAuthorization:     http.StatusForbidden,
}

var statusKind = map[int]string{
	http.StatusBadRequest:            "bad_request",
	http.StatusUnauthorized:          "unauthenticated",
	http.StatusForbidden:             KindAuthorization,
	http.StatusNotFound:              KindNotFound,
	http.StatusMethodNotAllowed:      "method_not_allowed",
	http.StatusRequestEntityTooLarge: "too_large",
	http.StatusUnsupportedMediaType:  "unsupported_media_type",
	http.StatusTooManyRequests:       "rate_limited",
	http.StatusGatewayTimeout:        "timeout",
}

type Body struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type Envelope struct {
	Error Body `json:"error"`
}

// StatusOf returns the HTTP status err will be rendered with.
func StatusOf(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	var k Kinded
	if errors.As(err, &k) {
		if status, ok := kindStatus[k.ErrorKind()]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// Render converts err into a status and envelope. Unknown errors become a
// generic internal error so infrastructure details never leak to clients.
func Render(err error) (int, Envelope) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		kind, ok := statusKind[he.Code]
		if !ok {
			kind = KindInternal
			if he.Code < 500 {
				kind = "error"
			}
		}
		return he.Code, Envelope{Error: Body{Kind: kind, Message: msg}}
	}

	var k Kinded
	if errors.As(err, &k) {
		if status, ok := kindStatus[k.ErrorKind()]; ok {
			body := Body{Kind: k.ErrorKind(), Message: k.Error()}
			var d Detailed
			if errors.As(err, &d) {
				body.Details = d.ErrorDetails()
			}
			return status, Envelope{Error: body}
		}
	}

	return http.StatusInternalServerError, Envelope{Error: Body{
		Kind:    KindInternal,
		Message: "internal server error",
	}}
}

// HTTPErrorHandler replaces echo's default error handler. 5xx errors are
// logged with the request id.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, env := Render(err)
		if status >= 500 {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, env)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
