package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	mw := Recovery(zerolog.New(&buf))

	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/boom", nil), httptest.NewRecorder())
	c.Set("request_id", "req-9")
	err := mw(func(echo.Context) error { panic("slot table corrupted") })(c)

	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "panic recovered") || !strings.Contains(out, "slot table corrupted") || !strings.Contains(out, "req-9") {
		t.Errorf("unexpected log output %s", out)
	}

	c = echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())
	if err := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
