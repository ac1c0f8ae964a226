package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func checkHealth(t *testing.T, p Pinger, stats func() *PoolStats) (int, healthReport) {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)
	if err := HealthHandler(p, stats)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report healthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return rec.Code, report
}

func TestHealthHandler(t *testing.T) {
	code, report := checkHealth(t, fakePinger{}, func() *PoolStats { return &PoolStats{TotalConns: 3, MaxConns: 20} })
	if code != http.StatusOK || report.Status != "ok" || report.Database.Status != "up" {
		t.Errorf("expected healthy report, got %d %+v", code, report)
	}
	if report.Database.Pool == nil || report.Database.Pool.MaxConns != 20 {
		t.Errorf("expected pool stats, got %+v", report.Database.Pool)
	}

	code, report = checkHealth(t, fakePinger{err: errors.New("connection refused")}, nil)
	if code != http.StatusServiceUnavailable || report.Status != "unavailable" {
		t.Errorf("expected 503 unavailable, got %d %q", code, report.Status)
	}
	if report.Database.Status != "down" || report.Database.Error != "connection refused" {
		t.Errorf("unexpected database check %+v", report.Database)
	}
	if report.Database.Pool != nil {
		t.Error("expected no pool stats without a stats func")
	}
}
