package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithQuery(q string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments?"+q, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"limit=5&offset=10", 5, 10},
		{"limit=500", MaxLimit, 0},
		{"limit=-1&offset=-3", DefaultLimit, 0},
		{"limit=abc", DefaultLimit, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p := FromContext(contextWithQuery(tt.query))
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got %+v, want limit=%d offset=%d", p, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	data := []string{"a", "b"}
	resp := NewResponse(data, 10, Params{Limit: 2, Offset: 0})
	if resp.Total != 10 || resp.Limit != 2 || resp.Offset != 0 {
		t.Errorf("unexpected response %+v", resp)
	}
	if !resp.HasMore {
		t.Error("expected HasMore on first page")
	}

	last := NewResponse(data, 10, Params{Limit: 2, Offset: 8})
	if last.HasMore {
		t.Error("expected no more results on last page")
	}
}

func TestParams_NextOffset(t *testing.T) {
	p := Params{Limit: 20, Offset: 40}
	if got := p.NextOffset(); got != 60 {
		t.Errorf("expected 60, got %d", got)
	}
}
