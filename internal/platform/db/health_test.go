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

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name    string
		pingErr error
		code    int
		status  string
	}{
		{"healthy", nil, http.StatusOK, "healthy"},
		{"ping fails", errors.New("connection refused"), http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ping := func(ctx context.Context) error {
				if _, ok := ctx.Deadline(); !ok {
					t.Error("expected ping context to carry a deadline")
				}
				return tt.pingErr
			}
			stats := func() *PoolStats {
				return &PoolStats{TotalConns: 2, MaxConns: 10, Healthy: true}
			}

			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)

			if err := healthHandler(ping, stats)(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rec.Code)
			}

			var body struct {
				Status string    `json:"status"`
				Pool   PoolStats `json:"pool"`
			}
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body.Status != tt.status {
				t.Errorf("expected status %s, got %s", tt.status, body.Status)
			}
			if body.Pool.Healthy != (tt.pingErr == nil) {
				t.Errorf("unexpected pool health %v", body.Pool.Healthy)
			}
		})
	}
}

func TestNewPool_InvalidURL(t *testing.T) {
	if _, err := NewPool(context.Background(), "postgres://%zz", 4, 1); err == nil {
		t.Fatal("expected error for unparsable database url")
	}
}
