package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/riskpredict/internal/platform/auth"
)

func rateLimitedRequest(e *echo.Echo, mw echo.MiddlewareFunc, opts ...func(*http.Request)) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/predict", nil)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	return rec, mw(okHandler)(e.NewContext(req, rec))
}

func fromIP(ip string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set(echo.HeaderXRealIP, ip)
	}
}

func TestRateLimit_WithinBurst(t *testing.T) {
	e := echo.New()
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 5})

	for i := 0; i < 5; i++ {
		rec, err := rateLimitedRequest(e, mw, fromIP("10.0.0.1"))
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "1" {
			t.Errorf("unexpected X-RateLimit-Limit %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if _, err := rateLimitedRequest(e, mw, fromIP("10.0.0.2")); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}

	rec, err := rateLimitedRequest(e, mw, fromIP("10.0.0.2"))
	expectStatus(t, err, http.StatusTooManyRequests)

	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 {
		t.Errorf("expected Retry-After >= 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_PerClientIsolation(t *testing.T) {
	e := echo.New()
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if _, err := rateLimitedRequest(e, mw, fromIP("10.0.0.3")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := rateLimitedRequest(e, mw, fromIP("10.0.0.3"))
	expectStatus(t, err, http.StatusTooManyRequests)

	if _, err := rateLimitedRequest(e, mw, fromIP("10.0.0.4")); err != nil {
		t.Errorf("other client should not be limited: %v", err)
	}
}

func TestRateLimit_KeysOnAuthenticatedUser(t *testing.T) {
	e := echo.New()
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	// Same IP, different users.
	if _, err := rateLimitedRequest(e, mw, fromIP("10.0.0.5"), withAuth("dr-a", []string{"physician"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := rateLimitedRequest(e, mw, fromIP("10.0.0.5"), withAuth("dr-b", []string{"physician"})); err != nil {
		t.Errorf("second user should have its own bucket: %v", err)
	}
	_, err := rateLimitedRequest(e, mw, fromIP("10.0.0.6"), withAuth("dr-a", []string{"physician"}))
	expectStatus(t, err, http.StatusTooManyRequests)
}

func TestRateLimitKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderXRealIP, "192.0.2.1")
	if got := rateLimitKey(e.NewContext(req, httptest.NewRecorder())); got != "ip:192.0.2.1" {
		t.Errorf("unexpected key %q", got)
	}

	req = req.WithContext(auth.WithIdentity(req.Context(), "u-1", nil))
	if got := rateLimitKey(e.NewContext(req, httptest.NewRecorder())); got != "user:u-1" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 50 || cfg.BurstSize != 100 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d", code, he.Code)
	}
}

func TestRateLimiterStore_EvictsIdleKeys(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	store.now = func() time.Time { return now }
	store.lastSweep = now

	first := store.get("ip:10.0.0.1")
	store.get("ip:10.0.0.2")
	if store.size() != 2 {
		t.Fatalf("expected 2 limiters, got %d", store.size())
	}
	if store.get("ip:10.0.0.1") != first {
		t.Error("expected the same limiter for a repeat caller")
	}

	now = now.Add(5 * time.Minute)
	store.get("ip:10.0.0.1")

	now = now.Add(limiterIdleTTL)
	store.get("ip:10.0.0.3")
	if store.size() != 1 {
		t.Errorf("expected idle keys to be evicted, got %d limiters", store.size())
	}
}
