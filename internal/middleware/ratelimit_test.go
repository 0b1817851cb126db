package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jeju-network/node/internal/ratelimiter"
)

func testLimiter() *ratelimiter.Limiter {
	return ratelimiter.New(ratelimiter.Config{
		DefaultTier: "standard",
		KeyPrefix:   "mw-test:",
		Tiers: map[string]ratelimiter.Tier{
			"standard": {Name: "standard", MaxRequests: 1, WindowMs: 60_000},
		},
	}, ratelimiter.NewLRUStore())
}

func TestRateLimitAllowsFirstRequest(t *testing.T) {
	limiter := testLimiter()
	defer limiter.Stop()

	called := false
	handler := RateLimit(limiter, nil, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected the first request through to reach the handler")
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("X-RateLimit-Limit = %q, want 1", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimitRejectsSecondRequest(t *testing.T) {
	limiter := testLimiter()
	defer limiter.Stop()

	handler := RateLimit(limiter, nil, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/query", nil)
		req.RemoteAddr = "10.0.0.2:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if i == 1 {
			if rec.Code != http.StatusTooManyRequests {
				t.Fatalf("status = %d, want 429", rec.Code)
			}
			if rec.Header().Get("Retry-After") == "" {
				t.Fatalf("expected Retry-After to be set on refusal")
			}
		}
	}
}

func TestRateLimitSkipsConfiguredPaths(t *testing.T) {
	limiter := testLimiter()
	limiter.Stop()
	limiter = ratelimiter.New(ratelimiter.Config{
		DefaultTier: "standard",
		KeyPrefix:   "mw-test:",
		Tiers: map[string]ratelimiter.Tier{
			"standard": {Name: "standard", MaxRequests: 1, WindowMs: 60_000},
		},
		SkipPaths: []string{"/health"},
	}, ratelimiter.NewLRUStore())
	defer limiter.Stop()

	handler := RateLimit(limiter, nil, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.3:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d to a skipped path: status = %d, want 200", i, rec.Code)
		}
	}
}
