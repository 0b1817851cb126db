package ratelimiter

import (
	"context"
	"testing"
)

func testConfig() Config {
	return Config{
		DefaultTier: "standard",
		KeyPrefix:   "test:",
		Tiers: map[string]Tier{
			"standard": {Name: "standard", MaxRequests: 3, WindowMs: 60_000},
		},
	}
}

func TestCheckAllowsUpToLimit(t *testing.T) {
	l := New(testConfig(), NewLRUStore())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		res, err := l.Check(context.Background(), "client-1", "standard")
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed, got denied (current=%d)", i+1, res.Current)
		}
	}
}

func TestCheckDeniesOverLimit(t *testing.T) {
	l := New(testConfig(), NewLRUStore())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if _, err := l.Check(context.Background(), "client-2", "standard"); err != nil {
			t.Fatalf("Check: %v", err)
		}
	}
	res, err := l.Check(context.Background(), "client-2", "standard")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected the 4th request to be denied, got allowed")
	}
	if res.Remaining != 0 {
		t.Fatalf("Remaining = %d, want 0", res.Remaining)
	}
}

func TestCheckRejectsUnknownTier(t *testing.T) {
	l := New(testConfig(), NewLRUStore())
	defer l.Stop()

	if _, err := l.Check(context.Background(), "client-3", "enterprise"); err == nil {
		t.Fatalf("expected an error for an unknown tier")
	}
}

func TestResetClearsCounter(t *testing.T) {
	l := New(testConfig(), NewLRUStore())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if _, err := l.Check(context.Background(), "client-4", "standard"); err != nil {
			t.Fatalf("Check: %v", err)
		}
	}
	if err := l.Reset(context.Background(), "standard", "client-4"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	res, err := l.Check(context.Background(), "client-4", "standard")
	if err != nil {
		t.Fatalf("Check after reset: %v", err)
	}
	if !res.Allowed || res.Current != 1 {
		t.Fatalf("expected a fresh window after reset, got %+v", res)
	}
}

func TestSingletonLifecycle(t *testing.T) {
	ResetRateLimiter()
	if _, err := GetRateLimiter(); err == nil {
		t.Fatalf("expected GetRateLimiter to fail before InitRateLimiter")
	}

	InitRateLimiter(testConfig(), NewLRUStore())
	l, err := GetRateLimiter()
	if err != nil {
		t.Fatalf("GetRateLimiter: %v", err)
	}
	if _, err := l.Check(context.Background(), "client-5", "standard"); err != nil {
		t.Fatalf("Check: %v", err)
	}

	ResetRateLimiter()
	if _, err := GetRateLimiter(); err == nil {
		t.Fatalf("expected GetRateLimiter to fail after ResetRateLimiter")
	}
}

func TestSkipsPathAndIP(t *testing.T) {
	cfg := testConfig()
	cfg.SkipPaths = []string{"/health"}
	cfg.SkipIPs = map[string]struct{}{"127.0.0.1": {}}
	l := New(cfg, NewLRUStore())
	defer l.Stop()

	if !l.SkipsPath("/health/live") {
		t.Fatalf("expected /health/live to match the /health skip prefix")
	}
	if l.SkipsPath("/query") {
		t.Fatalf("did not expect /query to be skipped")
	}
	if !l.SkipsIP("127.0.0.1") {
		t.Fatalf("expected 127.0.0.1 to be skipped")
	}
}
