// Package ratelimiter implements tiered, fixed-window rate limiting
// (spec.md §4.7) with pluggable store variants (spec.md §9's redesign
// note: an explicit capability set instead of inheritance between
// in-memory and database-backed variants) and a process-wide singleton
// installed explicitly at the binary entry point, never as hidden global
// state reached for from deep in the call stack.
package ratelimiter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	nodeerrors "github.com/jeju-network/node/internal/errors"
)

// Entry is one fixed-window counter (spec.md §3's Rate-Limit Entry).
type Entry struct {
	Count   int
	ResetAt int64 // wall-clock ms
}

// Tier names a rate-limit policy.
type Tier struct {
	Name        string
	MaxRequests int
	WindowMs    int64
	// BurstLimit, if > 0, additionally gates requests through a per-key
	// token-bucket smoothing layer (golang.org/x/time/rate) ahead of the
	// fixed-window check — spec.md §2's "tiered token-bucket-over-fixed-
	// window" framing.
	BurstLimit int
}

// Store is the capability set a Limiter depends on (spec.md §9):
// MaybeIncrement performs the whole fixed-window algorithm (spec.md §4.7
// steps 1-4) atomically so concurrent callers across processes never
// undercount.
type Store interface {
	MaybeIncrement(ctx context.Context, key string, windowMs int64, now int64) (Entry, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// Config configures a Limiter.
type Config struct {
	DefaultTier string
	Tiers       map[string]Tier
	KeyPrefix   string
	SkipIPs     map[string]struct{}
	SkipPaths   []string // prefix matches
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed        bool
	Current        int
	Limit          int
	Remaining      int
	ResetInSeconds int
}

// Limiter decides whether an operation at a key against a tier is
// allowed.
type Limiter struct {
	cfg   Config
	store Store

	burstMu sync.Mutex
	burst   map[string]*rate.Limiter
}

// New constructs a Limiter over store. Most callers should go through
// InitRateLimiter instead, so there is exactly one limiter per process.
func New(cfg Config, store Store) *Limiter {
	return &Limiter{cfg: cfg, store: store, burst: make(map[string]*rate.Limiter)}
}

// SkipsPath reports whether path matches one of the configured skip
// prefixes.
func (l *Limiter) SkipsPath(path string) bool {
	for _, prefix := range l.cfg.SkipPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// SkipsIP reports whether ip is in the configured skip set.
func (l *Limiter) SkipsIP(ip string) bool {
	_, ok := l.cfg.SkipIPs[ip]
	return ok
}

// Check runs the tiered fixed-window algorithm for key against tierName
// (or the configured default tier if tierName is empty).
func (l *Limiter) Check(ctx context.Context, key, tierName string) (Result, error) {
	if tierName == "" {
		tierName = l.cfg.DefaultTier
	}
	tier, ok := l.cfg.Tiers[tierName]
	if !ok {
		return Result{}, nodeerrors.Validation("unknown rate limit tier").WithDetails("tier", tierName)
	}

	if tier.BurstLimit > 0 && !l.allowBurst(tierName, key, tier) {
		return Result{Allowed: false, Limit: tier.MaxRequests}, nil
	}

	prefixedKey := l.cfg.KeyPrefix + tierName + "\x1f" + key
	now := time.Now().UnixMilli()
	entry, err := l.store.MaybeIncrement(ctx, prefixedKey, tier.WindowMs, now)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimiter: check %s: %w", key, err)
	}

	remaining := tier.MaxRequests - entry.Count
	if remaining < 0 {
		remaining = 0
	}
	resetInSeconds := int((entry.ResetAt - now) / 1000)
	if resetInSeconds < 0 {
		resetInSeconds = 0
	}
	return Result{
		Allowed:        entry.Count <= tier.MaxRequests,
		Current:        entry.Count,
		Limit:          tier.MaxRequests,
		Remaining:      remaining,
		ResetInSeconds: resetInSeconds,
	}, nil
}

func (l *Limiter) allowBurst(tierName, key string, tier Tier) bool {
	burstKey := tierName + "\x1f" + key
	l.burstMu.Lock()
	limiter, ok := l.burst[burstKey]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Duration(tier.WindowMs)*time.Millisecond/time.Duration(tier.MaxRequests)), tier.BurstLimit)
		l.burst[burstKey] = limiter
	}
	l.burstMu.Unlock()
	return limiter.Allow()
}

// Reset clears key's counter under tierName only; counters the same key
// holds under other tiers are left as they are. tierName is used as given
// (an empty name is not mapped to the default tier). This is the
// convenience path used by tests and the "rateLimiter.check then reset
// then check" property.
func (l *Limiter) Reset(ctx context.Context, tierName, key string) error {
	prefixedKey := l.cfg.KeyPrefix + tierName + "\x1f" + key
	return l.store.Reset(ctx, prefixedKey)
}

// Stop releases the underlying store's resources (background sweepers,
// cron schedules, DB handles).
func (l *Limiter) Stop() error {
	return l.store.Close()
}

var (
	singletonMu sync.Mutex
	singleton   *Limiter
)

// InitRateLimiter installs limiter as the process-wide singleton, first
// stopping any previously installed one (spec.md §4.7's lifecycle
// contract). This is the only place global state is allowed to live; every
// other caller should receive a *Limiter through its constructor.
func InitRateLimiter(cfg Config, store Store) *Limiter {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		singleton.Stop()
	}
	singleton = New(cfg, store)
	return singleton
}

// GetRateLimiter returns the installed singleton, failing with
// NotInitialized if InitRateLimiter was never called.
func GetRateLimiter() (*Limiter, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton == nil {
		return nil, nodeerrors.NotInitialized("rate limiter not initialized")
	}
	return singleton, nil
}

// ResetRateLimiter stops and clears the installed singleton, if any.
func ResetRateLimiter() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		singleton.Stop()
		singleton = nil
	}
}
