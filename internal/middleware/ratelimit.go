package middleware

import (
	"net/http"
	"strconv"

	nodeerrors "github.com/jeju-network/node/internal/errors"
	"github.com/jeju-network/node/internal/httputil"
	"github.com/jeju-network/node/internal/logging"
	"github.com/jeju-network/node/internal/ratelimiter"
)

// KeyFunc derives the rate-limit key for a request — normally the caller's
// IP, but a tenant-aware adapter can key on an authenticated address
// instead.
type KeyFunc func(r *http.Request) string

// TierFunc derives which tier a request is checked against, letting
// different routes (query vs. relay send vs. WebSocket upgrade) spend
// against different budgets.
type TierFunc func(r *http.Request) string

// RateLimit checks every request against limiter, writing
// X-RateLimit-Limit/Remaining/Reset on every response and a 429 with
// Retry-After on refusal. Grounded on infrastructure/middleware/ratelimit.go's
// header-writing shape, retargeted at internal/ratelimiter's tiered store.
func RateLimit(limiter *ratelimiter.Limiter, keyFn KeyFunc, tierFn TierFunc, logger *logging.Logger) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = httputil.ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.SkipsPath(r.URL.Path) || limiter.SkipsIP(httputil.ClientIP(r)) {
				next.ServeHTTP(w, r)
				return
			}

			tier := ""
			if tierFn != nil {
				tier = tierFn(r)
			}

			result, err := limiter.Check(r.Context(), keyFn(r), tier)
			if err != nil {
				httputil.WriteError(w, r, logger, err)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(result.ResetInSeconds))

			if !result.Allowed {
				httputil.WriteError(w, r, logger, nodeerrors.RateLimitExceeded(result.ResetInSeconds))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
