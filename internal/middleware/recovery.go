package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	nodeerrors "github.com/jeju-network/node/internal/errors"
	"github.com/jeju-network/node/internal/httputil"
	"github.com/jeju-network/node/internal/logging"
)

// Recovery recovers from panics in the handler chain, logs the stack trace,
// and responds with a 500 instead of letting the connection die silently.
func Recovery(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if logger != nil {
						logger.WithContext(r.Context()).WithFields(map[string]interface{}{
							"panic":  fmt.Sprintf("%v", rec),
							"stack":  string(debug.Stack()),
							"path":   r.URL.Path,
							"method": r.Method,
						}).Error("panic recovered")
					}
					httputil.WriteError(w, r, logger, nodeerrors.Internal(fmt.Errorf("%v", rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
