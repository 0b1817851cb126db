package middleware

import (
	"net/http"
	"time"

	"github.com/jeju-network/node/internal/logging"
)

// responseWriter wraps http.ResponseWriter to capture the status code for
// logging after the handler has run.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestLog stamps each request with a trace id (reusing X-Trace-ID when
// the caller supplied one) and logs method/path/status/duration once the
// handler completes.
func RequestLog(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			r.Header.Set("X-Trace-ID", traceID)
			w.Header().Set("X-Trace-ID", traceID)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			if logger != nil {
				logger.LogRequest(ctx, r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
			}
		})
	}
}
