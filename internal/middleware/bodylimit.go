package middleware

import (
	"net/http"

	"github.com/jeju-network/node/internal/httputil"
	"github.com/jeju-network/node/internal/logging"

	nodeerrors "github.com/jeju-network/node/internal/errors"
)

const defaultMaxBodyBytes int64 = 1 << 20 // 1 MiB, spec §4.6's envelope ceiling

// BodyLimit caps request bodies via http.MaxBytesReader so handlers and
// decoders cannot read beyond maxBytes. maxBytes <= 0 applies the default.
func BodyLimit(maxBytes int64, logger *logging.Logger) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				httputil.WriteError(w, r, logger, nodeerrors.PayloadTooLarge("request body too large").
					WithDetails("limit_bytes", maxBytes))
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
