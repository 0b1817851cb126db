// Package httputil provides the small set of JSON request/response helpers
// every handler in internal/httpapi builds on, adapted from the teacher's
// internal/httputil and infrastructure/httputil packages.
package httputil

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	nodeerrors "github.com/jeju-network/node/internal/errors"
	"github.com/jeju-network/node/internal/logging"
)

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Kind    string                 `json:"kind"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// WriteError maps err to its NodeError kind/status (defaulting to 500 for
// plain errors), sets Retry-After when present, and writes the JSON error
// envelope.
func WriteError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	status := nodeerrors.StatusFor(err)
	if logger != nil {
		entry := logger.WithContext(r.Context())
		if status >= 500 {
			entry.WithError(err).Error("request failed")
		} else {
			entry.WithError(err).Warn("request rejected")
		}
	}

	var body errorBody
	if ne, ok := nodeerrors.As(err); ok {
		body.Error.Kind = string(ne.Kind)
		body.Error.Message = ne.Message
		body.Error.Details = ne.Details
		if raw, ok := ne.Details["reset_in_seconds"]; ok {
			if seconds, ok := raw.(int); ok && seconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
		}
	} else {
		body.Error.Kind = "INTERNAL"
		body.Error.Message = "internal server error"
	}
	WriteJSON(w, status, body)
}

// DecodeJSON decodes the request body into dst. On failure it writes a 400
// validation error and returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		WriteError(w, r, nil, nodeerrors.Validation("request body is required"))
		return false
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		WriteError(w, r, nil, nodeerrors.Wrap(nodeerrors.KindValidation, "invalid JSON body", err))
		return false
	}
	return true
}

// HandleJSON decodes a JSON request into Req, calls fn, and writes the
// result as JSON — eliminating the decode/execute/respond boilerplate
// repeated across every route (mirrors the teacher's generic HandleJSON).
func HandleJSON[Req any, Resp any](logger *logging.Logger, fn func(ctx context.Context, req *Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if !DecodeJSON(w, r, &req) {
			return
		}
		resp, err := fn(r.Context(), &req)
		if err != nil {
			WriteError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleNoBody handles body-less (typically GET) requests.
func HandleNoBody[Resp any](logger *logging.Logger, fn func(ctx context.Context) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := fn(r.Context())
		if err != nil {
			WriteError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// ClientIP extracts the caller's address, preferring X-Forwarded-For's
// first hop, then falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// QueryInt64 extracts an int64 query parameter with a default value, used
// for fromPosition/limit on GET /wal.
func QueryInt64(r *http.Request, key string, defaultVal int64) int64 {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	if n, err := strconv.ParseInt(val, 10, 64); err == nil {
		return n
	}
	return defaultVal
}
