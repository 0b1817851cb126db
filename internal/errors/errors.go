// Package errors provides the node's unified error taxonomy: a small closed
// set of kinds, each carrying the HTTP status it maps to at the adapter
// boundary (spec.md §7).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the node's error categories.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindValidation        Kind = "VALIDATION"
	KindAuth              Kind = "AUTH"
	KindRateLimitExceeded Kind = "RATE_LIMIT_EXCEEDED"
	KindSql               Kind = "SQL"
	KindNodeBehind        Kind = "NODE_BEHIND"
	KindHashChainBroken   Kind = "HASH_CHAIN_BROKEN"
	KindSchemaMismatch    Kind = "SCHEMA_MISMATCH"
	KindUnavailable       Kind = "UNAVAILABLE"
	KindInternal          Kind = "INTERNAL"
	KindPayloadTooLarge   Kind = "PAYLOAD_TOO_LARGE"
	KindNotInitialized    Kind = "NOT_INITIALIZED"
)

var httpStatus = map[Kind]int{
	KindNotFound:          http.StatusNotFound,
	KindValidation:        http.StatusBadRequest,
	KindAuth:              http.StatusUnauthorized,
	KindRateLimitExceeded: http.StatusTooManyRequests,
	KindSql:               http.StatusBadRequest,
	KindNodeBehind:        http.StatusConflict,
	KindHashChainBroken:   http.StatusInternalServerError,
	KindSchemaMismatch:    http.StatusInternalServerError,
	KindUnavailable:       http.StatusServiceUnavailable,
	KindInternal:          http.StatusInternalServerError,
	KindPayloadTooLarge:   http.StatusRequestEntityTooLarge,
	KindNotInitialized:    http.StatusServiceUnavailable,
}

// NodeError is the error type returned across every package boundary in
// this repository. Handlers at the HTTP adapter map it to a status code and
// JSON body; everywhere else it is inspected via Is/As or the Kind field.
type NodeError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *NodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *NodeError) Unwrap() error { return e.Err }

// WithDetails attaches structured context (e.g. the offending field, or a
// correlation id) and returns the receiver for chaining.
func (e *NodeError) WithDetails(key string, value interface{}) *NodeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds a NodeError for kind with the given message.
func New(kind Kind, message string) *NodeError {
	return &NodeError{Kind: kind, Message: message, HTTPStatus: httpStatus[kind]}
}

// Wrap builds a NodeError for kind, preserving err for Unwrap/logging.
func Wrap(kind Kind, message string, err error) *NodeError {
	return &NodeError{Kind: kind, Message: message, HTTPStatus: httpStatus[kind], Err: err}
}

func NotFound(message string) *NodeError   { return New(KindNotFound, message) }
func Validation(message string) *NodeError { return New(KindValidation, message) }
func Auth(message string) *NodeError       { return New(KindAuth, message) }

// NameTaken reports that a database name is already in use on this node
// (spec.md §4.3); it is a Validation-kind error (400), not a distinct kind.
func NameTaken(name string) *NodeError {
	return Validation("database name already taken").WithDetails("name", name)
}

// RateLimitExceeded reports a spent tier budget; resetInSeconds feeds the
// Retry-After header at the HTTP boundary.
func RateLimitExceeded(resetInSeconds int) *NodeError {
	return New(KindRateLimitExceeded, "rate limit exceeded").
		WithDetails("reset_in_seconds", resetInSeconds)
}

func Sql(err error) *NodeError { return Wrap(KindSql, "sql execution failed", err) }

// NodeBehind reports that the local walPosition has not yet reached
// requiredWalPosition; the caller should retry against a more current node.
func NodeBehind(requiredWalPosition, currentWalPosition uint64) *NodeError {
	return New(KindNodeBehind, "node has not applied the required WAL position").
		WithDetails("required_wal_position", requiredWalPosition).
		WithDetails("current_wal_position", currentWalPosition)
}

func HashChainBroken(databaseID string) *NodeError {
	return New(KindHashChainBroken, "hash chain verification failed").
		WithDetails("database_id", databaseID)
}

func SchemaMismatch(databaseID string) *NodeError {
	return New(KindSchemaMismatch, "replica schema does not match primary").
		WithDetails("database_id", databaseID)
}

func Unavailable(message string) *NodeError { return New(KindUnavailable, message) }
func Internal(err error) *NodeError         { return Wrap(KindInternal, "internal error", err) }

// NotInitialized reports that a singleton or lazily-constructed dependency
// was used before its setup call ran (spec.md §4.7), distinct from
// Unavailable (which reports a transient/overloaded condition on an
// otherwise-initialized component).
func NotInitialized(message string) *NodeError { return New(KindNotInitialized, message) }

// PayloadTooLarge reports a request body exceeding the relay's envelope
// ceiling (spec.md §6: 413, distinct from the 400 used for shape/replay
// rejections).
func PayloadTooLarge(message string) *NodeError { return New(KindPayloadTooLarge, message) }

// As is a thin convenience wrapper over errors.As for *NodeError.
func As(err error) (*NodeError, bool) {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

// StatusFor returns the HTTP status for err, defaulting to 500 when err is
// not a *NodeError.
func StatusFor(err error) int {
	if ne, ok := As(err); ok {
		return ne.HTTPStatus
	}
	return http.StatusInternalServerError
}
