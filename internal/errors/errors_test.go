package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  *NodeError
		want int
	}{
		{NotFound("db missing"), http.StatusNotFound},
		{Validation("bad shape"), http.StatusBadRequest},
		{Auth("bad signature"), http.StatusUnauthorized},
		{RateLimitExceeded(5), http.StatusTooManyRequests},
		{NodeBehind(7, 3), http.StatusConflict},
		{HashChainBroken("db1"), http.StatusInternalServerError},
		{Unavailable("peer down"), http.StatusServiceUnavailable},
		{PayloadTooLarge("envelope too large"), http.StatusRequestEntityTooLarge},
	}
	for _, c := range cases {
		if c.err.HTTPStatus != c.want {
			t.Errorf("%s: got status %d, want %d", c.err.Kind, c.err.HTTPStatus, c.want)
		}
		if StatusFor(c.err) != c.want {
			t.Errorf("StatusFor(%s) = %d, want %d", c.err.Kind, StatusFor(c.err), c.want)
		}
	}
}

func TestWrapUnwrap(t *testing.T) {
	root := errors.New("boom")
	wrapped := Sql(root)
	if !errors.Is(wrapped, root) {
		t.Fatalf("expected wrapped error to unwrap to root cause")
	}
	if wrapped.Kind != KindSql {
		t.Fatalf("expected KindSql, got %s", wrapped.Kind)
	}
}

func TestWithDetails(t *testing.T) {
	err := NotFound("missing").WithDetails("id", "abc")
	if err.Details["id"] != "abc" {
		t.Fatalf("expected detail to be set")
	}
}

func TestAsNonNodeError(t *testing.T) {
	if _, ok := As(errors.New("plain")); ok {
		t.Fatalf("expected As to fail for a plain error")
	}
	if StatusFor(errors.New("plain")) != http.StatusInternalServerError {
		t.Fatalf("expected default 500 status for non-NodeError")
	}
}
