package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBodyLimitRejectsOversizedContentLength(t *testing.T) {
	handler := BodyLimit(16, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run when Content-Length exceeds the limit")
	}))

	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(strings.Repeat("x", 64)))
	req.ContentLength = 64
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	var body struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Kind != "PAYLOAD_TOO_LARGE" {
		t.Fatalf("kind = %q, want PAYLOAD_TOO_LARGE", body.Error.Kind)
	}
}

func TestBodyLimitAllowsSmallBody(t *testing.T) {
	called := false
	handler := BodyLimit(16, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader("ok"))
	req.ContentLength = 2
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected handler to run for a body under the limit")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
