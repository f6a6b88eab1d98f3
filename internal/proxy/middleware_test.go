package proxy

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if seen == "" {
		t.Fatal("No request id on context")
	}
	if rec.Header().Get("X-Request-Id") != seen {
		t.Errorf("Header id %q != context id %q", rec.Header().Get("X-Request-Id"), seen)
	}
}

func TestWithRequestID_HonorsInbound(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "req-123")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "req-123" {
		t.Errorf("id = %q", seen)
	}
}

func TestWithRecovery_TurnsPanicInto500(t *testing.T) {
	h := WithRecovery(slog.Default(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHashClientCredential(t *testing.T) {
	a := HashClientCredential("Bearer sk-1")
	b := HashClientCredential("Bearer sk-1")
	c := HashClientCredential("Bearer sk-2")
	if a != b {
		t.Error("Hash must be stable")
	}
	if a == c {
		t.Error("Different credentials must hash differently")
	}
	if len(a) != 32 {
		t.Errorf("hash length = %d", len(a))
	}
}
