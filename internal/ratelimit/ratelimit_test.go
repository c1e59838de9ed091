package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter_BlocksOverBurst(t *testing.T) {
	l := New(0.1, 2)

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("requests within burst should be allowed")
	}
	if l.Allow("a") {
		t.Error("third request should be blocked")
	}
	if !l.Allow("b") {
		t.Error("other keys keep their own budget")
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	l := New(10, 10)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(time.Hour)
	l.Allow("fresh")

	if removed := l.Cleanup(time.Minute); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if len(l.entries) != 1 {
		t.Errorf("entries left = %d, want 1", len(l.entries))
	}
}

func TestMiddleware(t *testing.T) {
	l := New(0.1, 1)
	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 2)
	for range 2 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/echo_clock", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [204 429]", codes)
	}
}
