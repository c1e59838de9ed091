package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/health":                 "/health",
		"/mcp/session":            "/mcp",
		"/api/v1/objects/execute": "/api/v1/objects/execute",
		"/favicon.ico":            "other",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("POST", "/api/v1/objects/delete", "204"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/objects/delete", nil))

	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("POST", "/api/v1/objects/delete", "204"))
	if after-before != 1 {
		t.Errorf("requests counter delta = %v, want 1", after-before)
	}
}

func TestRecordExecution(t *testing.T) {
	before := testutil.ToFloat64(Executions.WithLabelValues("test", "error"))
	RecordExecution("test", errors.New("boom"), time.Now())
	if got := testutil.ToFloat64(Executions.WithLabelValues("test", "error")) - before; got != 1 {
		t.Errorf("error executions delta = %v, want 1", got)
	}
}

func TestMiddlewareHijack(t *testing.T) {
	hijacked := make(chan error, 1)
	srv := httptest.NewServer(Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := w.(http.Hijacker)
		if !ok {
			hijacked <- errors.New("writer is not a Hijacker")
			return
		}
		conn, _, err := h.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		hijacked <- err
	})))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/api/v1/ws")
	if err == nil {
		resp.Body.Close()
	}
	if err := <-hijacked; err != nil {
		t.Errorf("Hijack() error = %v", err)
	}
}
