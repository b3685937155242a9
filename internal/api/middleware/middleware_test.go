package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/observability"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "client-abc.1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if seen != "client-abc.1" || w.Header().Get(RequestIDHeader) != "client-abc.1" {
		t.Errorf("well-formed id not propagated: %q", seen)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "bad id\r\nX-Evil: 1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "" || seen == "bad id\r\nX-Evil: 1" {
		t.Errorf("malformed id should be replaced, got %q", seen)
	}
}

func TestRecoverer(t *testing.T) {
	h := Recoverer(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != "CRAWLHUB_INTERNAL" {
		t.Errorf("unexpected body %v", body)
	}

	defer func() {
		if rvr := recover(); rvr != http.ErrAbortHandler {
			t.Errorf("ErrAbortHandler should propagate, got %v", rvr)
		}
	}()
	Recoverer(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/v1/tasks/{task_id}", func(w http.ResponseWriter, r *http.Request) {})

	before := testutil.ToFloat64(observability.HTTPRequestsTotal.WithLabelValues("/v1/tasks/{task_id}", "GET", "200"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/tasks/abc", nil))
	after := testutil.ToFloat64(observability.HTTPRequestsTotal.WithLabelValues("/v1/tasks/{task_id}", "GET", "200"))
	if after != before+1 {
		t.Errorf("expected one request on the route pattern, got %v -> %v", before, after)
	}

	before = testutil.ToFloat64(observability.HTTPRequestsTotal.WithLabelValues("unmatched", "GET", "404"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nope/123", nil))
	after = testutil.ToFloat64(observability.HTTPRequestsTotal.WithLabelValues("unmatched", "GET", "404"))
	if after != before+1 {
		t.Errorf("unmatched paths should share one label, got %v -> %v", before, after)
	}
}
