package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_nilSafe(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.CacheLookup("hit")
	m.SessionFinished("merge", "completed", "")
	m.AddBytesRelayed("direct", 10)
	m.SetActiveSessions(3)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.CacheLookup("hit")
	m.CacheLookup("miss")
	m.SessionStarted("merge")
	m.AddBytesRelayed("direct", 2048)
	m.ObserveMerge("ok", 1.5)

	rec := httptest.NewRecorder()
	m.Handler(func() { m.SetActiveSessions(7) }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`mg_metadata_cache_lookups_total{result="hit"} 1`,
		`mg_sessions_started_total{pipeline="merge"} 1`,
		`mg_bytes_relayed_total{pipeline="direct"} 2048`,
		`mg_active_sessions 7`,
		`mg_merge_duration_seconds_count{result="ok"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in scrape output", want)
		}
	}
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out := rec.Body.String()
	if !strings.Contains(out, "mg_requests_total 2") || !strings.Contains(out, "mg_errors_total 1") {
		t.Errorf("unexpected counters:\n%s", out)
	}
}
