package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestJobFinished(t *testing.T) {
	m := New()
	m.JobFinished("done", "")
	m.JobFinished("failed", "ASSET_ERROR")
	m.JobFinished("failed", "ASSET_ERROR")

	out := scrape(t, m)
	for _, want := range []string{
		`renderd_jobs_total{code="ASSET_ERROR",outcome="failed"} 2`,
		`renderd_jobs_total{code="none",outcome="done"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveStage("fetch", 1500*time.Millisecond)
	m.AdmissionRejected.Inc()
	m.ActiveJobs.Set(3)

	out := scrape(t, m)
	for _, want := range []string{
		`renderd_stage_duration_seconds_count{stage="fetch"} 1`,
		"renderd_admission_rejected_total 1",
		"renderd_jobs_active 3",
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.AdmissionRejected.Inc()
	if out := scrape(t, b); !strings.Contains(out, "renderd_admission_rejected_total 0") {
		t.Error("separate instances must not share collectors")
	}
}
