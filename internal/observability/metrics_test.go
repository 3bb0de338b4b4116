package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestWritePrometheusIncludesObservedSeries(t *testing.T) {
	m := New()
	m.ObserveAPI("GET", "/api/runs", "200", 20*time.Millisecond)
	m.ObserveIngest("started", "applied", time.Millisecond)
	m.IncSweepAction("reconciled")

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`arc_api_requests_total{method="GET",route="/api/runs",status="200"} 1`,
		`arc_ingest_events_total{event_type="started",outcome="applied"} 1`,
		`arc_reconcile_actions_total{action="reconciled"} 1`,
		`# TYPE arc_api_request_duration_seconds histogram`,
		`arc_api_request_duration_seconds_bucket{method="GET",route="/api/runs",status="200",le="0.025"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveAPI("GET", "/", "200", time.Millisecond)
	m.ObserveIngest("x", "applied", 0)
	m.IncRunTransition("PENDING", "SUBMITTED")
	if m.IngestCount("x", "applied") != 0 {
		t.Fatalf("nil metrics should report zero")
	}
	if err := m.WritePrometheus(&bytes.Buffer{}); err != nil {
		t.Fatalf("nil write: %v", err)
	}
}

func TestLabelEscaping(t *testing.T) {
	got := labelString([]string{"a", "b"}, []string{`x"y`})
	if got != `{a="x\"y",b="unknown"}` {
		t.Fatalf("labelString: %s", got)
	}
	if withLe("", "1") != `{le="1"}` || withLe(`{a="b"}`, "+Inf") != `{a="b",le="+Inf"}` {
		t.Fatalf("withLe mismatch")
	}
}
