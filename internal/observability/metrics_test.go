package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveAPI("GET", "/x", "200", time.Millisecond)
	m.IncAttempt("fresh", "cheap", "accepted")
	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil || buf.Len() != 0 {
		t.Fatalf("nil metrics should write nothing: err=%v len=%d", err, buf.Len())
	}
}

func TestWritePrometheusSortedAndLabeled(t *testing.T) {
	m := newMetrics()
	m.IncReuseDecision("reused")
	m.IncReuseDecision("generated")
	m.IncReuseDecision("reused")
	m.ObserveDeploy("static", "initial", "live", 1500*time.Millisecond)

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	gen := strings.Index(out, `af_reuse_decisions_total{decision="generated"} 1.000000`)
	reu := strings.Index(out, `af_reuse_decisions_total{decision="reused"} 2.000000`)
	if gen < 0 || reu < 0 || gen > reu {
		t.Fatalf("unexpected reuse series order:\n%s", out)
	}
	if !strings.Contains(out, `af_deploy_duration_seconds_bucket{tier="static",kind="initial",le="2"} 1`) {
		t.Fatalf("missing histogram bucket:\n%s", out)
	}
	if !strings.Contains(out, `af_deploy_duration_seconds_bucket{tier="static",kind="initial",le="1"} 0`) {
		t.Fatalf("1.5s should not land in le=1:\n%s", out)
	}
}

func TestEscapeLabel(t *testing.T) {
	got := labelString([]string{"a"}, []string{"x\"y\n"})
	if got != `{a="x\"y\n"}` {
		t.Fatalf("want escaped got=%s", got)
	}
}
