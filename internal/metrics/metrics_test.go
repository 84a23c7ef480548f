package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FileDone(ResultDelivered, time.Second)
	m.Segment(OutcomeStaged, 10)
	m.TaskQueued()
	m.TaskStarted()
	m.TaskDone()
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestCounters(t *testing.T) {
	m := New("flow")

	m.Segment(OutcomeDelivered, 100)
	m.Segment(OutcomeDelivered, 50)
	m.Segment(OutcomeStaged, 70)
	m.FileDone(ResultPartial, 200*time.Millisecond)

	if got := testutil.ToFloat64(m.segments.WithLabelValues(OutcomeDelivered)); got != 2 {
		t.Errorf("delivered segments = %v", got)
	}
	if got := testutil.ToFloat64(m.segments.WithLabelValues(OutcomeStaged)); got != 1 {
		t.Errorf("staged segments = %v", got)
	}
	if got := testutil.ToFloat64(m.payloadBytes); got != 150 {
		t.Errorf("delivered bytes = %v, staged bytes must not count", got)
	}
	if got := testutil.ToFloat64(m.files.WithLabelValues(ResultPartial)); got != 1 {
		t.Errorf("partial files = %v", got)
	}

	m.TaskQueued()
	m.TaskQueued()
	m.TaskStarted()
	if q, r := testutil.ToFloat64(m.queued), testutil.ToFloat64(m.inflight); q != 1 || r != 1 {
		t.Errorf("queued/inflight = %v/%v", q, r)
	}
	m.TaskDone()
	m.TaskStarted()
	m.TaskDone()
	if q, r := testutil.ToFloat64(m.queued), testutil.ToFloat64(m.inflight); q != 0 || r != 0 {
		t.Errorf("queued/inflight = %v/%v", q, r)
	}
}

func TestCPUSampler(t *testing.T) {
	s := newCPUSampler()
	deadline := time.Now().Add(20 * time.Millisecond)
	for time.Now().Before(deadline) {
	}
	if pct := s.Percent(); pct < 0 {
		t.Errorf("cpu percent = %v", pct)
	}
	if memoryInuse() <= 0 {
		t.Error("memory in use should be positive")
	}
}

func TestServer(t *testing.T) {
	m := New("csv")
	m.Segment(OutcomeDelivered, 1)

	s := NewServer("127.0.0.1:0", m, nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`dcollector_segments_total{datatype="csv",outcome="delivered"} 1`,
		"dcollector_process_memory_inuse_bytes",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
