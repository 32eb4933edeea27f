package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ecoscale/ecoscale/agent/internal/compute"
	"github.com/ecoscale/ecoscale/agent/internal/run"
)

func TestMetrics_SampleProgress(t *testing.T) {
	m := New("scale-01")
	m.Report(run.Event{
		Kind:    run.EventSample,
		Phase:   run.PhaseRecording,
		Reading: 0.5004,
		Done:    120,
		Target:  500,
		Drift:   compute.DriftState{LongTermAverage: 0.5, Offset: -0.0004, Active: true},
	})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"reading", testutil.ToFloat64(m.reading), 0.5004},
		{"samples_recorded", testutil.ToFloat64(m.samplesDone), 120},
		{"samples_target", testutil.ToFloat64(m.samplesGoal), 500},
		{"drift_offset", testutil.ToFloat64(m.offset), -0.0004},
		{"drift_active", testutil.ToFloat64(m.active), 1},
		{"phase recording", testutil.ToFloat64(m.phase.WithLabelValues("recording")), 1},
		{"phase waiting", testutil.ToFloat64(m.phase.WithLabelValues("waiting_stable")), 0},
		{"sample events", testutil.ToFloat64(m.events.WithLabelValues("sample")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestMetrics_CompletedAndAborted(t *testing.T) {
	m := New("scale-01")
	m.Report(run.Event{
		Kind:  run.EventCompleted,
		Phase: run.PhaseDone,
		Report: &compute.Report{
			Average: 0.5, StdDev: 0.0001, Throughput: 9.8,
			StabilityRatio: 0.06, StabilityDefined: true, Verdict: compute.VerdictExcellent,
		},
	})
	m.Report(run.Event{Kind: run.EventAborted, Phase: run.PhaseWaitingStable, Reason: "context deadline exceeded"})

	if got := testutil.ToFloat64(m.runs.WithLabelValues("excellent")); got != 1 {
		t.Errorf("runs{excellent} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("aborted")); got != 1 {
		t.Errorf("runs{aborted} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lastRatio); got != 0.06 {
		t.Errorf("last ratio = %v, want 0.06", got)
	}
	if got := testutil.ToFloat64(m.lastTput); got != 9.8 {
		t.Errorf("last throughput = %v, want 9.8", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New("scale-01")
	m.Report(run.Event{Kind: run.EventStabilized, Phase: run.PhaseRecording, Reading: 0.5, Target: 500,
		Check: &compute.WindowCheck{Mean: 0.5, MaxDeviation: 0.0002, Status: compute.Stable}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`ecoscale_run_phase{device="scale-01",phase="recording"} 1`,
		`ecoscale_window_max_deviation{device="scale-01"} 0.0002`,
		`ecoscale_samples_target{device="scale-01"} 500`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
