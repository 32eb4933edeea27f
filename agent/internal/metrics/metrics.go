// Package metrics exposes the state of the current run in the Prometheus
// exposition format. Metrics implements run.Reporter, so it is fed by the
// same event stream as the log and the shipper.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ecoscale/ecoscale/agent/internal/run"
)

var phases = []run.Phase{run.PhaseWarmingUp, run.PhaseWaitingStable, run.PhaseRecording, run.PhaseDone}

// Metrics holds the agent's collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	phase        *prometheus.GaugeVec
	reading      prometheus.Gauge
	baseline     prometheus.Gauge
	offset       prometheus.Gauge
	active       prometheus.Gauge
	samplesDone  prometheus.Gauge
	samplesGoal  prometheus.Gauge
	windowMaxDev prometheus.Gauge

	events     *prometheus.CounterVec
	runs       *prometheus.CounterVec
	lastAvg    prometheus.Gauge
	lastRatio  prometheus.Gauge
	lastStdDev prometheus.Gauge
	lastTput   prometheus.Gauge
}

// New registers the collectors for device.
func New(device string) *Metrics {
	labels := prometheus.Labels{"device": device}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecoscale", Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &Metrics{
		reg: prometheus.NewRegistry(),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ecoscale", Name: "run_phase", ConstLabels: labels,
			Help: "1 for the current run phase, 0 for the others.",
		}, []string{"phase"}),
		reading:      gauge("reading", "Last compensated reading."),
		baseline:     gauge("drift_baseline", "Long-term average tracked by the drift compensator."),
		offset:       gauge("drift_offset", "Current drift compensation offset."),
		active:       gauge("drift_active", "1 once drift compensation has latched on."),
		samplesDone:  gauge("samples_recorded", "Samples recorded in the current run."),
		samplesGoal:  gauge("samples_target", "Samples required to complete the current run."),
		windowMaxDev: gauge("window_max_deviation", "Max deviation of the last stabilization window."),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecoscale", Name: "run_events_total", ConstLabels: labels,
			Help: "Run events by kind.",
		}, []string{"kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecoscale", Name: "runs_total", ConstLabels: labels,
			Help: "Finished runs by verdict (aborted runs use verdict=\"aborted\").",
		}, []string{"verdict"}),
		lastAvg:    gauge("last_run_average", "Average of the last completed run."),
		lastRatio:  gauge("last_run_stability_ratio_percent", "Stability ratio of the last completed run."),
		lastStdDev: gauge("last_run_std_dev", "Standard deviation of the last completed run."),
		lastTput:   gauge("last_run_throughput", "Samples per second of the last completed run."),
	}

	m.reg.MustRegister(
		m.phase, m.reading, m.baseline, m.offset, m.active,
		m.samplesDone, m.samplesGoal, m.windowMaxDev,
		m.events, m.runs, m.lastAvg, m.lastRatio, m.lastStdDev, m.lastTput,
	)
	return m
}

// Report implements run.Reporter.
func (m *Metrics) Report(ev run.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
	m.setPhase(ev.Phase)

	m.baseline.Set(ev.Drift.LongTermAverage)
	m.offset.Set(ev.Drift.Offset)
	m.active.Set(boolGauge(ev.Drift.Active))

	switch ev.Kind {
	case run.EventWarmedUp:
		m.samplesDone.Set(0)
		m.samplesGoal.Set(0)
	case run.EventStabilizeCheck, run.EventStabilized:
		if ev.Check != nil {
			m.windowMaxDev.Set(ev.Check.MaxDeviation)
		}
		m.reading.Set(ev.Reading)
		m.samplesGoal.Set(float64(ev.Target))
	case run.EventSample:
		m.reading.Set(ev.Reading)
		m.samplesDone.Set(float64(ev.Done))
		m.samplesGoal.Set(float64(ev.Target))
	case run.EventCompleted:
		if r := ev.Report; r != nil {
			m.runs.WithLabelValues(string(r.Verdict)).Inc()
			m.lastAvg.Set(r.Average)
			m.lastStdDev.Set(r.StdDev)
			m.lastTput.Set(r.Throughput)
			if r.StabilityDefined {
				m.lastRatio.Set(r.StabilityRatio)
			}
		}
	case run.EventAborted:
		m.runs.WithLabelValues("aborted").Inc()
	}
}

func (m *Metrics) setPhase(p run.Phase) {
	for _, ph := range phases {
		m.phase.WithLabelValues(string(ph)).Set(boolGauge(ph == p))
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
