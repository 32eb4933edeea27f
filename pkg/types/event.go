package types

import "time"

// Event kinds carried on the wire. They mirror the agent's run events.
const (
	KindWarmedUp       = "warmed_up"
	KindDriftActivated = "drift_activated"
	KindStabilizeCheck = "stabilize_check"
	KindLowWeight      = "low_weight"
	KindStabilized     = "stabilized"
	KindSample         = "sample"
	KindCompleted      = "completed"
	KindAborted        = "aborted"
)

// Event is one run event as published by an agent.
type Event struct {
	DeviceID  string    `json:"device_id"`
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	Phase     string    `json:"phase"`
	Timestamp time.Time `json:"timestamp"`

	Raw     float64 `json:"raw"`
	Reading float64 `json:"reading"`

	Drift Drift `json:"drift"`

	// Check is set on stabilize_check and stabilized events.
	Check *WindowCheck `json:"check,omitempty"`

	Done   int `json:"done,omitempty"`
	Target int `json:"target,omitempty"`

	// Report is set on completed events.
	Report *Report `json:"report,omitempty"`

	// Reason is set on aborted events.
	Reason string `json:"reason,omitempty"`
}

// Drift is the compensator state at the time of an event.
type Drift struct {
	Baseline    float64 `json:"baseline"`
	SampleCount int     `json:"sample_count"`
	Offset      float64 `json:"offset"`
	Active      bool    `json:"active"`
}

// WindowCheck is one stabilization window evaluation.
type WindowCheck struct {
	Mean         float64 `json:"mean"`
	MaxDeviation float64 `json:"max_deviation"`
	Status       string  `json:"status"`
}

// Report is the statistics summary of a completed run.
type Report struct {
	Count            int     `json:"count"`
	Average          float64 `json:"average"`
	Min              float64 `json:"min"`
	Max              float64 `json:"max"`
	Range            float64 `json:"range"`
	MeanAbsDeviation float64 `json:"mean_abs_deviation"`
	MaxDeviation     float64 `json:"max_deviation"`
	MinDeviation     float64 `json:"min_deviation"`
	StdDev           float64 `json:"std_dev"`

	// StabilityRatio is omitted when the run average was zero.
	StabilityRatio *float64 `json:"stability_ratio,omitempty"`

	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Throughput     float64 `json:"throughput"`
	Verdict        string  `json:"verdict"`

	Compensation Compensation `json:"compensation"`
}

// Compensation summarises drift compensation over a run.
type Compensation struct {
	Active      bool    `json:"active"`
	Offset      float64 `json:"offset"`
	SampleCount int     `json:"sample_count"`
	Saturated   bool    `json:"saturated"`
	Improvement float64 `json:"improvement"`
}
