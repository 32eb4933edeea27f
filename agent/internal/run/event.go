package run

import (
	"time"

	"github.com/ecoscale/ecoscale/agent/internal/compute"
)

// Source is the non-blocking reading capability consumed by a run.
// TryRead returns false when no new reading is ready.
type Source interface {
	TryRead() (float64, bool)
}

// Reporter receives run events. Implementations must not block the caller
// for longer than it takes to hand the event off.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Event)

// Report calls f(ev).
func (f ReporterFunc) Report(ev Event) { f(ev) }

// Reporters fans an event out to every reporter in order.
type Reporters []Reporter

// Report forwards ev to each non-nil reporter.
func (rs Reporters) Report(ev Event) {
	for _, r := range rs {
		if r != nil {
			r.Report(ev)
		}
	}
}

// EventKind identifies the kind of an Event.
type EventKind string

const (
	EventWarmedUp       EventKind = "warmed_up"
	EventDriftActivated EventKind = "drift_activated"
	EventStabilizeCheck EventKind = "stabilize_check"
	EventLowWeight      EventKind = "low_weight"
	EventStabilized     EventKind = "stabilized"
	EventSample         EventKind = "sample"
	EventCompleted      EventKind = "completed"
	EventAborted        EventKind = "aborted"
)

// Event is one observable step of a run.
type Event struct {
	Kind  EventKind
	RunID string
	Phase Phase
	Time  time.Time

	// Raw and Reading are the raw and compensated values of the reading
	// that produced the event, when there is one.
	Raw     float64
	Reading float64

	// Drift is the compensator state after the reading was applied.
	Drift compute.DriftState

	// Activation is set on EventDriftActivated.
	Activation *compute.Activation

	// Check is set on EventStabilizeCheck and EventStabilized.
	Check *compute.WindowCheck

	// Done and Target count recorded samples (EventSample, EventCompleted)
	// or warm-up readings (EventWarmedUp).
	Done   int
	Target int

	// Report is set on EventCompleted.
	Report *compute.Report

	// Reason is set on EventAborted.
	Reason string
}
