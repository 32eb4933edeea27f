package compute

import (
	"errors"
	"fmt"
	"time"
)

// Default run length.
const DefaultSampleCount = 500

var (
	// ErrNotFull is returned by Finalize before N readings were added.
	ErrNotFull = errors.New("aggregate: run is not full")
	// ErrFull is returned by Add once the run holds N readings.
	ErrFull = errors.New("aggregate: run is full")
	// ErrFinalized is returned by a second Finalize call.
	ErrFinalized = errors.New("aggregate: run already finalized")
)

// Aggregator accumulates exactly N compensated readings and, once full,
// derives a Report. It is append-only and immutable once full.
type Aggregator struct {
	n       int
	samples []float64
	sum     float64
	start   time.Time

	finalized bool
}

// NewAggregator returns an empty run of n readings whose elapsed time is
// measured from start.
func NewAggregator(n int, start time.Time) (*Aggregator, error) {
	if n <= 0 {
		return nil, fmt.Errorf("aggregate: sample count must be positive: %w", ErrInvalidConfig)
	}
	return &Aggregator{
		n:       n,
		samples: make([]float64, 0, n),
		start:   start,
	}, nil
}

// Add appends x to the run. There is no rejection policy for the value
// itself; ErrFull is only returned when the run already holds N readings.
func (a *Aggregator) Add(x float64) error {
	if len(a.samples) >= a.n {
		return ErrFull
	}
	a.samples = append(a.samples, x)
	a.sum += x
	return nil
}

// Full reports whether the run holds N readings.
func (a *Aggregator) Full() bool {
	return len(a.samples) == a.n
}

// Count returns the number of readings added so far.
func (a *Aggregator) Count() int {
	return len(a.samples)
}

// Target returns N.
func (a *Aggregator) Target() int {
	return a.n
}

// Last returns the most recently added reading.
func (a *Aggregator) Last() (float64, bool) {
	if len(a.samples) == 0 {
		return 0, false
	}
	return a.samples[len(a.samples)-1], true
}

// Started returns the time the run started recording.
func (a *Aggregator) Started() time.Time {
	return a.start
}

// Finalize computes the statistics report for a full run. now is passed
// explicitly so callers and tests control the clock. It may only be called
// once.
func (a *Aggregator) Finalize(now time.Time) (*Report, error) {
	if !a.Full() {
		return nil, fmt.Errorf("%w: have %d of %d readings", ErrNotFull, len(a.samples), a.n)
	}
	if a.finalized {
		return nil, ErrFinalized
	}
	a.finalized = true
	return summarize(a.samples, a.sum, now.Sub(a.start)), nil
}
