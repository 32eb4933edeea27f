package compute

import (
	"fmt"
	"math"
)

// Default stabilization parameters.
const (
	DefaultWindowSize         = 20
	DefaultStabilityThreshold = 0.001
	DefaultMinWeightFloor     = 0.01
)

// Status is the outcome of feeding one reading to a Detector.
type Status int

const (
	// Pending means the window has not wrapped yet or the last full window
	// deviated by more than the stability threshold.
	Pending Status = iota
	// Stable means the last full window was flat and above the floor.
	Stable
	// StableButEmpty means the last full window was flat but its mean was at
	// or below the floor, i.e. nothing is on the scale. Keep waiting.
	StableButEmpty
)

func (s Status) String() string {
	switch s {
	case Stable:
		return "stable"
	case StableButEmpty:
		return "stable_but_empty"
	default:
		return "pending"
	}
}

// StabilityConfig parameterises a Detector.
type StabilityConfig struct {
	WindowSize int     // K, readings per evaluation
	Threshold  float64 // maximum allowed |x - mean| within a window
	MinWeight  float64 // window mean must exceed this to count as loaded
}

// DefaultStabilityConfig returns the default detector parameters.
func DefaultStabilityConfig() StabilityConfig {
	return StabilityConfig{
		WindowSize: DefaultWindowSize,
		Threshold:  DefaultStabilityThreshold,
		MinWeight:  DefaultMinWeightFloor,
	}
}

// Validate reports the first out-of-range field, wrapped in ErrInvalidConfig.
func (c StabilityConfig) Validate() error {
	switch {
	case c.WindowSize <= 0:
		return fmt.Errorf("stabilize: window size must be positive: %w", ErrInvalidConfig)
	case !(c.Threshold > 0):
		return fmt.Errorf("stabilize: stability threshold must be positive: %w", ErrInvalidConfig)
	case !(c.MinWeight > 0):
		return fmt.Errorf("stabilize: minimum weight floor must be positive: %w", ErrInvalidConfig)
	}
	return nil
}

// WindowCheck is the result of one full-window evaluation.
type WindowCheck struct {
	Mean         float64
	MaxDeviation float64
	Status       Status
}

// Detector decides when a settling signal has become trustworthy.
// It is discarded when the run leaves the waiting phase.
type Detector struct {
	cfg StabilityConfig

	window []float64
	pos    int // next write index
	size   int // readings held, <= len(window)

	last   WindowCheck
	checks int
}

// NewDetector validates cfg and returns an empty Detector.
func NewDetector(cfg StabilityConfig) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg, window: make([]float64, cfg.WindowSize)}, nil
}

// Feed pushes x into the window, overwriting the oldest reading once full.
// The window is only evaluated when the write index wraps back to zero, so
// at most one verdict is produced every K feeds; other feeds return Pending.
func (d *Detector) Feed(x float64) Status {
	d.window[d.pos] = x
	d.pos = (d.pos + 1) % len(d.window)
	if d.size < len(d.window) {
		d.size++
	}
	if d.pos != 0 {
		return Pending
	}

	d.last = d.evaluate()
	d.checks++
	return d.last.Status
}

// LastCheck returns the most recent full-window evaluation, and false if the
// window has not wrapped yet.
func (d *Detector) LastCheck() (WindowCheck, bool) {
	return d.last, d.checks > 0
}

// Checks returns the number of full-window evaluations performed.
func (d *Detector) Checks() int {
	return d.checks
}

// Len returns the number of readings currently held.
func (d *Detector) Len() int {
	return d.size
}

// Cap returns the window capacity K.
func (d *Detector) Cap() int {
	return len(d.window)
}

func (d *Detector) evaluate() WindowCheck {
	var sum float64
	for _, v := range d.window {
		sum += v
	}
	mean := sum / float64(len(d.window))

	var maxDev float64
	for _, v := range d.window {
		if dev := math.Abs(v - mean); dev > maxDev {
			maxDev = dev
		}
	}

	check := WindowCheck{Mean: mean, MaxDeviation: maxDev, Status: Pending}
	if maxDev <= d.cfg.Threshold {
		if mean > d.cfg.MinWeight {
			check.Status = Stable
		} else {
			check.Status = StableButEmpty
		}
	}
	return check
}
