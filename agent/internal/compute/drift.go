package compute

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig is returned by the constructors in this package when a
// parameter is out of range. The wrapping error names the offending field.
var ErrInvalidConfig = errors.New("invalid config")

// Default drift parameters, in the reading unit (kg for an ecoscale unit).
const (
	DefaultDriftThreshold   = 0.002
	DefaultCompensationRate = 0.05
	DefaultClampLimit       = 0.01
	DefaultCutover          = 1000
	DefaultDecay            = 0.999
)

// DriftConfig parameterises a Compensator.
type DriftConfig struct {
	// Threshold is the |raw - baseline| deviation that latches compensation on.
	Threshold float64

	// Rate is the fraction of the current deviation folded into the offset
	// on every call while compensation is active.
	Rate float64

	// ClampLimit bounds |offset|. Exceeding values are set to ±ClampLimit.
	ClampLimit float64

	// Cutover is the sample count after which the baseline switches from a
	// cumulative mean to exponential decay.
	Cutover int

	// Decay is the weight of the old baseline in the exponential update.
	// 0.999 gives an averaging horizon of roughly 1000 samples.
	Decay float64
}

// DefaultDriftConfig returns the default compensator parameters.
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{
		Threshold:  DefaultDriftThreshold,
		Rate:       DefaultCompensationRate,
		ClampLimit: DefaultClampLimit,
		Cutover:    DefaultCutover,
		Decay:      DefaultDecay,
	}
}

// Validate reports the first out-of-range field, wrapped in ErrInvalidConfig.
func (c DriftConfig) Validate() error {
	switch {
	case !(c.Threshold > 0):
		return fmt.Errorf("drift: threshold must be positive: %w", ErrInvalidConfig)
	case !(c.Rate > 0):
		return fmt.Errorf("drift: compensation rate must be positive: %w", ErrInvalidConfig)
	case !(c.ClampLimit > 0):
		return fmt.Errorf("drift: clamp limit must be positive: %w", ErrInvalidConfig)
	case c.Cutover <= 0:
		return fmt.Errorf("drift: cutover must be positive: %w", ErrInvalidConfig)
	case !(c.Decay > 0 && c.Decay < 1):
		return fmt.Errorf("drift: decay must be in (0, 1): %w", ErrInvalidConfig)
	}
	return nil
}

// DriftState is a read-only copy of the compensator state.
type DriftState struct {
	LongTermAverage float64
	SampleCount     int
	Offset          float64
	Active          bool
}

// Activation describes the reading that latched compensation on.
type Activation struct {
	Raw       float64
	Baseline  float64
	Deviation float64
}

// Compensator removes slow baseline drift from raw readings without a
// temperature sensor. It is created once per run and fed every reading.
type Compensator struct {
	cfg DriftConfig

	avg    float64
	count  int
	offset float64
	active bool

	onActivate func(Activation)
}

// NewCompensator validates cfg and returns a Compensator with an empty
// baseline. onActivate, if non-nil, is called exactly once, on the call that
// latches compensation on.
func NewCompensator(cfg DriftConfig, onActivate func(Activation)) (*Compensator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Compensator{cfg: cfg, onActivate: onActivate}, nil
}

// Seed folds raw into the baseline without evaluating drift. It is used for
// warm-up readings taken before the run starts waiting for stability.
func (c *Compensator) Seed(raw float64) {
	c.updateBaseline(raw)
}

// Apply updates the baseline with raw and returns the compensated reading.
func (c *Compensator) Apply(raw float64) float64 {
	c.updateBaseline(raw)
	deviation := raw - c.avg

	if !c.active && math.Abs(deviation) > c.cfg.Threshold {
		c.active = true
		if c.onActivate != nil {
			c.onActivate(Activation{Raw: raw, Baseline: c.avg, Deviation: deviation})
		}
	}
	if !c.active {
		return raw
	}

	c.offset += -deviation * c.cfg.Rate
	if math.Abs(c.offset) > c.cfg.ClampLimit {
		c.offset = math.Copysign(c.cfg.ClampLimit, c.offset)
	}
	return raw + c.offset
}

// State returns a snapshot of the compensator.
func (c *Compensator) State() DriftState {
	return DriftState{
		LongTermAverage: c.avg,
		SampleCount:     c.count,
		Offset:          c.offset,
		Active:          c.active,
	}
}

// Saturated reports whether the offset is pinned at the clamp limit.
func (c *Compensator) Saturated() bool {
	return c.active && math.Abs(c.offset) >= c.cfg.ClampLimit
}

// updateBaseline applies the blended rule: cumulative mean until the cutover
// count, exponential decay afterwards. The counter saturates at the cutover.
func (c *Compensator) updateBaseline(raw float64) {
	if c.count < c.cfg.Cutover {
		c.avg = (c.avg*float64(c.count) + raw) / float64(c.count+1)
		c.count++
		return
	}
	c.avg = c.avg*c.cfg.Decay + raw*(1-c.cfg.Decay)
}
