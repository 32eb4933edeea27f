package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ecoscale/ecoscale/agent/internal/compute"
)

// Phase is the lifecycle position of a run.
type Phase string

const (
	PhaseWarmingUp     Phase = "warming_up"
	PhaseWaitingStable Phase = "waiting_stable"
	PhaseRecording     Phase = "recording"
	PhaseDone          Phase = "done"
)

// Defaults for a run.
const (
	DefaultWarmupSamples = 10
)

var (
	// ErrStabilizeTimeout is returned when the waiting phase outlives its
	// deadline. The context error is wrapped alongside it.
	ErrStabilizeTimeout = errors.New("run: signal did not stabilize in time")

	// ErrInterrupted is returned when the run context is cancelled.
	ErrInterrupted = errors.New("run: interrupted")
)

// Config fixes the parameters of one run.
type Config struct {
	Drift     compute.DriftConfig
	Stability compute.StabilityConfig

	// SampleCount is N, the number of compensated readings to record.
	SampleCount int

	// WarmupSamples readings only seed the drift baseline before the
	// waiting phase starts. Zero skips warm-up.
	WarmupSamples int
}

// DefaultConfig returns the default run parameters.
func DefaultConfig() Config {
	return Config{
		Drift:         compute.DefaultDriftConfig(),
		Stability:     compute.DefaultStabilityConfig(),
		SampleCount:   compute.DefaultSampleCount,
		WarmupSamples: DefaultWarmupSamples,
	}
}

// Validate checks every sub-configuration.
func (c Config) Validate() error {
	if err := c.Drift.Validate(); err != nil {
		return err
	}
	if err := c.Stability.Validate(); err != nil {
		return err
	}
	if c.SampleCount <= 0 {
		return fmt.Errorf("run: sample count must be positive: %w", compute.ErrInvalidConfig)
	}
	if c.WarmupSamples < 0 {
		return fmt.Errorf("run: warm-up samples must not be negative: %w", compute.ErrInvalidConfig)
	}
	return nil
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the wall clock used for the run start and report
// elapsed time.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunID sets the identifier stamped on every event.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// Orchestrator owns all state of a single run. It is not safe for
// concurrent use.
type Orchestrator struct {
	cfg   Config
	src   Source
	rep   Reporter
	now   func() time.Time
	runID string

	phase  Phase
	comp   *compute.Compensator
	det    *compute.Detector
	agg    *compute.Aggregator
	report *compute.Report

	warmed      int
	activation  *compute.Activation
	lastChecks  int
	lowWarnedAt int
}

// New validates cfg and returns an Orchestrator in its first phase. rep may
// be nil.
func New(cfg Config, src Source, rep Reporter, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("run: source is required")
	}
	if rep == nil {
		rep = Reporters(nil)
	}

	o := &Orchestrator{
		cfg:         cfg,
		src:         src,
		rep:         rep,
		now:         time.Now,
		phase:       PhaseWaitingStable,
		lowWarnedAt: -1,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if cfg.WarmupSamples > 0 {
		o.phase = PhaseWarmingUp
	}

	comp, err := compute.NewCompensator(cfg.Drift, func(a compute.Activation) { o.activation = &a })
	if err != nil {
		return nil, err
	}
	det, err := compute.NewDetector(cfg.Stability)
	if err != nil {
		return nil, err
	}
	o.comp, o.det = comp, det
	return o, nil
}

// RunID returns the identifier stamped on this run's events.
func (o *Orchestrator) RunID() string { return o.runID }

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase { return o.phase }

// Drift returns the compensator state.
func (o *Orchestrator) Drift() compute.DriftState { return o.comp.State() }

// Report returns the finalized report once the run is done.
func (o *Orchestrator) Report() (*compute.Report, bool) {
	return o.report, o.report != nil
}

// Progress returns the recorded sample count and the target N. Both are
// zero before recording starts.
func (o *Orchestrator) Progress() (done, target int) {
	if o.agg == nil {
		return 0, 0
	}
	return o.agg.Count(), o.agg.Target()
}

// Tick performs at most one unit of work. With no reading available it
// returns the current phase and changes nothing.
func (o *Orchestrator) Tick() (Phase, error) {
	if o.phase == PhaseDone {
		return o.phase, nil
	}
	raw, ok := o.src.TryRead()
	if !ok {
		return o.phase, nil
	}

	if o.phase == PhaseWarmingUp {
		o.comp.Seed(raw)
		o.warmed++
		if o.warmed >= o.cfg.WarmupSamples {
			o.phase = PhaseWaitingStable
			o.emit(Event{Kind: EventWarmedUp, Raw: raw, Reading: raw, Done: o.warmed, Target: o.cfg.WarmupSamples})
		}
		return o.phase, nil
	}

	x := o.comp.Apply(raw)
	if a := o.activation; a != nil {
		o.activation = nil
		o.emit(Event{Kind: EventDriftActivated, Raw: raw, Reading: x, Activation: a})
	}

	switch o.phase {
	case PhaseWaitingStable:
		return o.phase, o.wait(raw, x)
	case PhaseRecording:
		return o.phase, o.record(raw, x)
	}
	return o.phase, nil
}

func (o *Orchestrator) wait(raw, x float64) error {
	if x < o.cfg.Stability.MinWeight && o.lowWarnedAt != o.det.Checks() {
		o.lowWarnedAt = o.det.Checks()
		o.emit(Event{Kind: EventLowWeight, Raw: raw, Reading: x})
	}

	status := o.det.Feed(x)

	if o.det.Checks() == o.lastChecks {
		return nil
	}
	o.lastChecks = o.det.Checks()
	check, _ := o.det.LastCheck()

	if status != compute.Stable {
		o.emit(Event{Kind: EventStabilizeCheck, Raw: raw, Reading: x, Check: &check})
		return nil
	}

	agg, err := compute.NewAggregator(o.cfg.SampleCount, o.now())
	if err != nil {
		return fmt.Errorf("run: start recording: %w", err)
	}
	o.det = nil
	o.agg = agg
	o.phase = PhaseRecording
	o.emit(Event{Kind: EventStabilized, Raw: raw, Reading: x, Check: &check, Target: agg.Target()})
	return nil
}

func (o *Orchestrator) record(raw, x float64) error {
	if err := o.agg.Add(x); err != nil {
		return fmt.Errorf("run: record sample: %w", err)
	}
	o.emit(Event{Kind: EventSample, Raw: raw, Reading: x, Done: o.agg.Count(), Target: o.agg.Target()})
	if !o.agg.Full() {
		return nil
	}

	r, err := o.agg.Finalize(o.now())
	if err != nil {
		return fmt.Errorf("run: finalize: %w", err)
	}
	r.Compensation = compute.SummarizeCompensation(o.comp)
	o.report = r
	o.phase = PhaseDone
	o.emit(Event{Kind: EventCompleted, Raw: raw, Reading: x, Done: r.Count, Target: o.agg.Target(), Report: r})
	return nil
}

func (o *Orchestrator) emit(ev Event) {
	ev.RunID = o.runID
	ev.Phase = o.phase
	ev.Time = o.now()
	ev.Drift = o.comp.State()
	o.rep.Report(ev)
}

func (o *Orchestrator) abort(reason string) {
	o.emit(Event{Kind: EventAborted, Reason: reason})
}

// WaitStable ticks on every value from ticks until the run leaves the
// warm-up and waiting phases. A positive timeout bounds the wait; on expiry
// ErrStabilizeTimeout is returned and an aborted event is emitted.
func (o *Orchestrator) WaitStable(ctx context.Context, ticks <-chan time.Time, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for o.phase == PhaseWarmingUp || o.phase == PhaseWaitingStable {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			o.abort(err.Error())
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %w", ErrStabilizeTimeout, err)
			}
			return fmt.Errorf("%w: %w", ErrInterrupted, err)
		case <-ticks:
			if _, err := o.Tick(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Drive runs the whole lifecycle on ticks and returns the final report.
// Only the waiting phase is bounded by stabilizeTimeout; recording runs
// until N samples are collected or ctx is cancelled.
func (o *Orchestrator) Drive(ctx context.Context, ticks <-chan time.Time, stabilizeTimeout time.Duration) (*compute.Report, error) {
	if err := o.WaitStable(ctx, ticks, stabilizeTimeout); err != nil {
		return nil, err
	}
	for o.phase != PhaseDone {
		select {
		case <-ctx.Done():
			o.abort(ctx.Err().Error())
			return nil, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		case <-ticks:
			if _, err := o.Tick(); err != nil {
				return nil, err
			}
		}
	}
	return o.report, nil
}

// Run drives the lifecycle with a wall-clock ticker firing every interval.
func (o *Orchestrator) Run(ctx context.Context, interval, stabilizeTimeout time.Duration) (*compute.Report, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("run: tick interval must be positive, got %s", interval)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	return o.Drive(ctx, t.C, stabilizeTimeout)
}
