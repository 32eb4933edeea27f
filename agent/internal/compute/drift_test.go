package compute

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

// almostEqual returns true if a and b are within epsilon of each other.
func almostEqual(a, b, epsilon float64) bool {
	return math.Abs(a-b) < epsilon
}

func newTestCompensator(t *testing.T, cfg DriftConfig, onActivate func(Activation)) *Compensator {
	t.Helper()
	c, err := NewCompensator(cfg, onActivate)
	if err != nil {
		t.Fatalf("NewCompensator() error = %v", err)
	}
	return c
}

// feedConstant applies v n times and fails if compensation latches on.
func feedConstant(t *testing.T, c *Compensator, v float64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if got := c.Apply(v); got != v {
			t.Fatalf("Apply(%v) #%d = %v, want unchanged", v, i, got)
		}
	}
}

// --- Baseline tracking ---

func TestCompensator_SteadySignal_PassesThrough(t *testing.T) {
	c := newTestCompensator(t, DefaultDriftConfig(), nil)
	feedConstant(t, c, 1.25, 50)

	st := c.State()
	if st.Active {
		t.Error("Active = true after a steady signal, want false")
	}
	if st.Offset != 0 {
		t.Errorf("Offset = %v, want 0", st.Offset)
	}
	if st.LongTermAverage != 1.25 {
		t.Errorf("LongTermAverage = %v, want 1.25", st.LongTermAverage)
	}
	if st.SampleCount != 50 {
		t.Errorf("SampleCount = %d, want 50", st.SampleCount)
	}
}

func TestCompensator_CumulativeMeanBeforeCutover(t *testing.T) {
	cfg := DefaultDriftConfig()
	cfg.Threshold = 100 // never activate
	c := newTestCompensator(t, cfg, nil)

	for _, v := range []float64{1, 2, 3, 4} {
		c.Apply(v)
	}
	if st := c.State(); !almostEqual(st.LongTermAverage, 2.5, 1e-12) {
		t.Errorf("LongTermAverage = %v, want 2.5", st.LongTermAverage)
	}
}

func TestCompensator_CounterSaturatesAtCutover(t *testing.T) {
	cfg := DefaultDriftConfig()
	cfg.Threshold = 100
	cfg.Cutover = 5
	c := newTestCompensator(t, cfg, nil)

	for i := 0; i < 5; i++ {
		c.Apply(2)
	}
	if st := c.State(); st.SampleCount != 5 || st.LongTermAverage != 2 {
		t.Fatalf("after cutover: count=%d avg=%v, want 5 and 2", st.SampleCount, st.LongTermAverage)
	}

	// Past the cutover the baseline decays towards new readings.
	c.Apply(3)
	st := c.State()
	if st.SampleCount != 5 {
		t.Errorf("SampleCount = %d, want it to stay at the cutover 5", st.SampleCount)
	}
	want := 2*cfg.Decay + 3*(1-cfg.Decay)
	if !almostEqual(st.LongTermAverage, want, 1e-12) {
		t.Errorf("LongTermAverage = %v, want %v", st.LongTermAverage, want)
	}
}

func TestCompensator_SeedNeverActivates(t *testing.T) {
	fired := 0
	c := newTestCompensator(t, DefaultDriftConfig(), func(Activation) { fired++ })

	for _, v := range []float64{0, 5, -5, 10} {
		c.Seed(v)
	}
	if fired != 0 || c.State().Active {
		t.Errorf("Seed activated compensation (fired=%d)", fired)
	}
	if got := c.State().SampleCount; got != 4 {
		t.Errorf("SampleCount after seeding = %d, want 4", got)
	}
}

// --- Activation latch ---

// The drift-jump scenario as usually stated starts from avg=1.0 with a zero
// sample count. Because the baseline absorbs the reading before the
// deviation is taken, that literal start gives avg=raw and never activates
// (pinned by TestCompensator_DriftJump_EmptyCounterAbsorbsJump). This case
// instead holds 1.0 for the full cutover so the baseline is in its decay
// regime, then applies a 3 g jump: the deviation exceeds the 2 g threshold,
// one activation fires, and the first offset step is -deviation * rate
// (-0.00014985, i.e. about -0.00015).
func TestCompensator_DriftJump_ActivatesOnceWithFirstStep(t *testing.T) {
	var events []Activation
	c := newTestCompensator(t, DefaultDriftConfig(), func(a Activation) { events = append(events, a) })
	feedConstant(t, c, 1.0, DefaultCutover)

	out := c.Apply(1.003)

	if len(events) != 1 {
		t.Fatalf("activation events = %d, want 1", len(events))
	}
	ev := events[0]
	// Baseline absorbs the reading first: 1.0*0.999 + 1.003*0.001.
	if !almostEqual(ev.Baseline, 1.000003, 1e-12) {
		t.Errorf("Baseline = %v, want 1.000003", ev.Baseline)
	}
	if !almostEqual(ev.Deviation, 0.002997, 1e-12) {
		t.Errorf("Deviation = %v, want 0.002997", ev.Deviation)
	}

	st := c.State()
	if !st.Active {
		t.Fatal("Active = false after threshold breach")
	}
	if want := -ev.Deviation * DefaultCompensationRate; !almostEqual(st.Offset, want, 1e-15) {
		t.Errorf("Offset = %v, want %v", st.Offset, want)
	}
	if !almostEqual(st.Offset, -0.00014985, 1e-12) {
		t.Errorf("Offset = %v, want -0.00014985", st.Offset)
	}
	if !almostEqual(out, 1.003+st.Offset, 1e-15) {
		t.Errorf("Apply() = %v, want raw + offset = %v", out, 1.003+st.Offset)
	}
}

// avg=1.0 with a zero counter: the cumulative rule replaces the baseline with
// the first reading, so the deviation is zero and nothing activates.
func TestCompensator_DriftJump_EmptyCounterAbsorbsJump(t *testing.T) {
	fired := 0
	c := newTestCompensator(t, DefaultDriftConfig(), func(Activation) { fired++ })
	c.avg = 1.0

	out := c.Apply(1.003)

	st := c.State()
	if fired != 0 || st.Active {
		t.Fatalf("activation fired=%d active=%v, want none", fired, st.Active)
	}
	if st.LongTermAverage != 1.003 || st.SampleCount != 1 {
		t.Errorf("baseline avg=%v count=%d, want 1.003 and 1", st.LongTermAverage, st.SampleCount)
	}
	if st.Offset != 0 || out != 1.003 {
		t.Errorf("offset=%v out=%v, want 0 and the raw reading", st.Offset, out)
	}
}

func TestCompensator_ActivationFiresExactlyOnce(t *testing.T) {
	fired := 0
	c := newTestCompensator(t, DefaultDriftConfig(), func(Activation) { fired++ })
	feedConstant(t, c, 1.0, 100)

	for i := 0; i < 20; i++ {
		c.Apply(1.5)
		c.Apply(0.5)
	}
	if fired != 1 {
		t.Errorf("activation callback fired %d times, want 1", fired)
	}
}

func TestCompensator_LatchNeverReleases(t *testing.T) {
	c := newTestCompensator(t, DefaultDriftConfig(), nil)
	feedConstant(t, c, 1.0, 100)
	c.Apply(1.1)

	for i := 0; i < 5000; i++ {
		c.Apply(1.0)
	}
	if !c.State().Active {
		t.Error("compensation deactivated after the signal returned to baseline")
	}
}

// --- Clamp ---

func TestCompensator_OffsetHardClampsToLimit(t *testing.T) {
	c := newTestCompensator(t, DefaultDriftConfig(), nil)
	feedConstant(t, c, 1.0, 100)

	for i := 0; i < 10; i++ {
		c.Apply(1.5)
	}
	st := c.State()
	if st.Offset != -DefaultClampLimit {
		t.Errorf("Offset = %v, want exactly %v", st.Offset, -DefaultClampLimit)
	}
	if !c.Saturated() {
		t.Error("Saturated() = false with the offset at the clamp limit")
	}
}

func TestCompensator_OffsetNeverExceedsClamp_RandomWalks(t *testing.T) {
	cfg := DefaultDriftConfig()
	cfg.Cutover = 50

	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		c := newTestCompensator(t, cfg, nil)

		x := rng.Float64() * 5
		step := math.Pow(10, -1-3*rng.Float64()) // 0.1 .. 0.0001
		for i := 0; i < 5000; i++ {
			x += (rng.Float64()*2 - 1) * step
			c.Apply(x)
			if off := c.State().Offset; math.Abs(off) > cfg.ClampLimit {
				t.Fatalf("seed %d step %d: |offset| = %v exceeds clamp %v", seed, i, math.Abs(off), cfg.ClampLimit)
			}
		}
	}
}

// --- Determinism ---

func TestCompensator_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	inputs := make([]float64, 3000)
	x := 0.75
	for i := range inputs {
		x += (rng.Float64()*2 - 1) * 0.003
		inputs[i] = x
	}

	a := newTestCompensator(t, DefaultDriftConfig(), nil)
	b := newTestCompensator(t, DefaultDriftConfig(), nil)
	for i, v := range inputs {
		outA, outB := a.Apply(v), b.Apply(v)
		if outA != outB || a.State() != b.State() {
			t.Fatalf("step %d: trajectories diverged: %+v vs %+v", i, a.State(), b.State())
		}
	}
}

// --- Validation ---

func TestDriftConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DriftConfig)
	}{
		{"zero threshold", func(c *DriftConfig) { c.Threshold = 0 }},
		{"negative rate", func(c *DriftConfig) { c.Rate = -0.1 }},
		{"zero clamp", func(c *DriftConfig) { c.ClampLimit = 0 }},
		{"NaN clamp", func(c *DriftConfig) { c.ClampLimit = math.NaN() }},
		{"zero cutover", func(c *DriftConfig) { c.Cutover = 0 }},
		{"decay of one", func(c *DriftConfig) { c.Decay = 1 }},
		{"zero decay", func(c *DriftConfig) { c.Decay = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultDriftConfig()
			tc.mutate(&cfg)
			_, err := NewCompensator(cfg, nil)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewCompensator() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if err := DefaultDriftConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
