package compute

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Verdict is the discrete quality grade of a completed run.
type Verdict string

// Verdicts, best first. VerdictUndefined is returned when the stability
// ratio cannot be computed because the run average is zero.
const (
	VerdictExcellent  Verdict = "excellent"
	VerdictGood       Verdict = "good"
	VerdictAcceptable Verdict = "acceptable"
	VerdictPoor       Verdict = "poor"
	VerdictUndefined  Verdict = "undefined"
)

// Stability ratio thresholds (percent) that map a ratio to a verdict.
const (
	ThresholdExcellent  = 0.1
	ThresholdGood       = 0.5
	ThresholdAcceptable = 1.0
)

// zeroAverage is the |average| below which the stability ratio is undefined.
const zeroAverage = 1e-12

// compensationImprovement is the estimated stability improvement credited to
// an active drift compensator.
const compensationImprovement = 0.30

// Report is the read-only summary of a completed run.
type Report struct {
	Count int

	Average float64
	Min     float64
	Max     float64
	Range   float64

	// MeanAbsDeviation is Σ|x - average| / N.
	MeanAbsDeviation float64
	MaxDeviation     float64
	MinDeviation     float64

	// StdDev is the population standard deviation of the run.
	StdDev float64

	// StabilityRatio is MaxDeviation / Average * 100. It is only meaningful
	// when StabilityDefined is true.
	StabilityRatio   float64
	StabilityDefined bool

	Elapsed    time.Duration
	Throughput float64 // readings per second

	Verdict Verdict

	// Compensation is filled in by the run orchestrator.
	Compensation CompensationSummary
}

// CompensationSummary records the drift compensator state at the end of a run.
type CompensationSummary struct {
	Active      bool
	Offset      float64
	SampleCount int
	Saturated   bool
	Improvement float64 // estimated fractional stability improvement
}

// SummarizeCompensation builds the compensation part of a report.
func SummarizeCompensation(c *Compensator) CompensationSummary {
	st := c.State()
	out := CompensationSummary{
		Active:      st.Active,
		Offset:      st.Offset,
		SampleCount: st.SampleCount,
		Saturated:   c.Saturated(),
	}
	if st.Active {
		out.Improvement = compensationImprovement
	}
	return out
}

// summarize derives the report fields from a full run. samples is not
// modified.
func summarize(samples []float64, sum float64, elapsed time.Duration) *Report {
	n := float64(len(samples))
	avg := sum / n

	var sumDev float64
	maxDev := 0.0
	minDev := math.Inf(1)
	for _, x := range samples {
		dev := math.Abs(x - avg)
		sumDev += dev
		if dev > maxDev {
			maxDev = dev
		}
		if dev < minDev {
			minDev = dev
		}
	}

	lo, hi := floats.Min(samples), floats.Max(samples)
	_, std := stat.PopMeanStdDev(samples, nil)

	r := &Report{
		Count:            len(samples),
		Average:          avg,
		Min:              lo,
		Max:              hi,
		Range:            hi - lo,
		MeanAbsDeviation: sumDev / n,
		MaxDeviation:     maxDev,
		MinDeviation:     minDev,
		StdDev:           std,
		Elapsed:          elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		r.Throughput = n / secs
	}

	if math.Abs(avg) >= zeroAverage {
		r.StabilityRatio = maxDev / avg * 100
		r.StabilityDefined = true
	}
	r.Verdict = verdictFor(r.StabilityRatio, r.StabilityDefined)
	return r
}

// verdictFor maps a stability ratio to a quality verdict.
func verdictFor(ratio float64, defined bool) Verdict {
	if !defined {
		return VerdictUndefined
	}
	switch {
	case ratio < ThresholdExcellent:
		return VerdictExcellent
	case ratio < ThresholdGood:
		return VerdictGood
	case ratio < ThresholdAcceptable:
		return VerdictAcceptable
	default:
		return VerdictPoor
	}
}
