package shipper

import (
	"github.com/ecoscale/ecoscale/agent/internal/compute"
	"github.com/ecoscale/ecoscale/agent/internal/run"
	"github.com/ecoscale/ecoscale/pkg/types"
)

// toWire converts a run event into the JSON wire event for device.
func toWire(device string, ev run.Event) *types.Event {
	w := &types.Event{
		DeviceID:  device,
		RunID:     ev.RunID,
		Kind:      string(ev.Kind),
		Phase:     string(ev.Phase),
		Timestamp: ev.Time.UTC(),
		Raw:       ev.Raw,
		Reading:   ev.Reading,
		Drift: types.Drift{
			Baseline:    ev.Drift.LongTermAverage,
			SampleCount: ev.Drift.SampleCount,
			Offset:      ev.Drift.Offset,
			Active:      ev.Drift.Active,
		},
		Done:   ev.Done,
		Target: ev.Target,
		Reason: ev.Reason,
	}
	if c := ev.Check; c != nil {
		w.Check = &types.WindowCheck{
			Mean:         c.Mean,
			MaxDeviation: c.MaxDeviation,
			Status:       c.Status.String(),
		}
	}
	if r := ev.Report; r != nil {
		w.Report = reportToWire(r)
	}
	return w
}

func reportToWire(r *compute.Report) *types.Report {
	out := &types.Report{
		Count:            r.Count,
		Average:          r.Average,
		Min:              r.Min,
		Max:              r.Max,
		Range:            r.Range,
		MeanAbsDeviation: r.MeanAbsDeviation,
		MaxDeviation:     r.MaxDeviation,
		MinDeviation:     r.MinDeviation,
		StdDev:           r.StdDev,
		ElapsedSeconds:   r.Elapsed.Seconds(),
		Throughput:       r.Throughput,
		Verdict:          string(r.Verdict),
		Compensation: types.Compensation{
			Active:      r.Compensation.Active,
			Offset:      r.Compensation.Offset,
			SampleCount: r.Compensation.SampleCount,
			Saturated:   r.Compensation.Saturated,
			Improvement: r.Compensation.Improvement,
		},
	}
	if r.StabilityDefined {
		ratio := r.StabilityRatio
		out.StabilityRatio = &ratio
	}
	return out
}
