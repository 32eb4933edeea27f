package run

import "log/slog"

// OffsetLogEvery is how often (in recorded samples) the log reporter prints
// the compensation offset at info level.
const OffsetLogEvery = 50

// LogReporter writes run events to a structured logger.
type LogReporter struct {
	log *slog.Logger
}

// NewLogReporter returns a reporter logging to l, or to slog.Default() when
// l is nil.
func NewLogReporter(l *slog.Logger) *LogReporter {
	if l == nil {
		l = slog.Default()
	}
	return &LogReporter{log: l}
}

// Report implements Reporter.
func (r *LogReporter) Report(ev Event) {
	l := r.log.With("run_id", ev.RunID, "phase", string(ev.Phase))

	switch ev.Kind {
	case EventWarmedUp:
		l.Info("run: drift baseline seeded",
			"readings", ev.Done, "baseline", ev.Drift.LongTermAverage)

	case EventDriftActivated:
		if a := ev.Activation; a != nil {
			l.Warn("run: drift compensation activated",
				"raw", a.Raw, "baseline", a.Baseline, "deviation", a.Deviation)
		}

	case EventLowWeight:
		l.Warn("run: reading below minimum weight, waiting for a load",
			"reading", ev.Reading)

	case EventStabilizeCheck:
		if c := ev.Check; c != nil {
			l.Debug("run: window not stable yet",
				"mean", c.Mean, "max_deviation", c.MaxDeviation, "status", c.Status.String())
		}

	case EventStabilized:
		attrs := []any{"target", ev.Target}
		if c := ev.Check; c != nil {
			attrs = append(attrs, "mean", c.Mean, "max_deviation", c.MaxDeviation)
		}
		l.Info("run: signal stable, recording", attrs...)

	case EventSample:
		if ev.Done%OffsetLogEvery == 0 {
			l.Info("run: recording",
				"done", ev.Done, "target", ev.Target, "reading", ev.Reading,
				"offset", ev.Drift.Offset, "compensating", ev.Drift.Active)
			return
		}
		l.Debug("run: sample", "done", ev.Done, "target", ev.Target, "reading", ev.Reading)

	case EventCompleted:
		rep := ev.Report
		if rep == nil {
			return
		}
		attrs := []any{
			"count", rep.Count,
			"average", rep.Average,
			"min", rep.Min,
			"max", rep.Max,
			"mean_abs_deviation", rep.MeanAbsDeviation,
			"max_deviation", rep.MaxDeviation,
			"std_dev", rep.StdDev,
			"elapsed", rep.Elapsed.String(),
			"throughput", rep.Throughput,
			"verdict", string(rep.Verdict),
			"compensation_active", rep.Compensation.Active,
			"compensation_offset", rep.Compensation.Offset,
		}
		if rep.StabilityDefined {
			attrs = append(attrs, "stability_ratio", rep.StabilityRatio)
		} else {
			l.Warn("run: average is zero, stability ratio undefined")
		}
		l.Info("run: completed", attrs...)

	case EventAborted:
		l.Warn("run: aborted", "reason", ev.Reason)
	}
}
