package api

import (
	"fmt"
	"sort"

	"github.com/ecoscale/ecoscale/pkg/types"
)

// lowThroughput is the readings-per-second rate below which a run is flagged.
// An HX711 load cell delivers about 10 readings per second.
const lowThroughput = 5.0

// DiagnosticHint is one human-readable insight about a device's last run.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical".
	Level string `json:"level"`
	// Title is a short label.
	Title string `json:"title"`
	// Detail is the full explanation.
	Detail string `json:"detail"`
	// Value is an optional number behind the hint (e.g. the stability ratio).
	Value *float64 `json:"value,omitempty"`
}

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2, "ok": 3}

// computeDiagnostics derives hints from a device status and its last report,
// ordered critical first, then warnings, then info.
func computeDiagnostics(st types.DeviceStatus) []DiagnosticHint {
	var hints []DiagnosticHint

	switch {
	case st.LastKind == types.KindAborted:
		hints = append(hints, DiagnosticHint{
			Key:   "run_aborted",
			Level: "warning",
			Title: "Run aborted",
			Detail: "The last run was stopped before it recorded every sample, either because the " +
				"agent was interrupted or because the reading never settled within the stabilize " +
				"timeout. Check that a load is on the scale and that nothing is touching it.",
		})
	case st.Phase == "waiting_stable" && st.LastKind == types.KindLowWeight:
		hints = append(hints, DiagnosticHint{
			Key:   "scale_empty",
			Level: "info",
			Title: "Scale is empty",
			Detail: "The reading is steady but below the minimum weight floor, so the agent " +
				"keeps waiting. Place the load on the scale to start recording.",
		})
	case st.Phase == "warming_up" || st.Phase == "waiting_stable" || st.Phase == "recording":
		hints = append(hints, DiagnosticHint{
			Key:    "run_in_progress",
			Level:  "info",
			Title:  "Run in progress",
			Detail: fmt.Sprintf("The device is %s (%d of %d samples recorded).", phaseLabel(st.Phase), st.Done, st.Target),
		})
	}

	if rep := st.LastReport; rep != nil {
		hints = append(hints, reportHints(rep)...)
	}

	sort.SliceStable(hints, func(i, j int) bool {
		return levelRank[hints[i].Level] < levelRank[hints[j].Level]
	})
	return hints
}

// reportHints grades a completed run.
func reportHints(rep *types.Report) []DiagnosticHint {
	var hints []DiagnosticHint

	if rep.StabilityRatio == nil {
		hints = append(hints, DiagnosticHint{
			Key:   "ratio_undefined",
			Level: "warning",
			Title: "Stability undefined",
			Detail: "The run average was zero, so the stability ratio (max deviation over " +
				"average) cannot be computed. This usually means the run was recorded on an " +
				"empty or tared scale.",
		})
	} else {
		ratio := *rep.StabilityRatio
		var level, detail string
		switch rep.Verdict {
		case "excellent":
			level = "ok"
			detail = "Every reading stayed within 0.1% of the average. The scale is fully settled."
		case "good":
			level = "ok"
			detail = "Readings stayed within 0.5% of the average."
		case "acceptable":
			level = "warning"
			detail = "Readings wandered up to 1% from the average. Look for vibration, air " +
				"currents or a load that is still settling."
		default:
			level = "critical"
			detail = "Readings deviated by 1% or more from the average. The measurement is not " +
				"trustworthy; check the mounting and the load cell wiring."
		}
		hints = append(hints, DiagnosticHint{
			Key:    "verdict",
			Level:  level,
			Title:  fmt.Sprintf("%s (%.3f%%)", rep.Verdict, ratio),
			Detail: detail,
			Value:  &ratio,
		})
	}

	if rep.Compensation.Saturated {
		off := rep.Compensation.Offset
		hints = append(hints, DiagnosticHint{
			Key:   "drift_saturated",
			Level: "warning",
			Title: "Drift at clamp limit",
			Detail: fmt.Sprintf(
				"Drift compensation hit its clamp limit (offset %.4f). The baseline moved further "+
					"than the compensator is allowed to correct, so later readings may still carry "+
					"drift. Re-tare the scale or let it warm up longer.", off),
			Value: &off,
		})
	} else if rep.Compensation.Active {
		off := rep.Compensation.Offset
		hints = append(hints, DiagnosticHint{
			Key:    "drift_active",
			Level:  "info",
			Title:  "Drift compensated",
			Detail: fmt.Sprintf("Drift compensation was active with an offset of %.4f.", off),
			Value:  &off,
		})
	}

	if rep.Throughput > 0 && rep.Throughput < lowThroughput {
		tp := rep.Throughput
		hints = append(hints, DiagnosticHint{
			Key:   "low_throughput",
			Level: "warning",
			Title: fmt.Sprintf("%.1f readings/s", tp),
			Detail: fmt.Sprintf(
				"Only %.1f readings per second arrived during recording. The sensor or its "+
					"transport is dropping readings; the run took %.0f s.", tp, rep.ElapsedSeconds),
			Value: &tp,
		})
	}

	return hints
}

func phaseLabel(p string) string {
	switch p {
	case "warming_up":
		return "warming up"
	case "waiting_stable":
		return "waiting for a stable reading"
	default:
		return "recording"
	}
}
