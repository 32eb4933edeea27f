package run

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/ecoscale/ecoscale/agent/internal/compute"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogReporter_OffsetEveryNthSample(t *testing.T) {
	var buf bytes.Buffer
	rep := NewLogReporter(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	for done := 1; done <= 2*OffsetLogEvery; done++ {
		rep.Report(Event{
			Kind: EventSample, RunID: "r", Phase: PhaseRecording,
			Reading: 0.5, Done: done, Target: 500,
			Drift: compute.DriftState{Offset: -0.003, Active: true},
		})
	}

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("info records: got %d, want 2", len(lines))
	}
	for i, m := range lines {
		if m["msg"] != "run: recording" {
			t.Errorf("line %d msg: got %v", i, m["msg"])
		}
		if m["done"] != float64((i+1)*OffsetLogEvery) {
			t.Errorf("line %d done: got %v", i, m["done"])
		}
		if m["offset"] != -0.003 || m["compensating"] != true {
			t.Errorf("line %d drift attrs: got offset=%v compensating=%v", i, m["offset"], m["compensating"])
		}
	}
}

func TestLogReporter_UndefinedRatioWarns(t *testing.T) {
	var buf bytes.Buffer
	rep := NewLogReporter(slog.New(slog.NewJSONHandler(&buf, nil)))

	rep.Report(Event{Kind: EventCompleted, RunID: "r", Phase: PhaseDone, Report: &compute.Report{Count: 5}})

	var msgs []string
	for _, m := range decodeLines(t, &buf) {
		msgs = append(msgs, m["msg"].(string))
	}
	if len(msgs) != 2 || msgs[0] != "run: average is zero, stability ratio undefined" || msgs[1] != "run: completed" {
		t.Errorf("messages: got %v", msgs)
	}
}
