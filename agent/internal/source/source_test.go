package source

import (
	"context"
	"math"
	"testing"

	"github.com/ecoscale/ecoscale/agent/internal/config"
)

func TestMailbox_NewestWins(t *testing.T) {
	var m mailbox
	if _, ok := m.take(); ok {
		t.Fatal("take() on an empty mailbox returned a reading")
	}

	m.put(1)
	m.put(2)
	v, ok := m.take()
	if !ok || v != 2 {
		t.Errorf("take() = %v, %v, want 2, true", v, ok)
	}
	if _, ok := m.take(); ok {
		t.Error("reading delivered twice")
	}

	st := m.snapshot()
	if st.Received != 2 || st.Overwritten != 1 {
		t.Errorf("stats = %+v, want 2 received, 1 overwritten", st)
	}
}

func TestDecodeReading(t *testing.T) {
	tests := []struct {
		payload string
		want    float64
		wantErr bool
	}{
		{"0.5012", 0.5012, false},
		{"  1.2500\r\n", 1.25, false},
		{"-0.0003", -0.0003, false},
		{`{"weight": 0.75}`, 0.75, false},
		{`{"value": 2}`, 2, false},
		{`{"weight": 0}`, 0, false},
		{"", 0, true},
		{"abc", 0, true},
		{"NaN", 0, true},
		{"+Inf", 0, true},
		{`{"grams": 5}`, 0, true},
		{`{"weight": `, 0, true},
	}
	for _, tc := range tests {
		got, err := decodeReading([]byte(tc.payload))
		if (err != nil) != tc.wantErr {
			t.Errorf("decodeReading(%q) error = %v, wantErr %v", tc.payload, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && got != tc.want {
			t.Errorf("decodeReading(%q) = %v, want %v", tc.payload, got, tc.want)
		}
	}
}

func TestSimulated_RampThenHold(t *testing.T) {
	s := NewSimulated(config.SimulatedSource{Target: 1.0, Settle: 4, ReadyRatio: 1})

	want := []float64{0.25, 0.5, 0.75, 1, 1, 1}
	for i, w := range want {
		v, ok := s.TryRead()
		if !ok {
			t.Fatalf("read %d: no reading with ready_ratio 1", i)
		}
		if math.Abs(v-w) > 1e-12 {
			t.Errorf("read %d = %v, want %v", i, v, w)
		}
	}
}

func TestSimulated_DriftAndNoise(t *testing.T) {
	s := NewSimulated(config.SimulatedSource{Target: 1.0, Noise: 0.001, DriftPerSample: 0.0001, ReadyRatio: 1, Seed: 3})
	for i := 0; i < 100; i++ {
		v, _ := s.TryRead()
		level := 1.0 + 0.0001*float64(i)
		if math.Abs(v-level) > 0.001 {
			t.Fatalf("read %d = %v, more than the noise amplitude from %v", i, v, level)
		}
	}
}

func TestSimulated_Deterministic(t *testing.T) {
	cfg := config.SimulatedSource{Target: 0.5, Settle: 10, Noise: 0.01, ReadyRatio: 0.5, Seed: 42}
	a, b := NewSimulated(cfg), NewSimulated(cfg)
	for i := 0; i < 500; i++ {
		va, oka := a.TryRead()
		vb, okb := b.TryRead()
		if va != vb || oka != okb {
			t.Fatalf("poll %d diverged: (%v,%v) vs (%v,%v)", i, va, oka, vb, okb)
		}
	}
}

func TestSimulated_ReadyRatio(t *testing.T) {
	s := NewSimulated(config.SimulatedSource{Target: 1, ReadyRatio: 0.25, Seed: 7})
	ready := 0
	const polls = 4000
	for i := 0; i < polls; i++ {
		if _, ok := s.TryRead(); ok {
			ready++
		}
	}
	if frac := float64(ready) / polls; frac < 0.2 || frac > 0.3 {
		t.Errorf("ready fraction = %v, want about 0.25", frac)
	}
}

func TestNew_UnknownType(t *testing.T) {
	if _, err := New(context.Background(), config.SourceConfig{Type: "serial"}); err == nil {
		t.Fatal("expected error for an unknown source type")
	}
}

func TestNew_Simulated(t *testing.T) {
	src, err := New(context.Background(), config.SourceConfig{
		Type:      config.SourceSimulated,
		Simulated: config.SimulatedSource{Target: 1, ReadyRatio: 1},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer src.Close()
	if _, ok := src.TryRead(); !ok {
		t.Error("simulated source produced no reading")
	}
}
