package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ecoscale/ecoscale/agent/internal/config"
)

// loadcellMetrics is a load cell exporter exposition with two channels.
const loadcellMetrics = `
# HELP loadcell_weight_kg Current load cell reading.
# TYPE loadcell_weight_kg gauge
loadcell_weight_kg{channel="a",device="scale-01"} 0.5012
loadcell_weight_kg{channel="b",device="scale-01"} 1.2500

# HELP loadcell_samples_total Samples taken.
# TYPE loadcell_samples_total counter
loadcell_samples_total 4211
`

func TestParseMetrics_PickValue(t *testing.T) {
	mfs, err := parseMetrics(strings.NewReader(loadcellMetrics))
	if err != nil {
		t.Fatalf("parseMetrics() error = %v", err)
	}

	tests := []struct {
		name    string
		metric  string
		labels  map[string]string
		want    float64
		wantErr bool
	}{
		{"first series", "loadcell_weight_kg", nil, 0.5012, false},
		{"label match", "loadcell_weight_kg", map[string]string{"channel": "b"}, 1.25, false},
		{"two labels", "loadcell_weight_kg", map[string]string{"channel": "a", "device": "scale-01"}, 0.5012, false},
		{"no label match", "loadcell_weight_kg", map[string]string{"channel": "z"}, 0, true},
		{"counter rejected", "loadcell_samples_total", nil, 0, true},
		{"missing metric", "loadcell_temperature", nil, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := pickValue(mfs[tc.metric], tc.labels)
			if (err != nil) != tc.wantErr {
				t.Fatalf("pickValue() error = %v, wantErr %v", err, tc.wantErr)
			}
			if !tc.wantErr && got != tc.want {
				t.Errorf("pickValue() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseMetrics_Untyped(t *testing.T) {
	mfs, err := parseMetrics(strings.NewReader("scale_weight 0.75\n"))
	if err != nil {
		t.Fatal(err)
	}
	if v, err := pickValue(mfs["scale_weight"], nil); err != nil || v != 0.75 {
		t.Errorf("pickValue() = %v, %v, want 0.75", v, err)
	}
}

func TestParseMetrics_NonFiniteRejected(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"untyped NaN", "loadcell_weight NaN\n"},
		{"gauge +Inf", "# TYPE loadcell_weight gauge\nloadcell_weight +Inf\n"},
		{"gauge -Inf", "# TYPE loadcell_weight gauge\nloadcell_weight -Inf\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mfs, err := parseMetrics(strings.NewReader(tc.text))
			if err != nil {
				t.Fatalf("parseMetrics() error = %v", err)
			}
			v, err := pickValue(mfs["loadcell_weight"], nil)
			if !errors.Is(err, errNotFinite) {
				t.Fatalf("pickValue() = %v, %v, want errNotFinite", v, err)
			}
		})
	}
}

func TestParseMetrics_Garbage(t *testing.T) {
	if _, err := parseMetrics(strings.NewReader("{{{ not prometheus")); err == nil {
		t.Error("expected parse error")
	}
}

// waitRead polls TryRead until a reading arrives or the deadline passes.
func waitRead(t *testing.T, s Source, within time.Duration) float64 {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if v, ok := s.TryRead(); ok {
			return v
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no reading within %v", within)
	return 0
}

func TestPrometheusSource_Polls(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(loadcellMetrics))
	}))
	defer srv.Close()

	cfg := config.PrometheusSource{
		Endpoint:     srv.URL,
		Metric:       "loadcell_weight_kg",
		Labels:       map[string]string{"channel": "b"},
		PollInterval: 10 * time.Millisecond,
	}
	s := startPrometheus(context.Background(), cfg, srv.Client())
	defer s.Close()

	if v := waitRead(t, s, 2*time.Second); v != 1.25 {
		t.Errorf("reading = %v, want 1.25", v)
	}
	waitRead(t, s, 2*time.Second)
	if hits.Load() < 2 {
		t.Errorf("endpoint hit %d times, want repeated polling", hits.Load())
	}
}

func TestPrometheusSource_ServerErrorYieldsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.PrometheusSource{Endpoint: srv.URL, Metric: "loadcell_weight_kg", PollInterval: 5 * time.Millisecond}
	s := startPrometheus(context.Background(), cfg, srv.Client())

	time.Sleep(50 * time.Millisecond)
	if _, ok := s.TryRead(); ok {
		t.Error("TryRead() returned a reading from a failing endpoint")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestPrometheusSource_SkipsNaNScrapes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 3 {
			_, _ = w.Write([]byte("loadcell_weight_kg NaN\n"))
			return
		}
		_, _ = w.Write([]byte("loadcell_weight_kg 0.5\n"))
	}))
	defer srv.Close()

	cfg := config.PrometheusSource{Endpoint: srv.URL, Metric: "loadcell_weight_kg", PollInterval: 5 * time.Millisecond}
	s := startPrometheus(context.Background(), cfg, srv.Client())
	defer s.Close()

	if v := waitRead(t, s, 2*time.Second); v != 0.5 {
		t.Errorf("reading = %v, want 0.5 (NaN scrapes must be dropped)", v)
	}
}

func TestPrometheusSource_StopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("loadcell_weight_kg 1\n"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := config.PrometheusSource{Endpoint: srv.URL, Metric: "loadcell_weight_kg", PollInterval: 5 * time.Millisecond}
	s := startPrometheus(ctx, cfg, srv.Client())
	cancel()

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop did not stop after context cancellation")
	}
}

func TestNewPrometheus_WithAuth(t *testing.T) {
	t.Setenv("SCALE_TOKEN", "abc")
	var authorized atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer abc" {
			authorized.Store(true)
		}
		_, _ = w.Write([]byte("loadcell_weight_kg 0.3\n"))
	}))
	defer srv.Close()

	s, err := NewPrometheus(context.Background(), config.PrometheusSource{
		Endpoint:     srv.URL,
		Metric:       "loadcell_weight_kg",
		PollInterval: 10 * time.Millisecond,
		Auth:         config.AuthConfig{Mode: "bearer", TokenEnv: "SCALE_TOKEN"},
	})
	if err != nil {
		t.Fatalf("NewPrometheus() error = %v", err)
	}
	defer s.Close()

	if v := waitRead(t, s, 2*time.Second); v != 0.3 {
		t.Errorf("reading = %v, want 0.3", v)
	}
	if !authorized.Load() {
		t.Error("bearer token not sent")
	}
}
