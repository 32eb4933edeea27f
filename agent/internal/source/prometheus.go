package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/ecoscale/ecoscale/agent/internal/config"
	"github.com/ecoscale/ecoscale/agent/internal/security"
)

// PrometheusSource polls an exposition endpoint, for example a load cell
// exporter, and reads one gauge per poll.
type PrometheusSource struct {
	cfg    config.PrometheusSource
	client *http.Client
	box    mailbox

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPrometheus starts polling cfg.Endpoint every cfg.PollInterval until ctx
// is cancelled or Close is called.
func NewPrometheus(ctx context.Context, cfg config.PrometheusSource) (*PrometheusSource, error) {
	client, err := security.NewHTTPClient(cfg.Auth, cfg.TLS, cfg.PollInterval*10)
	if err != nil {
		return nil, fmt.Errorf("source: prometheus %q: build http client: %w", cfg.Endpoint, err)
	}
	return startPrometheus(ctx, cfg, client), nil
}

func startPrometheus(ctx context.Context, cfg config.PrometheusSource, client *http.Client) *PrometheusSource {
	ctx, cancel := context.WithCancel(ctx)
	s := &PrometheusSource{
		cfg:    cfg,
		client: client,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

func (s *PrometheusSource) loop(ctx context.Context) {
	defer close(s.done)

	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()

	failing := false
	for {
		v, err := s.poll(ctx)
		switch {
		case err == nil:
			if failing {
				slog.Info("source: prometheus recovered", "endpoint", s.cfg.Endpoint)
			}
			failing = false
			s.box.put(v)
		case ctx.Err() != nil:
			return
		case !failing:
			failing = true
			slog.Warn("source: prometheus fetch failed", "endpoint", s.cfg.Endpoint, "err", err)
		default:
			slog.Debug("source: prometheus still failing", "endpoint", s.cfg.Endpoint, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *PrometheusSource) poll(ctx context.Context) (float64, error) {
	mfs, err := fetchMetrics(ctx, s.client, s.cfg.Endpoint)
	if err != nil {
		return 0, err
	}
	return pickValue(mfs[s.cfg.Metric], s.cfg.Labels)
}

// TryRead implements Source.
func (s *PrometheusSource) TryRead() (float64, bool) { return s.box.take() }

// Stats returns mailbox counters.
func (s *PrometheusSource) Stats() Stats { return s.box.snapshot() }

// Close stops polling and waits for the poll loop to exit.
func (s *PrometheusSource) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// pickValue returns the value of the first gauge or untyped series in mf
// carrying every label in want.
func pickValue(mf *dto.MetricFamily, want map[string]string) (float64, error) {
	if mf == nil {
		return 0, errors.New("metric not present in scrape")
	}
	for _, m := range mf.GetMetric() {
		if !hasLabels(m, want) {
			continue
		}
		var v float64
		switch {
		case m.Gauge != nil:
			v = m.Gauge.GetValue()
		case m.Untyped != nil:
			v = m.Untyped.GetValue()
		default:
			return 0, fmt.Errorf("metric %q is %s, want gauge or untyped", mf.GetName(), mf.GetType())
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("metric %q: %w", mf.GetName(), errNotFinite)
		}
		return v, nil
	}
	return 0, fmt.Errorf("no series of %q matches labels %v", mf.GetName(), want)
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	if len(want) == 0 {
		return true
	}
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
