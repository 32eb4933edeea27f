package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ecoscale/ecoscale/agent/internal/config"
	"github.com/ecoscale/ecoscale/agent/internal/metrics"
	"github.com/ecoscale/ecoscale/agent/internal/run"
	"github.com/ecoscale/ecoscale/agent/internal/security"
	"github.com/ecoscale/ecoscale/agent/internal/shipper"
	"github.com/ecoscale/ecoscale/agent/internal/source"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level: debug | info | warn | error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("ecoscale-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	a := cfg.Agent
	slog.Info("config loaded",
		"device_id", a.DeviceID,
		"source", a.Source.Type,
		"sample_count", a.Run.SampleCount,
		"tick_interval", a.TickInterval,
		"stabilize_timeout", a.StabilizeTimeout,
		"repeat", a.Repeat,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Run parameters reload at the next run; the source and publish targets
	// are fixed for the life of the process.
	holder := config.NewHolder(cfg)
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			holder.Store(updated)
			slog.Info("config hot-reloaded, applies to the next run",
				"sample_count", updated.Agent.Run.SampleCount,
				"repeat", updated.Agent.Repeat)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	checkCerts(ctx, a)

	src, err := source.New(ctx, a.Source)
	if err != nil {
		slog.Error("failed to start source", "type", a.Source.Type, "err", err)
		os.Exit(1)
	}
	defer src.Close()

	// Validate the submitter before connecting to the broker.
	var submitter *shipper.HTTPSubmitter
	if a.Publish.HTTP.Enabled() {
		if submitter, err = shipper.NewHTTPSubmitter(a.Publish.HTTP); err != nil {
			slog.Error("failed to build http submitter", "err", err)
			os.Exit(1)
		}
	}
	var pubs []shipper.Publisher
	if a.Publish.MQTT.Enabled() {
		p, err := shipper.NewMQTTPublisher(a.Publish.MQTT, a.DeviceID)
		if err != nil {
			slog.Error("failed to connect mqtt publisher", "err", err)
			os.Exit(1)
		}
		pubs = append(pubs, p)
	}
	if submitter != nil {
		pubs = append(pubs, submitter)
	}

	// The shipper outlives the run context so the final report is flushed
	// after the last run ends.
	ship := shipper.New(a.DeviceID, a.Publish.BufferSize, pubs...)
	shipCtx, stopShip := context.WithCancel(context.Background())
	var shipWG sync.WaitGroup
	shipWG.Add(1)
	go func() {
		defer shipWG.Done()
		ship.Run(shipCtx)
	}()

	m := metrics.New(a.DeviceID)
	var phase atomic.Value
	phase.Store(run.PhaseWarmingUp)

	reporters := run.Reporters{
		run.NewLogReporter(logger),
		m,
		run.ReporterFunc(func(ev run.Event) { phase.Store(ev.Phase) }),
	}
	if len(pubs) > 0 {
		reporters = append(reporters, ship)
	}

	var httpSrv *http.Server
	if a.HTTP.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"status":         "ok",
				"device_id":      a.DeviceID,
				"phase":          phase.Load(),
				"pending_events": ship.Pending(),
				"config_reloads": holder.Generation(),
			})
		})
		httpSrv = &http.Server{Addr: a.HTTP.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			slog.Info("HTTP server listening", "addr", a.HTTP.Listen)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP server stopped", "err", err)
			}
		}()
	}

	code := runLoop(ctx, holder, src, reporters)

	slog.Info("ecoscale-agent shutting down", "pending_events", ship.Pending())
	stopShip()
	shipWG.Wait()
	ship.Close()
	if httpSrv != nil {
		httpSrv.Shutdown(context.Background()) //nolint:errcheck
	}
	if code != 0 {
		src.Close()
		os.Exit(code)
	}
}

// runLoop performs runs until one finishes without repeat, or ctx ends.
// It returns the process exit code.
func runLoop(ctx context.Context, holder *config.Holder, src run.Source, rep run.Reporter) int {
	for runs := 1; ; runs++ {
		a := holder.Load().Agent

		o, err := run.New(a.Run.Orchestrator(), src, rep)
		if err != nil {
			slog.Error("invalid run parameters", "err", err)
			return 1
		}
		slog.Info("run starting", "run", runs, "run_id", o.RunID(), "phase", string(o.Phase()))

		_, err = o.Run(ctx, a.TickInterval, a.StabilizeTimeout)
		switch {
		case err == nil:
		case errors.Is(err, run.ErrStabilizeTimeout):
			slog.Warn("no stable load detected, run abandoned",
				"run_id", o.RunID(), "timeout", a.StabilizeTimeout)
			if !a.Repeat {
				return 2
			}
		case errors.Is(err, run.ErrInterrupted):
			return 0
		default:
			slog.Error("run failed", "run_id", o.RunID(), "err", err)
			return 1
		}

		if !holder.Load().Agent.Repeat || ctx.Err() != nil {
			return 0
		}
	}
}

// checkCerts logs the certificate state of configured https endpoints.
func checkCerts(ctx context.Context, a config.AgentConfig) {
	endpoints := map[string]config.TLSConfig{}
	if a.Source.Type == config.SourcePrometheus {
		endpoints[a.Source.Prometheus.Endpoint] = a.Source.Prometheus.TLS
	}
	if a.Publish.HTTP.Enabled() {
		endpoints[a.Publish.HTTP.Endpoint] = config.TLSConfig{}
	}
	for ep, tlsOpts := range endpoints {
		cs := security.Check(ctx, ep, tlsOpts)
		if cs == nil {
			continue
		}
		switch cs.Status {
		case security.CertValid:
			slog.Info("certificate ok", "endpoint", ep, "days_left", cs.DaysLeft, "issuer", cs.Issuer)
		default:
			slog.Warn("certificate problem", "endpoint", ep, "status", cs.Status, "days_left", cs.DaysLeft)
		}
	}
}
