package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ecoscale/ecoscale/pkg/types"
	"github.com/ecoscale/ecoscale/server/internal/alerts"
	"github.com/ecoscale/ecoscale/server/internal/api"
	"github.com/ecoscale/ecoscale/server/internal/auth"
	"github.com/ecoscale/ecoscale/server/internal/config"
	"github.com/ecoscale/ecoscale/server/internal/receiver"
	"github.com/ecoscale/ecoscale/server/internal/store"
	"github.com/ecoscale/ecoscale/server/internal/ws"
)

const shutdownTimeout = 5 * time.Second

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

	slog.Info("ecoscale-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	s := cfg.Server

	slog.Info("config loaded",
		"http_port", s.HTTPPort,
		"mqtt_broker", s.MQTT.Broker,
		"mqtt_topic", s.MQTT.Topic,
		"auth_mode", s.Auth.Mode,
		"snapshot_ttl", s.Snapshot.TTL,
		"max_reports", s.History.MaxReports,
		"alert_rules", len(s.Alerts.Rules),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := store.New(s.Snapshot.TTL, s.History.MaxReports)
	go st.Run(ctx)

	alertEngine := alerts.New(s.Alerts)

	hub := ws.New(st, alertEngine, s.BroadcastInterval)
	go hub.Run(ctx)

	rec := receiver.New(st, alertEngine)
	rec.OnEvent(func(ev *types.Event) {
		switch ev.Kind {
		case types.KindCompleted, types.KindAborted, types.KindStabilized:
			hub.Notify()
		}
	})

	if s.MQTT.Broker != "" {
		if err := rec.Subscribe(s.MQTT); err != nil {
			slog.Error("failed to subscribe to agent events", "broker", s.MQTT.Broker, "err", err)
			os.Exit(1)
		}
		defer rec.Close()
	} else {
		slog.Warn("no mqtt broker configured, accepting events over HTTP only")
	}

	requireKey := auth.APIKeyMiddleware(s.Auth.Mode, s.Auth.EffectiveHeader(), s.Auth.Key())

	mux := http.NewServeMux()
	mux.Handle("/api/", requireKey(api.New(st, alertEngine)))
	mux.Handle("/api/v1/events", requireKey(rec))
	mux.Handle("/ws/stream", requireKey(hub))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"status":   "ok",
			"devices":  st.Count(),
			"clients":  hub.Count(),
			"received": rec.Stats(),
		})
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", s.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("ecoscale-server shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "err", err)
	}
	alertEngine.Wait()
}
