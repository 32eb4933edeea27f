package receiver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ecoscale/ecoscale/pkg/types"
	"github.com/ecoscale/ecoscale/server/internal/alerts"
	"github.com/ecoscale/ecoscale/server/internal/config"
	"github.com/ecoscale/ecoscale/server/internal/store"
)

// ErrMissingDevice is returned for events without a device_id.
var ErrMissingDevice = errors.New("device_id is required")

const (
	maxBodyBytes          = 1 << 20
	mqttConnectTimeout    = 10 * time.Second
	mqttDisconnectQuiesce = 250
)

// Stats counts handled payloads.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// Receiver validates incoming run events, stores them and evaluates alert
// rules on completed runs. Events arrive over MQTT (Subscribe) or as HTTP
// POSTs (ServeHTTP).
type Receiver struct {
	store  *store.Store
	alerts *alerts.Engine
	client mqtt.Client
	hooks  []func(*types.Event)

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// New creates a Receiver that writes accepted events to st. eng may be nil.
func New(st *store.Store, eng *alerts.Engine) *Receiver {
	return &Receiver{store: st, alerts: eng}
}

// OnEvent registers fn to run after every accepted event. Register hooks
// before Subscribe or serving HTTP.
func (r *Receiver) OnEvent(fn func(*types.Event)) {
	r.hooks = append(r.hooks, fn)
}

// Handle decodes one JSON event and applies it.
func (r *Receiver) Handle(payload []byte) error {
	var ev types.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.rejected.Add(1)
		return fmt.Errorf("decode event: %w", err)
	}
	if ev.DeviceID == "" {
		r.rejected.Add(1)
		return ErrMissingDevice
	}

	r.store.Apply(&ev)
	r.accepted.Add(1)

	if ev.Kind == types.KindCompleted && ev.Report != nil {
		slog.Info("receiver: run completed",
			"device", ev.DeviceID,
			"run_id", ev.RunID,
			"verdict", ev.Report.Verdict,
			"average", ev.Report.Average,
		)
		if r.alerts != nil {
			r.alerts.Evaluate(ev.DeviceID, ev.RunID, ev.Report)
		}
	} else {
		slog.Debug("receiver: event stored",
			"device", ev.DeviceID,
			"kind", ev.Kind,
			"phase", ev.Phase,
		)
	}
	for _, fn := range r.hooks {
		fn(&ev)
	}
	return nil
}

// Stats returns the accepted/rejected counters.
func (r *Receiver) Stats() Stats {
	return Stats{Accepted: r.accepted.Load(), Rejected: r.rejected.Load()}
}

// ServeHTTP accepts a single event via POST.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}
	if err := r.Handle(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// Subscribe connects to the broker and subscribes to cfg.Topic. The
// subscription is restored on every reconnect.
func (r *Receiver) Subscribe(cfg config.MQTTConfig) error {
	subscribed := make(chan error, 1)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(cfg.Topic, cfg.QoS, r.onMessage)
			go func() {
				token.Wait()
				err := token.Error()
				if err != nil {
					slog.Error("receiver: mqtt subscribe failed", "topic", cfg.Topic, "err", err)
				}
				select {
				case subscribed <- err:
				default:
				}
			}()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("receiver: mqtt connection lost, will reconnect", "broker", cfg.Broker, "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password())
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("receiver: mqtt connect %s: %w", cfg.Broker, token.Error())
	}

	select {
	case err := <-subscribed:
		if err != nil {
			client.Disconnect(mqttDisconnectQuiesce)
			return fmt.Errorf("receiver: mqtt subscribe %q: %w", cfg.Topic, err)
		}
	case <-time.After(mqttConnectTimeout):
		client.Disconnect(mqttDisconnectQuiesce)
		return errors.New("receiver: mqtt subscribe timed out")
	}

	r.client = client
	slog.Info("receiver: mqtt subscribed", "broker", cfg.Broker, "topic", cfg.Topic)
	return nil
}

func (r *Receiver) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if err := r.Handle(msg.Payload()); err != nil {
		slog.Warn("receiver: dropping event", "topic", msg.Topic(), "err", err)
	}
}

// Close disconnects from the broker if Subscribe succeeded.
func (r *Receiver) Close() {
	if r.client != nil {
		r.client.Disconnect(mqttDisconnectQuiesce)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
