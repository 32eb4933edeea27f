package source

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ecoscale/ecoscale/agent/internal/config"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttSubscribeTimeout  = 10 * time.Second
	mqttDisconnectQuiesce = 250
)

// MQTTSource receives readings published on an MQTT topic.
type MQTTSource struct {
	cfg    config.MQTTSource
	scale  float64
	client mqtt.Client
	box    mailbox

	subscribed chan error
}

// NewMQTT connects to the broker and subscribes to cfg.Topic. The
// subscription is restored on every reconnect.
func NewMQTT(cfg config.MQTTSource) (*MQTTSource, error) {
	s := &MQTTSource{
		cfg:        cfg,
		scale:      cfg.Scale,
		subscribed: make(chan error, 1),
	}
	if s.scale == 0 {
		s.scale = 1
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("source: mqtt connection lost, will reconnect", "broker", cfg.Broker, "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password())
	}

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("source: mqtt connect %s: %w", cfg.Broker, token.Error())
	}

	select {
	case err := <-s.subscribed:
		if err != nil {
			s.client.Disconnect(mqttDisconnectQuiesce)
			return nil, err
		}
	case <-time.After(mqttSubscribeTimeout):
		s.client.Disconnect(mqttDisconnectQuiesce)
		return nil, errors.New("source: mqtt subscribe timed out")
	}

	slog.Info("source: mqtt subscribed", "broker", cfg.Broker, "topic", cfg.Topic)
	return s, nil
}

func (s *MQTTSource) onConnect(c mqtt.Client) {
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handle)
	go func() {
		token.Wait()
		err := token.Error()
		if err != nil {
			err = fmt.Errorf("source: mqtt subscribe %q: %w", s.cfg.Topic, err)
			slog.Error("source: mqtt subscribe failed", "topic", s.cfg.Topic, "err", err)
		}
		// Only the first result is awaited by NewMQTT.
		select {
		case s.subscribed <- err:
		default:
		}
	}()
}

func (s *MQTTSource) handle(_ mqtt.Client, msg mqtt.Message) {
	v, err := decodeReading(msg.Payload())
	if err != nil {
		slog.Warn("source: dropping malformed reading",
			"topic", msg.Topic(), "payload", string(msg.Payload()), "err", err)
		return
	}
	s.box.put(v * s.scale)
}

// TryRead implements Source.
func (s *MQTTSource) TryRead() (float64, bool) { return s.box.take() }

// Stats returns mailbox counters.
func (s *MQTTSource) Stats() Stats { return s.box.snapshot() }

// Close disconnects from the broker.
func (s *MQTTSource) Close() error {
	s.client.Disconnect(mqttDisconnectQuiesce)
	return nil
}
