package shipper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ecoscale/ecoscale/agent/internal/config"
	"github.com/ecoscale/ecoscale/pkg/types"
)

// EventsTopic returns the topic a device's events are published on.
func EventsTopic(prefix, device string) string {
	return prefix + "/" + device + "/events"
}

// ReportTopic returns the retained topic holding a device's last report.
func ReportTopic(prefix, device string) string {
	return prefix + "/" + device + "/report"
}

// MQTTPublisher publishes every event as JSON on the device events topic.
// Completed events are also published, retained, on the report topic so a
// late subscriber sees the last result.
type MQTTPublisher struct {
	client mqtt.Client
	events string
	report string
	qos    byte
}

// NewMQTTPublisher connects to cfg.Broker for device.
func NewMQTTPublisher(cfg config.MQTTPublish, device string) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(sendTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("shipper: mqtt connection lost, will reconnect", "broker", cfg.Broker, "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password())
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("shipper: mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	slog.Info("shipper: mqtt connected", "broker", cfg.Broker, "topic", EventsTopic(cfg.TopicPrefix, device))

	return &MQTTPublisher{
		client: client,
		events: EventsTopic(cfg.TopicPrefix, device),
		report: ReportTopic(cfg.TopicPrefix, device),
		qos:    cfg.QoS,
	}, nil
}

// Name implements Publisher.
func (p *MQTTPublisher) Name() string { return "mqtt" }

// Publish implements Publisher.
func (p *MQTTPublisher) Publish(ctx context.Context, ev *types.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Permanent(fmt.Errorf("marshal event: %w", err))
	}
	if err := p.send(ctx, p.events, false, payload); err != nil {
		return err
	}
	if ev.Kind == types.KindCompleted {
		return p.send(ctx, p.report, true, payload)
	}
	return nil
}

func (p *MQTTPublisher) send(ctx context.Context, topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
}

// Close disconnects from the broker after in-flight messages settle.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
