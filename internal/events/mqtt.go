package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	Broker   string
	ClientID string
	// TopicPrefix is joined with the event type: <prefix>/<type>.
	TopicPrefix string
	QoS         byte
	Username    string
	Password    string
}

// MQTTPublisher publishes each event to its own topic.
type MQTTPublisher struct {
	cfg       MQTTConfig
	log       logrus.FieldLogger
	client    mqtt.Client
	connected atomic.Bool
	counters
}

// NewMQTTPublisher connects to the broker. The client reconnects on its own
// after a lost connection.
func NewMQTTPublisher(ctx context.Context, cfg MQTTConfig, logger logrus.FieldLogger) (*MQTTPublisher, error) {
	p := &MQTTPublisher{cfg: cfg, log: logger.WithField("component", "mqtt-events")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		p.connected.Store(true)
		p.log.WithField("broker", cfg.Broker).Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.connected.Store(false)
		p.log.WithError(err).Warn("mqtt connection lost, will auto-reconnect")
	}

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	deadline := 5 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	if !token.WaitTimeout(deadline) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.connected.Store(true)
	return p, nil
}

// Topic returns the topic an event type is published on.
func (p *MQTTPublisher) Topic(eventType string) string {
	return p.cfg.TopicPrefix + "/" + eventType
}

func (p *MQTTPublisher) Publish(ctx context.Context, e Event) error {
	if !p.connected.Load() {
		p.dropped.Add(1)
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.errors.Add(1)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := p.client.Publish(p.Topic(e.Type), p.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		p.errors.Add(1)
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("publish failed: %w", err)
	}
	p.published.Add(1)
	return nil
}

// Stats returns publisher counters.
func (p *MQTTPublisher) Stats() Stats { return p.snapshot() }

func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.log.Info("mqtt disconnected")
	}
	p.connected.Store(false)
	return nil
}
