package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/events"
)

// MQTT publishes conversation events to an MQTT broker. Fragments go
// to "<prefix>/conversations/<id>/fragments", user turns to
// "<prefix>/conversations/<id>/messages" and everything else to
// "<prefix>/events/<kind>". A retained "online"/"offline" status is
// kept on "<prefix>/status".
type MQTT struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// NewMQTT creates an MQTT publisher but does not connect. Call
// [MQTT.Start] before publishing.
func NewMQTT(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger.With("component", "mqtt"),
	}
}

// Name implements [Publisher].
func (m *MQTT) Name() string { return "mqtt" }

// Start connects to the broker. autopaho keeps reconnecting in the
// background after Start returns; the status topic is republished on
// every (re-)connect.
func (m *MQTT) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishStatus(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" and disconnects.
func (m *MQTT) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	m.publishStatus(ctx, m.cm, "offline")
	return m.cm.Disconnect(ctx)
}

// Publish implements [Publisher].
func (m *MQTT) Publish(ctx context.Context, msg Message) error {
	if m.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}
	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.topicFor(msg),
		Payload: payload,
		QoS:     1,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	}); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func (m *MQTT) clientID() string {
	if m.instanceID == "" {
		return m.cfg.ClientID
	}
	return m.cfg.ClientID + "-" + m.instanceID
}

func (m *MQTT) statusTopic() string {
	return m.cfg.TopicPrefix + "/status"
}

func (m *MQTT) topicFor(msg Message) string {
	if msg.ConversationID != "" {
		switch msg.Kind {
		case events.KindFragment:
			return m.cfg.TopicPrefix + "/conversations/" + topicSafe(msg.ConversationID) + "/fragments"
		case events.KindUserMessage:
			return m.cfg.TopicPrefix + "/conversations/" + topicSafe(msg.ConversationID) + "/messages"
		}
	}
	return m.cfg.TopicPrefix + "/events/" + topicSafe(msg.Kind)
}

// topicSafe replaces MQTT wildcard and level characters so a value
// always occupies exactly one topic level.
func topicSafe(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch r {
		case '/', '+', '#':
			out[i] = '_'
		}
	}
	return string(out)
}

func (m *MQTT) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt status publish failed", "status", status, "error", err)
	} else {
		m.logger.Info("mqtt status published", "status", status)
	}
}
