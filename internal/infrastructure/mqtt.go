// services/fleet/internal/infrastructure/mqtt.go
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/bpr/services/fleet/config"
	"example.com/bpr/services/fleet/internal/core"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTNotifier publishes fleet events to an MQTT broker. Topics follow
// <prefix>/<event_type>.
type MQTTNotifier struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	logger *logrus.Logger
}

// NewMQTTNotifier connects to the broker and returns a publisher.
func NewMQTTNotifier(cfg config.MQTTConfig, logger *logrus.Logger) (*MQTTNotifier, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("fleet-service-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.MaxReconnectDelay)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("Lost connection to MQTT broker")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("Connected to MQTT broker")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &MQTTNotifier{client: client, cfg: cfg, logger: logger}, nil
}

// PublishEvent publishes one event to its type topic.
func (n *MQTTNotifier) PublishEvent(_ context.Context, event core.Event) error {
	if !n.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := n.cfg.TopicPrefix + "/" + event.Type
	token := n.client.Publish(topic, n.cfg.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish event: %w", token.Error())
	}

	return nil
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}
