package mirror

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loragw-relay/internal/config"
	"github.com/lorawan-server/loragw-relay/pkg/loragw"
)

// DefaultTopic is used when mqtt.topic is empty. {gateway_id} is replaced
// with the gateway EUI.
const DefaultTopic = "gateway/{gateway_id}/event/up"

const publishTimeout = 5 * time.Second

// MQTTPublisher is the part of mqtt.Client the mirror uses.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTMirror publishes uplinks to an MQTT broker.
type MQTTMirror struct {
	client  MQTTPublisher
	pattern string
	qos     byte
	now     func() time.Time
}

// NewMQTTMirror wraps a connected client.
func NewMQTTMirror(client MQTTPublisher, pattern string, qos byte) *MQTTMirror {
	if pattern == "" {
		pattern = DefaultTopic
	}
	return &MQTTMirror{client: client, pattern: pattern, qos: qos, now: time.Now}
}

// Topic returns the topic uplinks of gatewayID are published on.
func (m *MQTTMirror) Topic(gatewayID loragw.EUI64) string {
	return strings.ReplaceAll(m.pattern, "{gateway_id}", gatewayID.String())
}

// PublishUplink implements Mirror. It waits at most five seconds for the
// broker to acknowledge.
func (m *MQTTMirror) PublishUplink(gatewayID loragw.EUI64, rxpk loragw.Rxpk) error {
	data, err := json.Marshal(newUplink(gatewayID, rxpk, m.now()))
	if err != nil {
		return fmt.Errorf("marshal uplink: %w", err)
	}

	topic := m.Topic(gatewayID)
	token := m.client.Publish(topic, m.qos, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// ConnectMQTT dials the broker using the mqtt config section.
func ConnectMQTT(cfg config.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// 连接处理
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("已连接到 MQTT")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.Broker).Msg("MQTT 连接断开")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect MQTT %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect MQTT %s: %w", cfg.Broker, err)
	}
	return client, nil
}
