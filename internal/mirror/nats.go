package mirror

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loragw-relay/internal/config"
	"github.com/lorawan-server/loragw-relay/pkg/loragw"
)

// Publisher is the part of *nats.Conn the mirror uses.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSMirror publishes uplinks to "<prefix>.<gatewayID>.rx".
type NATSMirror struct {
	pub    Publisher
	prefix string
	now    func() time.Time
}

// NewNATSMirror wraps an established connection.
func NewNATSMirror(pub Publisher, prefix string) *NATSMirror {
	if prefix == "" {
		prefix = "gateway"
	}
	return &NATSMirror{pub: pub, prefix: prefix, now: time.Now}
}

// Subject returns the subject uplinks of gatewayID are published on.
func (m *NATSMirror) Subject(gatewayID loragw.EUI64) string {
	return fmt.Sprintf("%s.%s.rx", m.prefix, gatewayID)
}

// PublishUplink implements Mirror
func (m *NATSMirror) PublishUplink(gatewayID loragw.EUI64, rxpk loragw.Rxpk) error {
	data, err := json.Marshal(newUplink(gatewayID, rxpk, m.now()))
	if err != nil {
		return fmt.Errorf("marshal uplink: %w", err)
	}

	subject := m.Subject(gatewayID)
	if err := m.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Connect dials NATS using the nats config section.
func Connect(cfg config.NATSConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("loragw-relay"),
		nats.UserInfo(cfg.Username, cfg.Password),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS 连接断开")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("已重新连接到 NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS %s: %w", cfg.URL, err)
	}
	return nc, nil
}
