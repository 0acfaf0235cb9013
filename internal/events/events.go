// Package events implements the internal event bus using NATS pub/sub. The
// fan-out engine publishes minimal routing envelopes after a commit lands,
// and the real-time stream subscribes to dispatch them to connected devices.
// Envelopes never carry ciphertext or a sender identity; clients fetch
// message bodies separately.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject constants define the NATS subject hierarchy.
const (
	// SubjectEnvelope carries every event-stream envelope. Subscribers
	// filter by conversation membership and target device.
	SubjectEnvelope = "cloakroom.stream.envelope"
)

// Envelope is the bus form of an event-stream entry. TargetDevice is set for
// device-directed events (welcome_available); conversation-scoped events
// leave it empty and reach every active member device.
type Envelope struct {
	Cursor         string `json:"cursor"`
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	EntityID       string `json:"entity_id,omitempty"`
	TargetDevice   string `json:"target_device,omitempty"`
}

// Bus wraps a NATS connection and provides publish/subscribe for envelope
// dispatch between the fan-out engine and the real-time stream.
type Bus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// New connects to the NATS server at the given URL and returns an event Bus.
func New(natsURL string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("cloakroom"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))

	return &Bus{conn: nc, logger: logger}, nil
}

// PublishEnvelope sends an envelope to the stream subject.
func (b *Bus) PublishEnvelope(_ context.Context, e Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling envelope %s: %w", e.Cursor, err)
	}

	if err := b.conn.Publish(SubjectEnvelope, data); err != nil {
		return fmt.Errorf("publishing envelope %s: %w", e.Cursor, err)
	}

	b.logger.Debug("envelope published",
		slog.String("cursor", e.Cursor),
		slog.String("kind", e.Kind),
	)

	return nil
}

// SubscribeEnvelopes subscribes to the stream subject. The handler receives
// decoded envelopes; malformed payloads are logged and skipped.
func (b *Bus) SubscribeEnvelopes(handler func(Envelope)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(SubjectEnvelope, func(msg *nats.Msg) {
		var e Envelope
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			b.logger.Error("failed to unmarshal envelope", slog.String("error", err.Error()))
			return
		}
		handler(e)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", SubjectEnvelope, err)
	}

	b.logger.Debug("subscribed to envelope subject")
	return sub, nil
}

// HealthCheck verifies the NATS connection is alive.
func (b *Bus) HealthCheck() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection is not active (status: %s)", b.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the NATS connection.
func (b *Bus) Close() {
	b.logger.Info("closing NATS connection")
	b.conn.Drain()
}
