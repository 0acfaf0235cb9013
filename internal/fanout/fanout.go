// Package fanout delivers committed envelopes to every active device of a
// conversation. Each envelope is published on the event bus for connected
// subscriptions and pushed to devices with a registered push token. Fan-out
// runs after the epoch actor's reply — the sender was acknowledged when the
// database write committed — and delivery is at-least-once; client-side
// idempotency by message id suppresses duplicates.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cloakroom-chat/cloakroom/internal/actor"
	"github.com/cloakroom-chat/cloakroom/internal/events"
	"github.com/cloakroom-chat/cloakroom/internal/metrics"
	"github.com/cloakroom-chat/cloakroom/internal/models"
	"github.com/cloakroom-chat/cloakroom/internal/store"
)

// Directory is the slice of the store the engine reads. Implemented by
// *store.Store.
type Directory interface {
	ListFanoutTargets(ctx context.Context, q store.Querier, convoID string) ([]store.FanoutTarget, error)
	GetMessage(ctx context.Context, q store.Querier, id string) (models.Message, error)
	ClearPushTokenByValue(ctx context.Context, q store.Querier, token string) error
}

// Pusher sends one opaque push to a device subscription. Implemented by
// WebPushSender; nil disables the push leg.
type Pusher interface {
	Send(ctx context.Context, subscription string, payload []byte) error
}

// Publisher is the event-bus surface the engine writes to. Implemented by
// *events.Bus.
type Publisher interface {
	PublishEnvelope(ctx context.Context, e events.Envelope) error
}

// Engine materializes per-recipient deliveries for committed events.
type Engine struct {
	bus       Publisher
	directory Directory
	querier   store.Querier
	pusher    Pusher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	timeout   time.Duration
}

// Config holds engine construction parameters.
type Config struct {
	Bus       Publisher
	Directory Directory
	Querier   store.Querier
	Pusher    Pusher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// New creates a fan-out engine.
func New(cfg Config) *Engine {
	return &Engine{
		bus:       cfg.Bus,
		directory: cfg.Directory,
		querier:   cfg.Querier,
		pusher:    cfg.Pusher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		timeout:   10 * time.Second,
	}
}

// pushPayload is the opaque JSON a device receives. The ciphertext rides
// along for message events so the client can decrypt without a fetch; the
// cursor lets it resume its subscription without loss.
type pushPayload struct {
	Cursor         string `json:"cursor"`
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	EntityID       string `json:"entity_id,omitempty"`
	Ciphertext     []byte `json:"ciphertext,omitempty"`
}

// Emit implements actor.Emitter. Envelopes are published to the event bus in
// order, then pushed to offline-capable devices. Errors are logged, never
// surfaced: the write already committed and the stream backfill covers any
// missed live delivery.
func (e *Engine) Emit(out []actor.OutEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	for _, ev := range out {
		if err := e.bus.PublishEnvelope(ctx, events.Envelope{
			Cursor:         ev.Event.Cursor.String(),
			ConversationID: ev.Event.ConversationID,
			Kind:           ev.Event.Kind,
			EntityID:       ev.Event.EntityID,
			TargetDevice:   ev.TargetDevice,
		}); err != nil {
			e.logger.Error("envelope publish failed",
				slog.String("cursor", ev.Event.Cursor.String()),
				slog.String("error", err.Error()),
			)
		} else if e.metrics != nil {
			e.metrics.EnvelopesPublished.Inc()
		}

		if e.pusher != nil {
			e.push(ctx, ev)
		}
	}
}

// push sends the envelope (plus ciphertext for message events) to every
// push-registered target device.
func (e *Engine) push(ctx context.Context, ev actor.OutEvent) {
	targets, err := e.directory.ListFanoutTargets(ctx, e.querier, ev.Event.ConversationID)
	if err != nil {
		e.logger.Error("fan-out target query failed",
			slog.String("conversation", ev.Event.ConversationID),
			slog.String("error", err.Error()),
		)
		return
	}

	payload := pushPayload{
		Cursor:         ev.Event.Cursor.String(),
		ConversationID: ev.Event.ConversationID,
		Kind:           ev.Event.Kind,
		EntityID:       ev.Event.EntityID,
	}
	if ev.Event.Kind == models.EventMessage || ev.Event.Kind == models.EventCommit {
		msg, err := e.directory.GetMessage(ctx, e.querier, ev.Event.EntityID)
		if err != nil {
			e.logger.Warn("push ciphertext lookup failed",
				slog.String("message", ev.Event.EntityID),
				slog.String("error", err.Error()),
			)
		} else {
			payload.Ciphertext = msg.Ciphertext
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("push payload marshal failed", slog.String("error", err.Error()))
		return
	}

	for _, target := range targets {
		if target.PushToken == nil {
			continue
		}
		if ev.TargetDevice != "" && target.DeviceMLSDID != ev.TargetDevice {
			continue
		}
		if err := e.pusher.Send(ctx, *target.PushToken, body); err != nil {
			if isSubscriptionGone(err) {
				if derr := e.directory.ClearPushTokenByValue(ctx, e.querier, *target.PushToken); derr != nil {
					e.logger.Warn("dead push token cleanup failed", slog.String("error", derr.Error()))
				}
				continue
			}
			if e.metrics != nil {
				e.metrics.PushFailures.Inc()
			}
			e.logger.Warn("push delivery failed",
				slog.String("device", target.DeviceMLSDID),
				slog.String("error", err.Error()),
			)
		}
	}
}
