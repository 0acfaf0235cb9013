// Package rejoin coordinates re-admission of devices that lost their local
// MLS state. A state-lost device flags itself through the epoch actor; the
// server broadcasts a generate_welcome_for event to the conversation's online
// members, and any of them answers by delivering a fresh Welcome, which the
// actor applies as a standard commit. No admin involvement is required: the
// member list is the authoritative source of who may rejoin.
package rejoin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloakroom-chat/cloakroom/internal/events"
	"github.com/cloakroom-chat/cloakroom/internal/models"
	"github.com/cloakroom-chat/cloakroom/internal/store"
)

// Directory is the slice of the store the orchestrator uses.
type Directory interface {
	ListUserConversations(ctx context.Context, q store.Querier, userDID string) ([]string, error)
	AppendEvent(ctx context.Context, q store.Querier, e models.StreamEvent) error
}

// Publisher pushes envelopes onto the live feed.
type Publisher interface {
	PublishEnvelope(ctx context.Context, e events.Envelope) error
}

// Orchestrator wires state-loss detection to Welcome generation.
type Orchestrator struct {
	directory Directory
	querier   store.Querier
	bus       Publisher
	logger    *slog.Logger
}

// Config holds orchestrator construction parameters.
type Config struct {
	Directory Directory
	Querier   store.Querier
	Bus       Publisher
	Logger    *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		directory: cfg.Directory,
		querier:   cfg.Querier,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
	}
}

// AnnounceNewDevice broadcasts generate_welcome_for events for a freshly
// registered device in every conversation its user already belongs to, so an
// online peer can Add it with a Welcome. Returns how many conversations were
// notified.
func (o *Orchestrator) AnnounceNewDevice(ctx context.Context, userDID, deviceMLSDID string) (int, error) {
	convos, err := o.directory.ListUserConversations(ctx, o.querier, userDID)
	if err != nil {
		return 0, fmt.Errorf("listing memberships of %s: %w", userDID, err)
	}

	notified := 0
	for _, convoID := range convos {
		event := models.StreamEvent{
			Cursor:         models.NewULID(),
			ConversationID: convoID,
			Kind:           models.EventGenerateWelcomeFor,
			EntityID:       deviceMLSDID,
		}
		if err := o.directory.AppendEvent(ctx, o.querier, event); err != nil {
			o.logger.Error("rejoin announce append failed",
				slog.String("conversation", convoID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := o.bus.PublishEnvelope(ctx, events.Envelope{
			Cursor:         event.Cursor.String(),
			ConversationID: convoID,
			Kind:           event.Kind,
			EntityID:       deviceMLSDID,
		}); err != nil {
			o.logger.Warn("rejoin announce publish failed",
				slog.String("conversation", convoID),
				slog.String("error", err.Error()),
			)
		}
		notified++
	}

	if notified > 0 {
		o.logger.Info("new device announced for rejoin",
			slog.String("device", deviceMLSDID),
			slog.Int("conversations", notified),
		)
	}
	return notified, nil
}
