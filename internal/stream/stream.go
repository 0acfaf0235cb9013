// Package stream implements the real-time event subscription channel. A
// device connects over websocket with an optional since-cursor; the server
// delivers envelopes in cursor order — first a backfill from storage, then
// the live tail from the event bus. Cursors are ULIDs, so resumption is a
// plain lexicographic comparison. Slow consumers are disconnected, never
// silently dropped; their cursor stays valid for reconnection.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/cloakroom-chat/cloakroom/internal/events"
	"github.com/cloakroom-chat/cloakroom/internal/models"
	"github.com/cloakroom-chat/cloakroom/internal/store"
)

// Reader is the slice of the store the streamer reads. Implemented by
// *store.Store.
type Reader interface {
	ListEventsSince(ctx context.Context, q store.Querier, deviceMLSDID, since string, limit int) ([]models.StreamEvent, error)
	ListDeviceConversations(ctx context.Context, q store.Querier, deviceMLSDID string) ([]string, error)
}

// Subscriber is the event-bus surface the streamer consumes. Implemented by
// *events.Bus.
type Subscriber interface {
	SubscribeEnvelopes(handler func(events.Envelope)) (Unsubscriber, error)
}

// Unsubscriber tears down a bus subscription.
type Unsubscriber interface {
	Unsubscribe() error
}

// BusAdapter adapts *events.Bus to the Subscriber interface.
type BusAdapter struct {
	Bus *events.Bus
}

// SubscribeEnvelopes implements Subscriber.
func (a BusAdapter) SubscribeEnvelopes(handler func(events.Envelope)) (Unsubscriber, error) {
	return a.Bus.SubscribeEnvelopes(handler)
}

// Streamer serves per-device subscriptions.
type Streamer struct {
	reader  Reader
	querier store.Querier
	bus     Subscriber
	logger  *slog.Logger

	backfillBatch int
	liveBuffer    int
	writeTimeout  time.Duration
}

// Config holds streamer construction parameters.
type Config struct {
	Reader  Reader
	Querier store.Querier
	Bus     Subscriber
	Logger  *slog.Logger
}

// New creates a Streamer.
func New(cfg Config) *Streamer {
	return &Streamer{
		reader:        cfg.Reader,
		querier:       cfg.Querier,
		bus:           cfg.Bus,
		logger:        cfg.Logger,
		backfillBatch: 200,
		liveBuffer:    256,
		writeTimeout:  10 * time.Second,
	}
}

// ServeSubscription upgrades the request to a websocket and streams envelopes
// to the authenticated device until the client disconnects or falls behind.
func (s *Streamer) ServeSubscription(w http.ResponseWriter, r *http.Request, deviceMLSDID string) {
	since := r.URL.Query().Get("since_cursor")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	ctx := r.Context()
	err = s.run(ctx, &wsConn{conn: conn, timeout: s.writeTimeout}, deviceMLSDID, since)
	switch {
	case err == nil || ctx.Err() != nil:
		conn.Close(websocket.StatusNormalClosure, "")
	case err == errSlowConsumer:
		conn.Close(websocket.StatusPolicyViolation, "subscription buffer overflow; reconnect with your last cursor")
	default:
		s.logger.Debug("subscription ended",
			slog.String("device", deviceMLSDID),
			slog.String("error", err.Error()),
		)
		conn.Close(websocket.StatusInternalError, "stream error")
	}
}

// sink abstracts the websocket for tests.
type sink interface {
	Send(ctx context.Context, e models.StreamEvent) error
}

type wsConn struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (c *wsConn) Send(ctx context.Context, e models.StreamEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

// errSlowConsumer signals a filled live buffer.
var errSlowConsumer = fmt.Errorf("slow consumer")

// run drives one subscription: subscribe to the live feed first so nothing
// falls between backfill and tail, replay storage from the cursor, then
// stream live envelopes with duplicates suppressed by cursor comparison.
func (s *Streamer) run(ctx context.Context, out sink, deviceMLSDID, since string) error {
	convos, err := s.reader.ListDeviceConversations(ctx, s.querier, deviceMLSDID)
	if err != nil {
		return fmt.Errorf("loading device conversations: %w", err)
	}
	f := newFilter(deviceMLSDID, convos)

	live := make(chan events.Envelope, s.liveBuffer)
	overflow := make(chan struct{}, 1)
	sub, err := s.bus.SubscribeEnvelopes(func(e events.Envelope) {
		select {
		case live <- e:
		default:
			// Bounded buffer: the consumer is too slow. Signal and stop
			// feeding; the connection is closed with an explicit reason.
			select {
			case overflow <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to live feed: %w", err)
	}
	defer sub.Unsubscribe()

	// Backfill from storage up to the current tail. Cancellation is checked
	// between batch reads.
	lastCursor := since
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := s.reader.ListEventsSince(ctx, s.querier, deviceMLSDID, lastCursor, s.backfillBatch)
		if err != nil {
			return fmt.Errorf("backfill read: %w", err)
		}
		for _, e := range batch {
			if err := out.Send(ctx, e); err != nil {
				return err
			}
			lastCursor = e.Cursor.String()
		}
		if len(batch) < s.backfillBatch {
			break
		}
	}

	// Live tail. Envelopes at or below the backfill cursor already went out.
	for {
		// Overflow takes priority over draining: once the buffer filled, the
		// stream has a gap and must be resumed by cursor.
		select {
		case <-overflow:
			return errSlowConsumer
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-overflow:
			return errSlowConsumer
		case e := <-live:
			f.observe(e)
			if !f.allow(e) {
				continue
			}
			if lastCursor != "" && e.Cursor <= lastCursor {
				continue
			}
			cursor, err := models.ParseULID(e.Cursor)
			if err != nil {
				s.logger.Warn("malformed live cursor", slog.String("cursor", e.Cursor))
				continue
			}
			if err := out.Send(ctx, models.StreamEvent{
				Cursor:         cursor,
				ConversationID: e.ConversationID,
				Kind:           e.Kind,
				EntityID:       e.EntityID,
			}); err != nil {
				return err
			}
			lastCursor = e.Cursor
		}
	}
}
