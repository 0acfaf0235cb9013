package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// WebPushSender delivers opaque payloads via the Web Push protocol
// (RFC 8030 + RFC 8291 + RFC 8292). The push token stored on a device is the
// JSON of its browser/OS push subscription.
type WebPushSender struct {
	vapidPublic  string
	vapidPrivate string
	contact      string
}

// NewWebPushSender creates a sender. Returns nil when VAPID keys are absent
// so callers can treat push as disabled.
func NewWebPushSender(vapidPublic, vapidPrivate, contact string) *WebPushSender {
	if vapidPublic == "" || vapidPrivate == "" {
		return nil
	}
	return &WebPushSender{
		vapidPublic:  vapidPublic,
		vapidPrivate: vapidPrivate,
		contact:      contact,
	}
}

// errSubscriptionGone marks a permanently dead subscription.
var errSubscriptionGone = errors.New("push subscription gone")

// isSubscriptionGone reports whether the delivery failure means the
// subscription should be pruned.
func isSubscriptionGone(err error) bool {
	return errors.Is(err, errSubscriptionGone)
}

// Send implements Pusher.
func (s *WebPushSender) Send(ctx context.Context, subscription string, payload []byte) error {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(subscription), &sub); err != nil {
		// An unparseable token will never deliver; treat it as dead.
		return fmt.Errorf("%w: malformed subscription", errSubscriptionGone)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, &webpush.Options{
		Subscriber:      s.contact,
		VAPIDPublicKey:  s.vapidPublic,
		VAPIDPrivateKey: s.vapidPrivate,
		TTL:             int((24 * time.Hour).Seconds()),
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("sending push: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return errSubscriptionGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("push provider returned %d", resp.StatusCode)
	}
	return nil
}
