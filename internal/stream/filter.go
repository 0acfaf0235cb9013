package stream

import (
	"github.com/cloakroom-chat/cloakroom/internal/events"
	"github.com/cloakroom-chat/cloakroom/internal/models"
)

// filter decides which live envelopes a device's subscription receives: its
// own targeted events, plus every conversation-scoped event for conversations
// it belongs to. Membership changes observed on the stream keep the set
// current without re-querying storage per envelope.
type filter struct {
	device string
	convos map[string]bool
}

func newFilter(device string, convos []string) *filter {
	set := make(map[string]bool, len(convos))
	for _, id := range convos {
		set[id] = true
	}
	return &filter{device: device, convos: set}
}

// observe updates the membership set from member_added / member_removed
// envelopes that concern this device.
func (f *filter) observe(e events.Envelope) {
	if e.EntityID != f.device {
		return
	}
	switch e.Kind {
	case models.EventMemberAdded:
		f.convos[e.ConversationID] = true
	case models.EventMemberRemoved:
		delete(f.convos, e.ConversationID)
	}
}

// allow reports whether the envelope belongs on this subscription.
func (f *filter) allow(e events.Envelope) bool {
	if e.TargetDevice != "" {
		return e.TargetDevice == f.device
	}
	return f.convos[e.ConversationID]
}
