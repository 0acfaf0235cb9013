package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cloakroom-chat/cloakroom/internal/actor"
	"github.com/cloakroom-chat/cloakroom/internal/events"
	"github.com/cloakroom-chat/cloakroom/internal/metrics"
	"github.com/cloakroom-chat/cloakroom/internal/models"
	"github.com/cloakroom-chat/cloakroom/internal/store"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []events.Envelope
}

func (p *fakePublisher) PublishEnvelope(_ context.Context, e events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, e)
	return nil
}

type fakeDirectory struct {
	targets  []store.FanoutTarget
	messages map[string]models.Message
	cleared  []string
}

func (d *fakeDirectory) ListFanoutTargets(_ context.Context, _ store.Querier, _ string) ([]store.FanoutTarget, error) {
	return d.targets, nil
}

func (d *fakeDirectory) GetMessage(_ context.Context, _ store.Querier, id string) (models.Message, error) {
	return d.messages[id], nil
}

func (d *fakeDirectory) ClearPushTokenByValue(_ context.Context, _ store.Querier, token string) error {
	d.cleared = append(d.cleared, token)
	return nil
}

type fakePusher struct {
	mu    sync.Mutex
	sent  map[string][][]byte
	fail  map[string]error
}

func newFakePusher() *fakePusher {
	return &fakePusher{sent: make(map[string][][]byte), fail: make(map[string]error)}
}

func (p *fakePusher) Send(_ context.Context, subscription string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.fail[subscription]; ok {
		return err
	}
	p.sent[subscription] = append(p.sent[subscription], payload)
	return nil
}

func token(s string) *string { return &s }

func newTestEngine(pub *fakePublisher, dir *fakeDirectory, pusher Pusher) *Engine {
	return New(Config{
		Bus:       pub,
		Directory: dir,
		Pusher:    pusher,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func outEvent(kind, entity, target string) actor.OutEvent {
	return actor.OutEvent{
		Event: models.StreamEvent{
			Cursor:         models.NewULID(),
			ConversationID: "c1",
			Kind:           kind,
			EntityID:       entity,
		},
		TargetDevice: target,
	}
}

func TestEmitPublishesEnvelopesInOrder(t *testing.T) {
	pub := &fakePublisher{}
	dir := &fakeDirectory{messages: map[string]models.Message{}}
	e := newTestEngine(pub, dir, nil)

	first := outEvent(models.EventCommit, "m1", "")
	second := outEvent(models.EventMemberAdded, "did:plc:b#d1", "")
	e.Emit([]actor.OutEvent{first, second})

	if len(pub.published) != 2 {
		t.Fatalf("published %d envelopes", len(pub.published))
	}
	if pub.published[0].Kind != models.EventCommit || pub.published[1].Kind != models.EventMemberAdded {
		t.Errorf("order = %s, %s", pub.published[0].Kind, pub.published[1].Kind)
	}
}

func TestEnvelopeCarriesNoCiphertext(t *testing.T) {
	pub := &fakePublisher{}
	dir := &fakeDirectory{messages: map[string]models.Message{
		"m1": {Ciphertext: []byte("secret")},
	}}
	e := newTestEngine(pub, dir, nil)

	e.Emit([]actor.OutEvent{outEvent(models.EventMessage, "m1", "")})

	raw, err := json.Marshal(pub.published[0])
	if err != nil {
		t.Fatal(err)
	}
	var asMap map[string]any
	json.Unmarshal(raw, &asMap)
	for _, forbidden := range []string{"ciphertext", "sender", "sender_did"} {
		if _, ok := asMap[forbidden]; ok {
			t.Errorf("envelope must not carry %q", forbidden)
		}
	}
}

func TestPushIncludesCiphertextForMessages(t *testing.T) {
	pub := &fakePublisher{}
	dir := &fakeDirectory{
		targets: []store.FanoutTarget{
			{DeviceMLSDID: "did:plc:a#d1", PushToken: token("sub-a")},
		},
		messages: map[string]models.Message{"m1": {Ciphertext: []byte("opaque-bytes")}},
	}
	pusher := newFakePusher()
	e := newTestEngine(pub, dir, pusher)

	e.Emit([]actor.OutEvent{outEvent(models.EventMessage, "m1", "")})

	sent := pusher.sent["sub-a"]
	if len(sent) != 1 {
		t.Fatalf("pushes = %d", len(sent))
	}
	var payload pushPayload
	if err := json.Unmarshal(sent[0], &payload); err != nil {
		t.Fatal(err)
	}
	if string(payload.Ciphertext) != "opaque-bytes" {
		t.Errorf("push ciphertext = %q", payload.Ciphertext)
	}
	if payload.Cursor == "" {
		t.Error("push must carry the cursor for resumption")
	}
}

func TestPushSkipsDevicesWithoutTokens(t *testing.T) {
	pub := &fakePublisher{}
	dir := &fakeDirectory{
		targets: []store.FanoutTarget{
			{DeviceMLSDID: "did:plc:a#d1", PushToken: token("sub-a")},
			{DeviceMLSDID: "did:plc:b#d1"}, // no token
		},
		messages: map[string]models.Message{"m1": {}},
	}
	pusher := newFakePusher()
	e := newTestEngine(pub, dir, pusher)

	e.Emit([]actor.OutEvent{outEvent(models.EventMessage, "m1", "")})
	if len(pusher.sent) != 1 {
		t.Errorf("sent to %d subscriptions, want 1", len(pusher.sent))
	}
}

func TestTargetedEventReachesOnlyItsDevice(t *testing.T) {
	pub := &fakePublisher{}
	dir := &fakeDirectory{
		targets: []store.FanoutTarget{
			{DeviceMLSDID: "did:plc:a#d1", PushToken: token("sub-a")},
			{DeviceMLSDID: "did:plc:b#d1", PushToken: token("sub-b")},
		},
		messages: map[string]models.Message{},
	}
	pusher := newFakePusher()
	e := newTestEngine(pub, dir, pusher)

	e.Emit([]actor.OutEvent{outEvent(models.EventWelcomeAvailable, "did:plc:b#d1", "did:plc:b#d1")})

	if len(pusher.sent["sub-a"]) != 0 {
		t.Error("non-target device must not receive a targeted push")
	}
	if len(pusher.sent["sub-b"]) != 1 {
		t.Errorf("target device pushes = %d", len(pusher.sent["sub-b"]))
	}
	if pub.published[0].TargetDevice != "did:plc:b#d1" {
		t.Error("bus envelope should carry the target device")
	}
}

func TestEmitCountsPublishesAndPushFailures(t *testing.T) {
	pub := &fakePublisher{}
	dir := &fakeDirectory{
		targets: []store.FanoutTarget{
			{DeviceMLSDID: "did:plc:a#d1", PushToken: token("flaky-sub")},
		},
		messages: map[string]models.Message{"m1": {}},
	}
	pusher := newFakePusher()
	pusher.fail["flaky-sub"] = errors.New("provider 503")

	e := newTestEngine(pub, dir, pusher)
	e.metrics = metrics.New(prometheus.NewRegistry())

	e.Emit([]actor.OutEvent{outEvent(models.EventMessage, "m1", "")})

	if got := testutil.ToFloat64(e.metrics.EnvelopesPublished); got != 1 {
		t.Errorf("envelopes published = %v, want 1", got)
	}
	if got := testutil.ToFloat64(e.metrics.PushFailures); got != 1 {
		t.Errorf("push failures = %v, want 1", got)
	}
}

func TestDeadSubscriptionPruned(t *testing.T) {
	pub := &fakePublisher{}
	dir := &fakeDirectory{
		targets: []store.FanoutTarget{
			{DeviceMLSDID: "did:plc:a#d1", PushToken: token("dead-sub")},
		},
		messages: map[string]models.Message{"m1": {}},
	}
	pusher := newFakePusher()
	pusher.fail["dead-sub"] = errSubscriptionGone
	e := newTestEngine(pub, dir, pusher)

	e.Emit([]actor.OutEvent{outEvent(models.EventMessage, "m1", "")})

	if len(dir.cleared) != 1 || dir.cleared[0] != "dead-sub" {
		t.Errorf("cleared tokens = %v", dir.cleared)
	}
}
