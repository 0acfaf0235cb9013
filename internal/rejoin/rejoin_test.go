package rejoin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/cloakroom-chat/cloakroom/internal/events"
	"github.com/cloakroom-chat/cloakroom/internal/models"
	"github.com/cloakroom-chat/cloakroom/internal/store"
)

type fakeDirectory struct {
	convos    []string
	appended  []models.StreamEvent
	appendErr error
}

func (d *fakeDirectory) ListUserConversations(_ context.Context, _ store.Querier, _ string) ([]string, error) {
	return d.convos, nil
}

func (d *fakeDirectory) AppendEvent(_ context.Context, _ store.Querier, e models.StreamEvent) error {
	if d.appendErr != nil {
		return d.appendErr
	}
	d.appended = append(d.appended, e)
	return nil
}

type fakePublisher struct {
	published []events.Envelope
}

func (p *fakePublisher) PublishEnvelope(_ context.Context, e events.Envelope) error {
	p.published = append(p.published, e)
	return nil
}

func newTestOrchestrator(d *fakeDirectory, p *fakePublisher) *Orchestrator {
	return New(Config{
		Directory: d,
		Bus:       p,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestAnnounceNewDeviceBroadcastsPerConversation(t *testing.T) {
	d := &fakeDirectory{convos: []string{"c1", "c2"}}
	p := &fakePublisher{}
	o := newTestOrchestrator(d, p)

	n, err := o.AnnounceNewDevice(context.Background(), "did:plc:alice", "did:plc:alice#new-dev")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("notified = %d, want 2", n)
	}
	if len(d.appended) != 2 || len(p.published) != 2 {
		t.Fatalf("appended=%d published=%d", len(d.appended), len(p.published))
	}
	for _, e := range d.appended {
		if e.Kind != models.EventGenerateWelcomeFor {
			t.Errorf("kind = %q", e.Kind)
		}
		if e.EntityID != "did:plc:alice#new-dev" {
			t.Errorf("entity = %q", e.EntityID)
		}
	}
}

func TestAnnounceNewDeviceNoMemberships(t *testing.T) {
	d := &fakeDirectory{}
	p := &fakePublisher{}
	o := newTestOrchestrator(d, p)

	n, err := o.AnnounceNewDevice(context.Background(), "did:plc:new", "did:plc:new#dev")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || len(p.published) != 0 {
		t.Errorf("fresh users trigger no announcements: n=%d published=%d", n, len(p.published))
	}
}

func TestAnnounceSkipsFailedAppends(t *testing.T) {
	d := &fakeDirectory{convos: []string{"c1"}, appendErr: errors.New("db down")}
	p := &fakePublisher{}
	o := newTestOrchestrator(d, p)

	n, err := o.AnnounceNewDevice(context.Background(), "did:plc:a", "did:plc:a#dev")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || len(p.published) != 0 {
		t.Errorf("failed append must not publish: n=%d published=%d", n, len(p.published))
	}
}
