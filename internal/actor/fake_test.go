package actor

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cloakroom-chat/cloakroom/internal/models"
	"github.com/cloakroom-chat/cloakroom/internal/store"
)

// fakeStore is an in-memory Storage with transaction semantics: WithTx holds
// a global lock (standing in for the conversation row lock) and restores a
// snapshot when the callback fails, so partial commits roll back exactly as
// the database would.
type fakeStore struct {
	mu      sync.Mutex
	convos  map[string]*fakeConvo
	kps     map[string]*fakeKeyPackage
	welcomes map[string]models.Welcome // key: convo|recipient
	events  []models.StreamEvent

	panicNext bool // next InsertMessage panics, for containment tests
}

type fakeConvo struct {
	epoch    uint64
	maxSeq   uint64
	members  map[string]*models.Member
	messages []models.Message
}

type fakeKeyPackage struct {
	owner    string
	consumed bool
	convo    string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convos:   make(map[string]*fakeConvo),
		kps:      make(map[string]*fakeKeyPackage),
		welcomes: make(map[string]models.Welcome),
	}
}

func (f *fakeStore) addConvo(id string, epoch uint64) {
	f.convos[id] = &fakeConvo{epoch: epoch, members: make(map[string]*models.Member)}
}

func (f *fakeStore) addActiveMember(convoID, dmid, userDID string, admin bool) {
	f.convos[convoID].members[dmid] = &models.Member{
		ConversationID: convoID,
		DeviceMLSDID:   dmid,
		UserDID:        userDID,
		IsAdmin:        admin,
	}
}

func (f *fakeStore) addKeyPackage(hash, owner string) {
	f.kps[hash] = &fakeKeyPackage{owner: owner}
}

// snapshot deep-copies mutable state for rollback.
func (f *fakeStore) snapshot() *fakeStore {
	s := newFakeStore()
	for id, c := range f.convos {
		cc := &fakeConvo{epoch: c.epoch, maxSeq: c.maxSeq, members: make(map[string]*models.Member)}
		cc.messages = append(cc.messages, c.messages...)
		for k, m := range c.members {
			mm := *m
			cc.members[k] = &mm
		}
		s.convos[id] = cc
	}
	for h, kp := range f.kps {
		kk := *kp
		s.kps[h] = &kk
	}
	for k, w := range f.welcomes {
		s.welcomes[k] = w
	}
	s.events = append(s.events, f.events...)
	return s
}

func (f *fakeStore) restore(s *fakeStore) {
	f.convos = s.convos
	f.kps = s.kps
	f.welcomes = s.welcomes
	f.events = s.events
}

func (f *fakeStore) WithTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.snapshot()
	if err := fn(nil); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

func (f *fakeStore) LockConversation(_ context.Context, _ pgx.Tx, id string) (uint64, error) {
	c, ok := f.convos[id]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	return c.epoch, nil
}

func (f *fakeStore) AdvanceEpoch(_ context.Context, _ pgx.Tx, id string, from uint64) error {
	c := f.convos[id]
	if c.epoch != from {
		return pgx.ErrNoRows
	}
	c.epoch = from + 1
	return nil
}

func (f *fakeStore) NextSeq(_ context.Context, _ pgx.Tx, convoID string) (uint64, error) {
	return f.convos[convoID].maxSeq + 1, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, _ store.Querier, m models.Message) error {
	if f.panicNext {
		f.panicNext = false
		panic("injected storage panic")
	}
	c := f.convos[m.ConversationID]
	for _, existing := range c.messages {
		if existing.ClientMessageID == m.ClientMessageID {
			return &pgconn.PgError{Code: "23505", ConstraintName: "messages_conversation_id_client_message_id_key"}
		}
		if existing.Seq == m.Seq {
			return &pgconn.PgError{Code: "23505", ConstraintName: "messages_conversation_id_seq_key"}
		}
	}
	c.messages = append(c.messages, m)
	if m.Seq > c.maxSeq {
		c.maxSeq = m.Seq
	}
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, _ store.Querier, e models.StreamEvent) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) AddMember(_ context.Context, _ store.Querier, m models.Member) error {
	c := f.convos[m.ConversationID]
	if existing, ok := c.members[m.DeviceMLSDID]; ok {
		existing.LeftAt = nil
		existing.LeafIndex = m.LeafIndex
		existing.NeedsRejoin = false
		return nil
	}
	mm := m
	c.members[m.DeviceMLSDID] = &mm
	return nil
}

func (f *fakeStore) RemoveMember(_ context.Context, _ store.Querier, convoID, dmid string) (bool, error) {
	m, ok := f.convos[convoID].members[dmid]
	if !ok || m.LeftAt != nil {
		return false, nil
	}
	now := store.Now()
	m.LeftAt = &now
	return true, nil
}

func (f *fakeStore) SetAdmin(_ context.Context, _ store.Querier, convoID, userDID, _ string, admin bool) (bool, error) {
	changed := false
	for _, m := range f.convos[convoID].members {
		if m.UserDID == userDID && m.LeftAt == nil {
			m.IsAdmin = admin
			changed = true
		}
	}
	return changed, nil
}

func (f *fakeStore) CountActiveAdminsExcluding(_ context.Context, _ store.Querier, convoID, userDID string) (int, error) {
	users := make(map[string]bool)
	for _, m := range f.convos[convoID].members {
		if m.IsAdmin && m.LeftAt == nil && m.UserDID != userDID {
			users[m.UserDID] = true
		}
	}
	return len(users), nil
}

func (f *fakeStore) IsActiveMember(_ context.Context, _ store.Querier, convoID, dmid string) (bool, error) {
	m, ok := f.convos[convoID].members[dmid]
	return ok && m.LeftAt == nil, nil
}

func (f *fakeStore) NextLeafIndex(_ context.Context, _ store.Querier, convoID string) (int32, error) {
	var max int32 = -1
	for _, m := range f.convos[convoID].members {
		if m.LeftAt == nil && m.LeafIndex > max {
			max = m.LeafIndex
		}
	}
	return max + 1, nil
}

func (f *fakeStore) ConsumeKeyPackageByHash(_ context.Context, _ pgx.Tx, hash, convoID string) (string, error) {
	kp, ok := f.kps[hash]
	if !ok || (kp.consumed && kp.convo != "" && kp.convo != convoID) {
		return "", pgx.ErrNoRows
	}
	kp.consumed = true
	kp.convo = convoID
	return kp.owner, nil
}

func (f *fakeStore) UpsertWelcome(_ context.Context, _ store.Querier, w models.Welcome) error {
	f.welcomes[w.ConversationID+"|"+w.RecipientDID] = w
	return nil
}

func (f *fakeStore) SetNeedsRejoin(_ context.Context, _ store.Querier, convoID, dmid string) (bool, error) {
	m, ok := f.convos[convoID].members[dmid]
	if !ok || m.LeftAt != nil {
		return false, nil
	}
	m.NeedsRejoin = true
	return true, nil
}

func (f *fakeStore) ClearNeedsRejoin(_ context.Context, _ store.Querier, convoID, dmid string) error {
	if m, ok := f.convos[convoID].members[dmid]; ok {
		m.NeedsRejoin = false
	}
	return nil
}

// collectEmitter records emitted envelopes.
type collectEmitter struct {
	mu     sync.Mutex
	events []OutEvent
}

func (e *collectEmitter) Emit(out []OutEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, out...)
}

func (e *collectEmitter) snapshot() []OutEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]OutEvent(nil), e.events...)
}
