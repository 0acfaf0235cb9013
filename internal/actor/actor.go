// Package actor implements the per-conversation epoch actor and its registry.
// Every operation that mutates membership or produces an ordered message for
// a conversation is funneled through a single actor goroutine, which
// processes its mailbox strictly in order, one database transaction per
// message. This is what makes epoch and sequence guarantees hold under
// arbitrary concurrency: no two commits can interleave, and seq values are
// assigned in mailbox acceptance order.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cloakroom-chat/cloakroom/internal/dserr"
	"github.com/cloakroom-chat/cloakroom/internal/models"
	"github.com/cloakroom-chat/cloakroom/internal/store"
)

// Storage is the slice of the store the actor uses. Implemented by
// *store.Store; faked in tests.
type Storage interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	LockConversation(ctx context.Context, tx pgx.Tx, id string) (uint64, error)
	AdvanceEpoch(ctx context.Context, tx pgx.Tx, id string, from uint64) error
	NextSeq(ctx context.Context, tx pgx.Tx, convoID string) (uint64, error)
	InsertMessage(ctx context.Context, q store.Querier, m models.Message) error
	AppendEvent(ctx context.Context, q store.Querier, e models.StreamEvent) error
	AddMember(ctx context.Context, q store.Querier, m models.Member) error
	RemoveMember(ctx context.Context, q store.Querier, convoID, deviceMLSDID string) (bool, error)
	SetAdmin(ctx context.Context, q Querier, convoID, userDID, promoterDID string, admin bool) (bool, error)
	CountActiveAdminsExcluding(ctx context.Context, q Querier, convoID, userDID string) (int, error)
	IsActiveMember(ctx context.Context, q Querier, convoID, deviceMLSDID string) (bool, error)
	NextLeafIndex(ctx context.Context, q Querier, convoID string) (int32, error)
	ConsumeKeyPackageByHash(ctx context.Context, tx pgx.Tx, hash, convoID string) (string, error)
	UpsertWelcome(ctx context.Context, q Querier, w models.Welcome) error
	SetNeedsRejoin(ctx context.Context, q Querier, convoID, deviceMLSDID string) (bool, error)
	ClearNeedsRejoin(ctx context.Context, q Querier, convoID, deviceMLSDID string) error
}

// Querier aliases the store query interface so Storage reads naturally.
type Querier = store.Querier

// OutEvent is an envelope produced by a committed operation, handed to the
// fan-out engine after the transaction lands. TargetDevice narrows delivery
// to a single device for welcome_available events.
type OutEvent struct {
	Event        models.StreamEvent
	TargetDevice string
}

// Emitter receives committed envelopes for fan-out. Emission happens after
// the actor's reply and never blocks the mailbox.
type Emitter interface {
	Emit(events []OutEvent)
}

// Tunables for the actor mailbox.
const mailboxSize = 256

// --- Inbox message kinds ---

// SendAppResult is the reply to a SendApp.
type SendAppResult struct {
	Seq            uint64
	Epoch          uint64
	ReceivedBucket time.Time
	Err            error
}

// SendApp asks the actor to sequence an application ciphertext.
type SendApp struct {
	Epoch           uint64
	Ciphertext      []byte
	ClientMessageID string
	DeclaredSize    int32
	PaddedSize      int32
	IdempotencyKey  string
	Reply           chan SendAppResult
}

// MemberAdd names a device joining via a commit, bound to the key package
// the proposer consumed for it.
type MemberAdd struct {
	DeviceMLSDID   string
	UserDID        string
	DeviceID       string
	KeyPackageHash string
}

// MembershipDiff is the membership change a commit applies.
type MembershipDiff struct {
	Add         []MemberAdd
	Remove      []string // device MLS DIDs, currently active
	PromoteUser string   // user DID granted admin, if any
	DemoteUser  string   // user DID losing admin, if any
}

// WelcomeDelivery carries one Welcome stored alongside a commit.
type WelcomeDelivery struct {
	RecipientDID   string
	KeyPackageHash string
	WelcomeData    []byte
}

// SendCommitResult is the reply to a SendCommit.
type SendCommitResult struct {
	Epoch uint64
	Seq   uint64
	Err   error
}

// SendCommit asks the actor to apply a membership-changing commit.
type SendCommit struct {
	Epoch           uint64
	CommitData      []byte
	ClientMessageID string
	IdempotencyKey  string
	ProducerDID     string
	Welcomes        []WelcomeDelivery
	ConsumedHashes  []string
	Diff            MembershipDiff
	Reply           chan SendCommitResult
}

// QueryEpochResult is the reply to a QueryEpoch.
type QueryEpochResult struct {
	Epoch uint64
	Err   error
}

// QueryEpoch reads the conversation's current epoch through the actor
// (strong read).
type QueryEpoch struct {
	Reply chan QueryEpochResult
}

// MarkNeedsRejoin flags a device as waiting for a peer-generated Welcome.
type MarkNeedsRejoin struct {
	DeviceMLSDID string
	Reply        chan error
}

// DeliverWelcome is a peer-produced Welcome for a state-lost device. The
// actor treats it as a standard commit: it consumes the referenced key
// package, advances the epoch, and stores the Welcome.
type DeliverWelcome struct {
	RecipientDID   string
	KeyPackageHash string
	WelcomeData    []byte
	CommitData     []byte
	ProducerDID    string
	Reply          chan SendCommitResult
}

// inboxMessage is the tagged variant the actor dispatches on.
type inboxMessage interface{ isInbox() }

func (SendApp) isInbox()         {}
func (SendCommit) isInbox()      {}
func (QueryEpoch) isInbox()      {}
func (MarkNeedsRejoin) isInbox() {}
func (DeliverWelcome) isInbox()  {}

// Actor serializes all ordering-sensitive operations for one conversation.
type Actor struct {
	convoID string
	storage Storage
	emitter Emitter
	logger  *slog.Logger

	retention      time.Duration
	receivedBucket time.Duration

	mu       sync.Mutex
	stopped  bool
	mailbox  chan inboxMessage
	lastBusy time.Time
	done     chan struct{}

	// cachedEpoch serves QueryEpoch after warm-up. -1 (epochUnknown)
	// forces a database read.
	cachedEpoch int64
}

const epochUnknown = -1

// Config holds actor construction parameters shared across the registry.
type Config struct {
	Storage        Storage
	Emitter        Emitter
	Logger         *slog.Logger
	Retention      time.Duration // message expires-at horizon
	ReceivedBucket time.Duration // timestamp quantization granularity
}

func newActor(convoID string, cfg Config) *Actor {
	a := &Actor{
		convoID:        convoID,
		storage:        cfg.Storage,
		emitter:        cfg.Emitter,
		logger:         cfg.Logger,
		retention:      cfg.Retention,
		receivedBucket: cfg.ReceivedBucket,
		mailbox:        make(chan inboxMessage, mailboxSize),
		lastBusy:       time.Now(),
		done:           make(chan struct{}),
		cachedEpoch:    epochUnknown,
	}
	go a.run()
	return a
}

// enqueue adds a message to the mailbox. Returns false when the actor is
// stopped (caller must respawn) and an error when the mailbox is full.
func (a *Actor) enqueue(msg inboxMessage) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false, nil
	}
	select {
	case a.mailbox <- msg:
		a.lastBusy = time.Now()
		return true, nil
	default:
		return true, dserr.Internal(fmt.Errorf("mailbox full for conversation %s", a.convoID))
	}
}

// beginStop marks the actor stopped and closes the mailbox. Queued messages
// are still drained before the goroutine exits; no in-flight message is
// dropped.
func (a *Actor) beginStop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	close(a.mailbox)
}

// idleFor reports how long the actor's mailbox has been quiet.
func (a *Actor) idleFor() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.mailbox) > 0 {
		return 0
	}
	return time.Since(a.lastBusy)
}

// run is the actor goroutine: strict mailbox order, one transaction per
// message, panics contained per message.
func (a *Actor) run() {
	defer close(a.done)
	for msg := range a.mailbox {
		a.handle(msg)
	}
}

func (a *Actor) handle(msg inboxMessage) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("epoch actor panic",
				slog.String("conversation", a.convoID),
				slog.Any("panic", r),
			)
			// State lives in the database; drop the cache and keep serving.
			a.cachedEpoch = epochUnknown
			replyPanic(msg)
		}
	}()

	switch m := msg.(type) {
	case SendApp:
		m.Reply <- a.handleSendApp(m)
	case SendCommit:
		m.Reply <- a.handleCommit(commitOp{
			epochChecked:    true,
			epoch:           m.Epoch,
			commitData:      m.CommitData,
			clientMessageID: m.ClientMessageID,
			idempotencyKey:  m.IdempotencyKey,
			producerDID:     m.ProducerDID,
			welcomes:        m.Welcomes,
			consumedHashes:  m.ConsumedHashes,
			diff:            m.Diff,
		})
	case QueryEpoch:
		m.Reply <- a.handleQueryEpoch()
	case MarkNeedsRejoin:
		m.Reply <- a.handleMarkNeedsRejoin(m)
	case DeliverWelcome:
		m.Reply <- a.handleDeliverWelcome(m)
	}
}

// replyPanic unblocks the caller of a message whose handler panicked.
func replyPanic(msg inboxMessage) {
	err := dserr.Internal(errors.New("epoch actor panicked"))
	switch m := msg.(type) {
	case SendApp:
		m.Reply <- SendAppResult{Err: err}
	case SendCommit:
		m.Reply <- SendCommitResult{Err: err}
	case QueryEpoch:
		m.Reply <- QueryEpochResult{Err: err}
	case MarkNeedsRejoin:
		m.Reply <- err
	case DeliverWelcome:
		m.Reply <- SendCommitResult{Err: err}
	}
}

// handleSendApp sequences one application ciphertext: epoch gate, next seq,
// quantized receive bucket, insert with NULL sender, envelope append. The
// reply carries the assigned position; fan-out runs after commit.
func (a *Actor) handleSendApp(m SendApp) SendAppResult {
	ctx := context.Background()

	var (
		res SendAppResult
		out []OutEvent
	)
	err := a.storage.WithTx(ctx, func(tx pgx.Tx) error {
		epoch, err := a.storage.LockConversation(ctx, tx, a.convoID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return dserr.NotFound("conversation not found")
			}
			return fmt.Errorf("locking conversation: %w", err)
		}
		a.cachedEpoch = int64(epoch)

		if m.Epoch != epoch {
			return dserr.StaleEpoch(epoch)
		}

		seq, err := a.storage.NextSeq(ctx, tx, a.convoID)
		if err != nil {
			return err
		}

		now := store.Now()
		bucket := models.QuantizeReceivedAt(now, a.receivedBucket)
		id := models.NewULID()

		var idemKey *string
		if m.IdempotencyKey != "" {
			idemKey = &m.IdempotencyKey
		}
		msg := models.Message{
			ID:              id,
			ConversationID:  a.convoID,
			MessageType:     models.MessageTypeApp,
			Epoch:           epoch,
			Seq:             seq,
			Ciphertext:      m.Ciphertext,
			ClientMessageID: m.ClientMessageID,
			DeclaredSize:    m.DeclaredSize,
			PaddedSize:      m.PaddedSize,
			ReceivedBucket:  bucket,
			IdempotencyKey:  idemKey,
			ExpiresAt:       now.Add(a.retention),
		}
		if err := a.storage.InsertMessage(ctx, tx, msg); err != nil {
			if store.UniqueViolation(err, "") {
				return dserr.Conflict("client message id already used in this conversation")
			}
			return err
		}

		event := models.StreamEvent{
			Cursor:         models.NewULID(),
			ConversationID: a.convoID,
			Kind:           models.EventMessage,
			EntityID:       id.String(),
		}
		if err := a.storage.AppendEvent(ctx, tx, event); err != nil {
			return err
		}

		res = SendAppResult{Seq: seq, Epoch: epoch, ReceivedBucket: bucket}
		out = []OutEvent{{Event: event}}
		return nil
	})
	if err != nil {
		return SendAppResult{Err: dserr.From(err)}
	}

	a.emit(out)
	return res
}

// commitOp is the shared shape of SendCommit and DeliverWelcome.
type commitOp struct {
	epochChecked    bool // DeliverWelcome trusts server truth instead
	epoch           uint64
	commitData      []byte
	clientMessageID string
	idempotencyKey  string
	producerDID     string
	welcomes        []WelcomeDelivery
	consumedHashes  []string
	diff            MembershipDiff
}

// handleCommit applies a membership-changing commit in one transaction:
// consume the named key packages (conflict if any is gone), insert the
// commit message at the next seq, advance the epoch by one, apply the
// membership diff, store Welcomes, and append membership events.
func (a *Actor) handleCommit(op commitOp) SendCommitResult {
	ctx := context.Background()

	var (
		res SendCommitResult
		out []OutEvent
	)
	err := a.storage.WithTx(ctx, func(tx pgx.Tx) error {
		epoch, err := a.storage.LockConversation(ctx, tx, a.convoID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return dserr.NotFound("conversation not found")
			}
			return fmt.Errorf("locking conversation: %w", err)
		}
		a.cachedEpoch = int64(epoch)

		if op.epochChecked && op.epoch != epoch {
			return dserr.StaleEpoch(epoch)
		}

		// Removed devices must be currently active.
		for _, dmid := range op.diff.Remove {
			active, err := a.storage.IsActiveMember(ctx, tx, a.convoID, dmid)
			if err != nil {
				return err
			}
			if !active {
				return dserr.EpochConflict(fmt.Sprintf("device %s is not an active member", dmid))
			}
		}

		// Consume the named key packages, recording each package's owning
		// device. A package already consumed means a concurrent commit won
		// the race: the whole transaction fails.
		owners := make(map[string]string, len(op.consumedHashes))
		for _, hash := range op.consumedHashes {
			owner, err := a.storage.ConsumeKeyPackageByHash(ctx, tx, hash, a.convoID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return dserr.EpochConflict(fmt.Sprintf("key package %s was already consumed", hash))
				}
				return err
			}
			owners[hash] = owner
		}

		seq, err := a.storage.NextSeq(ctx, tx, a.convoID)
		if err != nil {
			return err
		}

		now := store.Now()
		id := models.NewULID()
		var idemKey *string
		if op.idempotencyKey != "" {
			idemKey = &op.idempotencyKey
		}
		msg := models.Message{
			ID:              id,
			ConversationID:  a.convoID,
			MessageType:     models.MessageTypeCommit,
			Epoch:           epoch,
			Seq:             seq,
			Ciphertext:      op.commitData,
			ClientMessageID: op.clientMessageID,
			DeclaredSize:    int32(len(op.commitData)),
			PaddedSize:      int32(len(op.commitData)),
			ReceivedBucket:  models.QuantizeReceivedAt(now, a.receivedBucket),
			IdempotencyKey:  idemKey,
			ExpiresAt:       now.Add(a.retention),
		}
		if err := a.storage.InsertMessage(ctx, tx, msg); err != nil {
			if store.UniqueViolation(err, "") {
				return dserr.Conflict("commit client message id already used")
			}
			return err
		}

		if err := a.storage.AdvanceEpoch(ctx, tx, a.convoID, epoch); err != nil {
			return err
		}

		out = append(out, OutEvent{Event: models.StreamEvent{
			Cursor:         models.NewULID(),
			ConversationID: a.convoID,
			Kind:           models.EventCommit,
			EntityID:       id.String(),
		}})

		// Apply the membership diff. Each added device must be joining via a
		// key package it owns and that this commit consumed: a hash owned by
		// a different device would sever the membership grant from the
		// pre-key it was cryptographically bound to.
		for _, add := range op.diff.Add {
			owner, consumed := owners[add.KeyPackageHash]
			if !consumed {
				return dserr.Validation(fmt.Sprintf(
					"addition of %s names key package %s, which this commit does not consume",
					add.DeviceMLSDID, add.KeyPackageHash))
			}
			if owner != add.DeviceMLSDID {
				return dserr.Validation(fmt.Sprintf(
					"key package %s belongs to %s, not to added device %s",
					add.KeyPackageHash, owner, add.DeviceMLSDID))
			}
			leaf, err := a.storage.NextLeafIndex(ctx, tx, a.convoID)
			if err != nil {
				return err
			}
			if err := a.storage.AddMember(ctx, tx, models.Member{
				ConversationID: a.convoID,
				DeviceMLSDID:   add.DeviceMLSDID,
				UserDID:        add.UserDID,
				DeviceID:       add.DeviceID,
				LeafIndex:      leaf,
				PromoterDID:    op.producerDID,
			}); err != nil {
				return err
			}
			out = append(out, OutEvent{Event: models.StreamEvent{
				Cursor:         models.NewULID(),
				ConversationID: a.convoID,
				Kind:           models.EventMemberAdded,
				EntityID:       add.DeviceMLSDID,
			}})
		}
		for _, dmid := range op.diff.Remove {
			if _, err := a.storage.RemoveMember(ctx, tx, a.convoID, dmid); err != nil {
				return err
			}
			out = append(out, OutEvent{Event: models.StreamEvent{
				Cursor:         models.NewULID(),
				ConversationID: a.convoID,
				Kind:           models.EventMemberRemoved,
				EntityID:       dmid,
			}})
		}
		if op.diff.PromoteUser != "" {
			if _, err := a.storage.SetAdmin(ctx, tx, a.convoID, op.diff.PromoteUser, op.producerDID, true); err != nil {
				return err
			}
		}
		if op.diff.DemoteUser != "" {
			admins, err := a.storage.CountActiveAdminsExcluding(ctx, tx, a.convoID, op.diff.DemoteUser)
			if err != nil {
				return err
			}
			if admins == 0 {
				return dserr.Forbidden("cannot demote the last admin")
			}
			if _, err := a.storage.SetAdmin(ctx, tx, a.convoID, op.diff.DemoteUser, op.producerDID, false); err != nil {
				return err
			}
		}

		// Store Welcomes and notify their recipients. A Welcome is only
		// valid against a package the recipient itself published.
		for _, w := range op.welcomes {
			owner, consumed := owners[w.KeyPackageHash]
			if !consumed {
				return dserr.Validation(fmt.Sprintf(
					"welcome for %s references key package %s, which this commit does not consume",
					w.RecipientDID, w.KeyPackageHash))
			}
			if owner != w.RecipientDID {
				return dserr.Validation(fmt.Sprintf(
					"key package %s belongs to %s, not to welcome recipient %s",
					w.KeyPackageHash, owner, w.RecipientDID))
			}
			if err := a.storage.UpsertWelcome(ctx, tx, models.Welcome{
				ConversationID: a.convoID,
				RecipientDID:   w.RecipientDID,
				KeyPackageHash: w.KeyPackageHash,
				WelcomeData:    w.WelcomeData,
				CommitData:     op.commitData,
				ProducerDID:    op.producerDID,
			}); err != nil {
				return err
			}
			// A rejoining recipient keeps its member row; drop the flag now
			// that a Welcome is waiting.
			if err := a.storage.ClearNeedsRejoin(ctx, tx, a.convoID, w.RecipientDID); err != nil {
				return err
			}
			out = append(out, OutEvent{
				Event: models.StreamEvent{
					Cursor:         models.NewULID(),
					ConversationID: a.convoID,
					Kind:           models.EventWelcomeAvailable,
					EntityID:       w.RecipientDID,
				},
				TargetDevice: w.RecipientDID,
			})
		}

		for _, e := range out {
			if err := a.storage.AppendEvent(ctx, tx, e.Event); err != nil {
				return err
			}
		}

		res = SendCommitResult{Epoch: epoch + 1, Seq: seq}
		return nil
	})
	if err != nil {
		return SendCommitResult{Err: dserr.From(err)}
	}

	a.cachedEpoch = int64(res.Epoch)
	a.emit(out)
	return res
}

// handleQueryEpoch serves the epoch from actor state after warm-up, reading
// storage only on a cold cache.
func (a *Actor) handleQueryEpoch() QueryEpochResult {
	if a.cachedEpoch != epochUnknown {
		return QueryEpochResult{Epoch: uint64(a.cachedEpoch)}
	}
	ctx := context.Background()
	var epoch uint64
	err := a.storage.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		epoch, err = a.storage.LockConversation(ctx, tx, a.convoID)
		if errors.Is(err, pgx.ErrNoRows) {
			return dserr.NotFound("conversation not found")
		}
		return err
	})
	if err != nil {
		return QueryEpochResult{Err: dserr.From(err)}
	}
	a.cachedEpoch = int64(epoch)
	return QueryEpochResult{Epoch: epoch}
}

// handleMarkNeedsRejoin flags the device and broadcasts a request for any
// online member to generate a Welcome for it.
func (a *Actor) handleMarkNeedsRejoin(m MarkNeedsRejoin) error {
	ctx := context.Background()
	var out []OutEvent
	err := a.storage.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := a.storage.LockConversation(ctx, tx, a.convoID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return dserr.NotFound("conversation not found")
			}
			return err
		}
		flagged, err := a.storage.SetNeedsRejoin(ctx, tx, a.convoID, m.DeviceMLSDID)
		if err != nil {
			return err
		}
		if !flagged {
			return dserr.Forbidden("device is not an active member of this conversation")
		}
		event := models.StreamEvent{
			Cursor:         models.NewULID(),
			ConversationID: a.convoID,
			Kind:           models.EventGenerateWelcomeFor,
			EntityID:       m.DeviceMLSDID,
		}
		if err := a.storage.AppendEvent(ctx, tx, event); err != nil {
			return err
		}
		out = []OutEvent{{Event: event}}
		return nil
	})
	if err != nil {
		return dserr.From(err)
	}
	a.emit(out)
	return nil
}

// handleDeliverWelcome applies a peer-produced rejoin Welcome as a commit at
// the server's current epoch.
func (a *Actor) handleDeliverWelcome(m DeliverWelcome) SendCommitResult {
	return a.handleCommit(commitOp{
		epochChecked:    false,
		commitData:      m.CommitData,
		clientMessageID: models.NewULID().String(),
		producerDID:     m.ProducerDID,
		welcomes: []WelcomeDelivery{{
			RecipientDID:   m.RecipientDID,
			KeyPackageHash: m.KeyPackageHash,
			WelcomeData:    m.WelcomeData,
		}},
		consumedHashes: []string{m.KeyPackageHash},
	})
}

// emit hands committed envelopes to the fan-out engine without blocking the
// mailbox.
func (a *Actor) emit(out []OutEvent) {
	if a.emitter == nil || len(out) == 0 {
		return
	}
	go a.emitter.Emit(out)
}
