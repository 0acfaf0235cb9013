package actor

import (
	"log/slog"
	"sync"
	"time"
)

// Registry maps conversation ids to their in-process epoch actors. Actors
// spawn lazily on first route; concurrent routes for a cold conversation
// yield exactly one actor because spawn happens under the registry lock.
// Idle actors are stopped by the sweep and respawned on the next route; the
// stop handshake guarantees no queued message is dropped.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger,
		actors: make(map[string]*Actor),
	}
}

// route delivers a message to the conversation's actor, spawning one if
// needed. A stopped-but-not-yet-drained actor is replaced; the replacement
// only observes storage state the old actor has already committed, because
// enqueue-after-stop is impossible and the conversation row lock orders any
// residual overlap.
func (r *Registry) route(convoID string, msg inboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRegistryClosed
	}

	if a, ok := r.actors[convoID]; ok {
		accepted, err := a.enqueue(msg)
		if err != nil {
			return err
		}
		if accepted {
			return nil
		}
		// Actor was stopped between sweeps; fall through and respawn.
	}

	a := newActor(convoID, r.cfg)
	r.actors[convoID] = a
	accepted, err := a.enqueue(msg)
	if err != nil {
		return err
	}
	if !accepted {
		// Unreachable: a fresh actor accepts until the sweep stops it.
		return errRegistryClosed
	}
	return nil
}

// SendApp routes an application message and waits for the actor's reply.
func (r *Registry) SendApp(convoID string, msg SendApp) SendAppResult {
	msg.Reply = make(chan SendAppResult, 1)
	if err := r.route(convoID, msg); err != nil {
		return SendAppResult{Err: err}
	}
	return <-msg.Reply
}

// SendCommit routes a membership commit and waits for the reply.
func (r *Registry) SendCommit(convoID string, msg SendCommit) SendCommitResult {
	msg.Reply = make(chan SendCommitResult, 1)
	if err := r.route(convoID, msg); err != nil {
		return SendCommitResult{Err: err}
	}
	return <-msg.Reply
}

// QueryEpoch reads the conversation's epoch through its actor.
func (r *Registry) QueryEpoch(convoID string) QueryEpochResult {
	msg := QueryEpoch{Reply: make(chan QueryEpochResult, 1)}
	if err := r.route(convoID, msg); err != nil {
		return QueryEpochResult{Err: err}
	}
	return <-msg.Reply
}

// MarkNeedsRejoin routes a rejoin flag request.
func (r *Registry) MarkNeedsRejoin(convoID, deviceMLSDID string) error {
	msg := MarkNeedsRejoin{DeviceMLSDID: deviceMLSDID, Reply: make(chan error, 1)}
	if err := r.route(convoID, msg); err != nil {
		return err
	}
	return <-msg.Reply
}

// DeliverWelcome routes a peer-produced rejoin Welcome.
func (r *Registry) DeliverWelcome(convoID string, msg DeliverWelcome) SendCommitResult {
	msg.Reply = make(chan SendCommitResult, 1)
	if err := r.route(convoID, msg); err != nil {
		return SendCommitResult{Err: err}
	}
	return <-msg.Reply
}

// Sweep stops actors idle beyond the threshold. The mapping is removed only
// after the actor stops accepting new messages, so a concurrent route
// respawns cleanly.
func (r *Registry) Sweep(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	stopped := 0
	for id, a := range r.actors {
		if a.idleFor() >= idle {
			a.beginStop()
			delete(r.actors, id)
			stopped++
		}
	}
	if stopped > 0 && r.logger != nil {
		r.logger.Debug("idle epoch actors stopped", slog.Int("count", stopped))
	}
	return stopped
}

// Len returns the live actor count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Close stops every actor and waits for their mailboxes to drain. New routes
// fail afterward.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	actors := make([]*Actor, 0, len(r.actors))
	for id, a := range r.actors {
		a.beginStop()
		actors = append(actors, a)
		delete(r.actors, id)
	}
	r.mu.Unlock()

	for _, a := range actors {
		<-a.done
	}
}

// errRegistryClosed is returned for routes after shutdown began.
var errRegistryClosed = &registryClosedError{}

type registryClosedError struct{}

func (*registryClosedError) Error() string { return "epoch actor registry is shut down" }
