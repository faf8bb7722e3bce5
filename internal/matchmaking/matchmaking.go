// Package matchmaking implements the Matchmaking Engine of §4.3: a FIFO
// queue of users waiting to be paired plus a parallel set for O(1)
// membership tests, with deterministic initiator/responder assignment.
//
// The engine knows nothing about rooms or sockets. Its callers (the
// top-level engine package) are responsible for checking whether a user
// is already in a room before calling FindPartner, and for supplying a
// liveness predicate used to skip stale waiters.
package matchmaking

import (
	"sync"
	"time"

	"github.com/lostwire/signaling/internal/identity"
)

// Options carries the advisory, pairing-order-neutral hints a client may
// attach to find_partner.
type Options struct {
	AudioEnabled bool
	VideoEnabled bool
}

// Entry is a waiting user: present in both the waiting-set and the
// waiting-queue, never in a room.
type Entry struct {
	UserID   identity.UserID
	JoinedAt time.Time
	Opts     Options
}

// Pair is the result of a successful FindPartner call: one entry is the
// initiator (earlier JoinedAt, ties broken by lexicographically smaller
// UserID), the other the responder.
type Pair struct {
	Initiator Entry
	Responder Entry
}

// LiveChecker reports whether a waiting user's socket is still attached.
// Supplied by the caller (backed by the identity registry) so this
// package never depends on socket or transport types.
type LiveChecker func(identity.UserID) bool

// Engine is the Matchmaking Engine.
type Engine struct {
	mu         sync.Mutex
	waitingSet map[identity.UserID]*Entry
	queue      []identity.UserID
	isLive     LiveChecker
	now        func() time.Time
}

// NewEngine creates a Matchmaking Engine. isLive is consulted while
// popping the queue to skip waiters whose socket has since dropped.
func NewEngine(isLive LiveChecker) *Engine {
	return &Engine{
		waitingSet: make(map[identity.UserID]*Entry),
		isLive:     isLive,
		now:        time.Now,
	}
}

// FindPartner implements §4.3: if the caller is already waiting, this is a
// no-op (pair is nil, enqueued is false). Otherwise it pops candidates
// from the head of the queue, skipping entries that went stale (removed
// from the waiting-set, or no longer live) between being enqueued and
// being popped, until it finds a live partner or exhausts the queue. On a
// match both participants are removed from the waiting-set and a Pair is
// returned with roles assigned. On exhaustion the caller is enqueued.
func (e *Engine) FindPartner(userID identity.UserID, opts Options) (pair *Pair, enqueued bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, already := e.waitingSet[userID]; already {
		return nil, false
	}

	for len(e.queue) > 0 {
		candidateID := e.queue[0]
		e.queue = e.queue[1:]

		candidate, ok := e.waitingSet[candidateID]
		if !ok {
			// Removed (skip/disconnect) after being enqueued; keep popping.
			continue
		}
		delete(e.waitingSet, candidateID)

		if !e.isLive(candidateID) {
			// Stale socket: drop silently and continue popping (§4.3 race policy).
			continue
		}

		me := Entry{UserID: userID, JoinedAt: e.now(), Opts: opts}
		return buildPair(*candidate, me), false
	}

	e.waitingSet[userID] = &Entry{UserID: userID, JoinedAt: e.now(), Opts: opts}
	e.queue = append(e.queue, userID)
	return nil, true
}

// buildPair assigns initiator/responder deterministically: earlier
// JoinedAt wins; ties broken by the lexicographically smaller UserID.
func buildPair(a, b Entry) *Pair {
	aFirst := a.JoinedAt.Before(b.JoinedAt)
	tie := a.JoinedAt.Equal(b.JoinedAt)
	if tie {
		aFirst = a.UserID < b.UserID
	}
	if aFirst {
		return &Pair{Initiator: a, Responder: b}
	}
	return &Pair{Initiator: b, Responder: a}
}

// RemoveFromWaiting removes userID from both the waiting-set and the
// queue. Reports whether the user was actually waiting.
func (e *Engine) RemoveFromWaiting(userID identity.UserID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(userID)
}

func (e *Engine) removeLocked(userID identity.UserID) bool {
	if _, ok := e.waitingSet[userID]; !ok {
		return false
	}
	delete(e.waitingSet, userID)
	for i, id := range e.queue {
		if id == userID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	return true
}

// IsWaiting reports whether userID currently holds a waiting-set entry.
func (e *Engine) IsWaiting(userID identity.UserID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.waitingSet[userID]
	return ok
}

// QueueDepth returns the number of entries currently enqueued, for metrics
// and the health endpoint.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
