// Package identity implements the Identity & Token Registry: it mints a
// stable logical user identity and reconnect token on first connect,
// rebinds an existing identity to a new socket when a known token is
// presented, and reaps tokens that have been idle (no socket, no room)
// for longer than the configured TTL.
//
// All mutations are serialized behind a single mutex, matching the
// single-logical-owner concurrency model used throughout this service:
// timers re-check their precondition under that same lock when they fire.
package identity

import (
	"crypto/rand"
	"encoding/base32"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UserID names a logical user, stable across reconnects for the life of
// its token.
type UserID string

// Token is a cryptographically random reconnect credential bound 1:1 to a
// UserID.
type Token string

// Socket is the live-connection handle the registry tracks per identity.
// It is also the registry's only notion of "can I reach this user right
// now" — the Signaling Relay and presence broadcasts go through GetSocket
// rather than keeping a second map of their own, so there is exactly one
// place that can answer that question.
type Socket interface {
	Send(frame []byte)
}

// Record is a snapshot of a token's state, safe to read after it is
// returned — it is copied out of the registry under lock.
type Record struct {
	UserID       UserID
	Token        Token
	SocketLive   bool
	RoomID       string
	LastSeen     time.Time
}

type entry struct {
	userID   UserID
	token    Token
	socket   Socket
	roomID   string
	lastSeen time.Time
	reaper   *time.Timer
}

// Registry is the Identity & Token Registry of §4.1.
type Registry struct {
	mu      sync.Mutex
	byToken map[Token]*entry
	byUser  map[UserID]*entry
	idleTTL time.Duration

	// afterFunc is swappable in tests to avoid real sleeps.
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewRegistry creates a Registry with the given token-idle TTL.
func NewRegistry(idleTTL time.Duration) *Registry {
	return &Registry{
		byToken:   make(map[Token]*entry),
		byUser:    make(map[UserID]*entry),
		idleTTL:   idleTTL,
		afterFunc: time.AfterFunc,
	}
}

// AttachResult is the outcome of Attach.
type AttachResult struct {
	UserID UserID
	Token  Token
	// PriorRoomID is the room the rebound identity was in, if any.
	PriorRoomID string
	// Reconnected is true when presentedToken named a known token and the
	// identity was rebound to it.
	Reconnected bool
	// ReconnectFailed is true when a token was presented but did not name
	// any known identity (so a fresh one was minted instead).
	ReconnectFailed bool
}

// Attach binds socket to an identity. If presentedToken names an existing
// token, the identity is rebound to socket and any pending idle-reaper is
// cancelled. Otherwise — including when presentedToken is unknown — a
// fresh identity and token are minted.
func (r *Registry) Attach(socket Socket, presentedToken Token) AttachResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if presentedToken != "" {
		if e, ok := r.byToken[presentedToken]; ok {
			e.socket = socket
			e.lastSeen = time.Now()
			stopReaper(e)
			return AttachResult{
				UserID:      e.userID,
				Token:       e.token,
				PriorRoomID: e.roomID,
				Reconnected: true,
			}
		}
	}

	userID := UserID(uuid.NewString())
	token := newToken()
	r.byUser[userID] = &entry{userID: userID, token: token, socket: socket, lastSeen: time.Now()}
	r.byToken[token] = r.byUser[userID]

	return AttachResult{
		UserID:          userID,
		Token:           token,
		ReconnectFailed: presentedToken != "",
	}
}

// Detach clears the socket bound to token, stamps last-seen, and schedules
// a one-shot reaper that deletes the identity if it is still socket-less
// and room-less when the TTL elapses.
func (r *Registry) Detach(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byToken[token]
	if !ok {
		return
	}
	e.socket = nil
	e.lastSeen = time.Now()
	r.scheduleReaper(e)
}

// scheduleReaper must be called with r.mu held.
func (r *Registry) scheduleReaper(e *entry) {
	stopReaper(e)
	e.reaper = r.afterFunc(r.idleTTL, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if e.socket == nil && e.roomID == "" {
			delete(r.byToken, e.token)
			delete(r.byUser, e.userID)
		}
	})
}

func stopReaper(e *entry) {
	if e.reaper != nil {
		e.reaper.Stop()
		e.reaper = nil
	}
}

// RebindSocket updates the live socket for an already-known user, e.g.
// right after the Matchmaking Engine pairs them into a room. It does not
// touch RoomID or reaper state beyond cancelling any pending one.
func (r *Registry) RebindSocket(userID UserID, socket Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[userID]
	if !ok {
		return
	}
	e.socket = socket
	e.lastSeen = time.Now()
	stopReaper(e)
}

// SetRoom records the room a user currently belongs to ("" clears it).
func (r *Registry) SetRoom(userID UserID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byUser[userID]; ok {
		e.roomID = roomID
	}
}

// ClearRoomIfMatches clears RoomID only if it currently equals roomID,
// avoiding a race where a user already re-paired into a newer room before
// a stale cleanup for an older room runs.
func (r *Registry) ClearRoomIfMatches(userID UserID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byUser[userID]; ok && e.roomID == roomID {
		e.roomID = ""
	}
}

// Get returns a snapshot of a user's current record.
func (r *Registry) Get(userID UserID) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[userID]
	if !ok {
		return Record{}, false
	}
	return toRecord(e), true
}

// TokenFor resolves the record bound to a token, for presenting
// reconnect-success/failed replies.
func (r *Registry) TokenFor(token Token) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byToken[token]
	if !ok {
		return Record{}, false
	}
	return toRecord(e), true
}

// GetSocket returns the socket currently attached to userID, for relaying
// a signaling frame or a presence notification. ok is false if the user
// is unknown or has no live socket, in which case the caller drops the
// message silently per §4.4.
func (r *Registry) GetSocket(userID UserID) (Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[userID]
	if !ok || e.socket == nil {
		return nil, false
	}
	return e.socket, true
}

func toRecord(e *entry) Record {
	return Record{
		UserID:     e.userID,
		Token:      e.token,
		SocketLive: e.socket != nil,
		RoomID:     e.roomID,
		LastSeen:   e.lastSeen,
	}
}

// BroadcastLive sends frame to every identity with a currently attached
// socket, used by the Lifecycle & Presence user_count broadcast (§4.5).
// A panicking Socket.Send (a misbehaving caller-supplied implementation)
// is recovered per-recipient and counted as a failure rather than
// aborting the broadcast for everyone else.
func (r *Registry) BroadcastLive(frame []byte) (failures int) {
	r.mu.Lock()
	sockets := make([]Socket, 0, len(r.byUser))
	for _, e := range r.byUser {
		if e.socket != nil {
			sockets = append(sockets, e.socket)
		}
	}
	r.mu.Unlock()

	for _, s := range sockets {
		if !safeSend(s, frame) {
			failures++
		}
	}
	return failures
}

func safeSend(s Socket, frame []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	s.Send(frame)
	return true
}

// LiveUserCount returns the number of tokens with an attached socket —
// the authoritative source for the user_count broadcast.
func (r *Registry) LiveUserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.byUser {
		if e.socket != nil {
			n++
		}
	}
	return n
}

// TokenCount returns the total number of known tokens, live or idle.
func (r *Registry) TokenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// Shutdown cancels every pending reaper timer, used on process shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byUser {
		stopReaper(e)
	}
}

// newToken mints a >=128 bit cryptographically random opaque string.
func newToken() Token {
	buf := make([]byte, 20) // 160 bits
	if _, err := rand.Read(buf); err != nil {
		panic("identity: crypto/rand unavailable: " + err.Error())
	}
	return Token(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf))
}
