// Package room implements the Room Registry of §4.4: it holds active
// pair-rooms, their members' roles, and creation time, and authorizes
// signaling by membership.
//
// Socket handles are not stored here — the Identity & Token Registry is
// the single source of truth for "what socket is currently attached to
// this user" (it already tracks that for the idle-reaper), so the Room
// Registry only tracks membership and roles, and callers resolve a
// member's live socket through identity.Registry. This keeps exactly one
// place that can answer "is this user currently reachable" instead of two
// maps that could disagree.
package room

import (
	"errors"
	"sync"
	"time"

	"github.com/lostwire/signaling/internal/identity"
)

// Role strings mirror protocol.RoleInitiator / protocol.RoleResponder
// without importing the protocol package, keeping room dependency-free of
// the wire format.
const (
	RoleInitiator = "initiator"
	RoleResponder = "responder"
)

// ErrNotFound is returned by JoinRoom when no room exists for the given id.
var ErrNotFound = errors.New("room: not found")

// ErrNotAuthorized is returned by JoinRoom when the caller is not a member
// of the named room.
var ErrNotAuthorized = errors.New("room: not authorized")

// Member is one side of a pairing.
type Member struct {
	UserID      identity.UserID
	IsInitiator bool
}

// Room binds exactly two identities for the duration of one paired
// session. Exactly one of A.IsInitiator / B.IsInitiator is true.
type Room struct {
	ID        string
	A, B      Member
	CreatedAt time.Time

	hardCapTimer *time.Timer
}

// Other returns the member record of userID's partner.
func (r *Room) Other(userID identity.UserID) (Member, bool) {
	switch userID {
	case r.A.UserID:
		return r.B, true
	case r.B.UserID:
		return r.A, true
	default:
		return Member{}, false
	}
}

// Contains reports whether userID is a member of this room.
func (r *Room) Contains(userID identity.UserID) bool {
	return userID == r.A.UserID || userID == r.B.UserID
}

// RoleOf returns the role string for userID if they are a member.
func (r *Room) RoleOf(userID identity.UserID) (string, bool) {
	var self Member
	switch userID {
	case r.A.UserID:
		self = r.A
	case r.B.UserID:
		self = r.B
	default:
		return "", false
	}
	if self.IsInitiator {
		return RoleInitiator, true
	}
	return RoleResponder, true
}

// Registry is the Room Registry of §4.4.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	byUser  map[identity.UserID]string
	hardCap time.Duration

	newID     func() string
	afterFunc func(time.Duration, func()) *time.Timer

	// onHardCapExpire is invoked (outside the lock) with the room being
	// forcibly removed, so the caller can notify members and clear their
	// identity-registry room bindings. May be nil.
	onHardCapExpire func(*Room)
}

// NewRegistry creates a Room Registry. hardCap is the safety-net age after
// which a room is deleted regardless of member state (§4.5).
func NewRegistry(hardCap time.Duration, idGen func() string, onHardCapExpire func(*Room)) *Registry {
	return &Registry{
		rooms:           make(map[string]*Room),
		byUser:          make(map[identity.UserID]string),
		hardCap:         hardCap,
		newID:           idGen,
		afterFunc:       time.AfterFunc,
		onHardCapExpire: onHardCapExpire,
	}
}

// CreateRoom creates a fresh room binding initiatorID and responderID.
// Exactly one of them is flagged as initiator.
func (reg *Registry) CreateRoom(initiatorID, responderID identity.UserID) *Room {
	reg.mu.Lock()

	id := reg.newID()
	r := &Room{
		ID:        id,
		CreatedAt: time.Now(),
		A:         Member{UserID: initiatorID, IsInitiator: true},
		B:         Member{UserID: responderID, IsInitiator: false},
	}
	reg.rooms[id] = r
	reg.byUser[initiatorID] = id
	reg.byUser[responderID] = id

	r.hardCapTimer = reg.afterFunc(reg.hardCap, func() { reg.expireHardCap(id) })

	reg.mu.Unlock()
	return r
}

func (reg *Registry) expireHardCap(roomID string) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, roomID)
	if reg.byUser[r.A.UserID] == roomID {
		delete(reg.byUser, r.A.UserID)
	}
	if reg.byUser[r.B.UserID] == roomID {
		delete(reg.byUser, r.B.UserID)
	}
	reg.mu.Unlock()

	if reg.onHardCapExpire != nil {
		reg.onHardCapExpire(r)
	}
}

// JoinRoom verifies userID is a member of roomID and returns the room.
func (reg *Registry) JoinRoom(userID identity.UserID, roomID string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	if !r.Contains(userID) {
		return nil, ErrNotAuthorized
	}
	return r, nil
}

// RoomOf returns the room userID currently belongs to, authoritatively —
// used by the Signaling Relay instead of trusting a room id carried in an
// inbound frame (§4.4 authorization note).
func (reg *Registry) RoomOf(userID identity.UserID) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	roomID, ok := reg.byUser[userID]
	if !ok {
		return nil, false
	}
	r, ok := reg.rooms[roomID]
	return r, ok
}

// Get returns the room for roomID, if any.
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

// DeleteRoom removes roomID unconditionally and returns the room that was
// removed (nil if it did not exist). Used by the post-disconnect
// reconnect-grace reaper; Skip goes through DeleteByUser.
func (reg *Registry) DeleteRoom(roomID string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.deleteRoomLocked(roomID)
}

func (reg *Registry) deleteRoomLocked(roomID string) *Room {
	r, ok := reg.rooms[roomID]
	if !ok {
		return nil
	}
	if r.hardCapTimer != nil {
		r.hardCapTimer.Stop()
	}
	delete(reg.rooms, roomID)
	if reg.byUser[r.A.UserID] == roomID {
		delete(reg.byUser, r.A.UserID)
	}
	if reg.byUser[r.B.UserID] == roomID {
		delete(reg.byUser, r.B.UserID)
	}
	return r
}

// DeleteByUser removes whatever room userID currently belongs to, if any,
// returning it. Used by Skip (§4.4).
func (reg *Registry) DeleteByUser(userID identity.UserID) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	roomID, ok := reg.byUser[userID]
	if !ok {
		return nil
	}
	return reg.deleteRoomLocked(roomID)
}

// RoomCount returns the number of active rooms, for metrics/health.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Shutdown cancels every pending hard-cap timer.
func (reg *Registry) Shutdown() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, r := range reg.rooms {
		if r.hardCapTimer != nil {
			r.hardCapTimer.Stop()
		}
	}
}
