// Package engine wires the Identity & Token Registry, Matchmaking Engine,
// and Room Registry together into the lifecycle policy described by §4.5:
// it implements transport.Dispatcher, translating decoded wire frames into
// registry operations and registry outcomes back into wire frames.
//
// Engine itself holds no authoritative state of its own beyond the
// post-disconnect room reapers (§3 Room lifecycle) and the presence
// broadcast coalescer; the five authoritative maps described in §5 all
// live inside the registries it wraps.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lostwire/signaling/internal/identity"
	"github.com/lostwire/signaling/internal/logging"
	"github.com/lostwire/signaling/internal/matchmaking"
	"github.com/lostwire/signaling/internal/metrics"
	"github.com/lostwire/signaling/internal/protocol"
	"github.com/lostwire/signaling/internal/room"
	"github.com/lostwire/signaling/internal/transport"
)

// Socket is the connection surface the engine depends on; transport.Client
// satisfies it.
type Socket = transport.Socket

// Config carries the lifecycle timings of §4.5.
type Config struct {
	RoomReconnectTTL time.Duration
}

// Engine is the Lifecycle & Presence coordinator described by §4.5,
// dispatching onto the Identity, Matchmaking and Room components.
type Engine struct {
	identity *identity.Registry
	match    *matchmaking.Engine
	rooms    *room.Registry
	cfg      Config

	reaperMu sync.Mutex
	reapers  map[string]*time.Timer // room id -> pending post-disconnect reaper

	presence *presenceCoalescer
}

// New builds an Engine from its three registries. roomHardCap and idGen
// belong to the room.Registry itself (constructed by the caller); New
// only needs the room-reconnect grace window.
func New(identityReg *identity.Registry, match *matchmaking.Engine, rooms *room.Registry, cfg Config) *Engine {
	return &Engine{
		identity: identityReg,
		match:    match,
		rooms:    rooms,
		cfg:      cfg,
		reapers:  make(map[string]*time.Timer),
		presence: newPresenceCoalescer(identityReg),
	}
}

// HandleConnect is called once a socket is upgraded, before any frame has
// been read. Identity attach happens on the first "hello" frame, not
// here, because a fresh socket carries no token until the client sends
// one.
func (e *Engine) HandleConnect(ctx context.Context, _ Socket) {
	logging.Info(ctx, "connection opened")
}

// HandleMessage dispatches one decoded frame. Unknown types are ignored
// per §4.2. No handler closes the socket over a client-recoverable error:
// a refused join_room is answered with join_failed, while malformed
// payloads are logged and unauthorized or undeliverable relay frames are
// dropped silently.
func (e *Engine) HandleMessage(ctx context.Context, s Socket, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHello:
		e.handleHello(ctx, s, env)
	case protocol.TypeFindPartner:
		e.handleFindPartner(ctx, s, env)
	case protocol.TypeJoinRoom:
		e.handleJoinRoom(ctx, s, env)
	case protocol.TypeSkip:
		e.handleSkip(ctx, s)
	case protocol.TypeOffer:
		e.handleRelay(ctx, s, "offer", env)
	case protocol.TypeAnswer:
		e.handleRelay(ctx, s, "answer", env)
	case protocol.TypeICECandidate:
		e.handleRelay(ctx, s, "ice-candidate", env)
	case protocol.TypeRequestReoffer:
		e.handleRequestReoffer(ctx, s, env)
	default:
		logging.Warn(ctx, "ignoring unknown frame type", zap.String("type", env.Type))
		metrics.WebsocketEvents.WithLabelValues(env.Type, "unknown").Inc()
	}
}

// HandleDisconnect implements the §4.5 disconnect sequence: detach the
// token, drop any waiting-set membership, notify a live partner and
// schedule the room's post-disconnect reaper, then rebroadcast presence.
func (e *Engine) HandleDisconnect(ctx context.Context, s Socket) {
	userID := s.UserID()
	if userID == "" {
		return // never completed hello
	}

	rec, ok := e.identity.Get(userID)
	if !ok {
		return
	}
	e.identity.Detach(rec.Token)

	if e.match.RemoveFromWaiting(userID) {
		logging.Info(ctx, "disconnect while waiting", zap.String("user_id", string(userID)))
	}

	if rec.RoomID != "" {
		e.notifyDisconnectAndScheduleReap(ctx, userID, rec.RoomID)
	}

	e.presence.request()
	logging.Info(ctx, "connection closed", zap.String("user_id", string(userID)))
}

func (e *Engine) notifyDisconnectAndScheduleReap(ctx context.Context, userID identity.UserID, roomID string) {
	r, ok := e.rooms.Get(roomID)
	if !ok {
		e.identity.ClearRoomIfMatches(userID, roomID)
		return
	}
	partner, ok := r.Other(userID)
	if ok {
		e.send(partner.UserID, protocol.TypePartnerDisconnected, protocol.PartnerDisconnectedPayload{
			Room:      roomID,
			PartnerID: string(userID),
		})
	}
	e.scheduleRoomReap(roomID)
}

// scheduleRoomReap arms the reconnect-grace timer for roomID, stopping and
// replacing any existing one, so a room has at most one pending reaper and
// a second member disconnecting restarts the grace window from that
// moment. The room is deleted only if both members are still detached
// when the timer fires.
func (e *Engine) scheduleRoomReap(roomID string) {
	e.reaperMu.Lock()
	defer e.reaperMu.Unlock()

	if t, exists := e.reapers[roomID]; exists {
		t.Stop()
	}
	e.reapers[roomID] = time.AfterFunc(e.cfg.RoomReconnectTTL, func() {
		e.reapRoom(roomID)
	})
}

func (e *Engine) cancelRoomReap(roomID string) {
	e.reaperMu.Lock()
	defer e.reaperMu.Unlock()
	if t, exists := e.reapers[roomID]; exists {
		t.Stop()
		delete(e.reapers, roomID)
	}
}

func (e *Engine) reapRoom(roomID string) {
	e.reaperMu.Lock()
	delete(e.reapers, roomID)
	e.reaperMu.Unlock()

	r, ok := e.rooms.Get(roomID)
	if !ok {
		return
	}
	if e.bothDetached(r) {
		e.rooms.DeleteRoom(roomID)
		e.identity.ClearRoomIfMatches(r.A.UserID, roomID)
		e.identity.ClearRoomIfMatches(r.B.UserID, roomID)
		logging.Info(context.Background(), "room reaped after reconnect grace expired", zap.String("room_id", roomID))
	}
}

func (e *Engine) bothDetached(r *room.Room) bool {
	_, aLive := e.identity.GetSocket(r.A.UserID)
	_, bLive := e.identity.GetSocket(r.B.UserID)
	return !aLive && !bLive
}

func (e *Engine) handleHello(ctx context.Context, s Socket, env protocol.Envelope) {
	var payload protocol.HelloPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			logging.Warn(ctx, "malformed hello payload", zap.Error(err))
		}
	}

	res := e.identity.Attach(s, identity.Token(payload.Token))
	s.BindUserID(res.UserID)
	metrics.WebsocketEvents.WithLabelValues(protocol.TypeHello, "ok").Inc()

	if res.ReconnectFailed {
		e.send(res.UserID, protocol.TypeReconnectFailed, struct{}{})
	}

	if res.Reconnected {
		var activeRoom string
		if res.PriorRoomID != "" {
			e.cancelRoomReap(res.PriorRoomID)
			if r, ok := e.rooms.Get(res.PriorRoomID); ok {
				activeRoom = r.ID
				if partner, ok := r.Other(res.UserID); ok {
					e.send(partner.UserID, protocol.TypePartnerReconnected, protocol.PartnerReconnectedPayload{
						Room:      activeRoom,
						PartnerID: string(res.UserID),
					})
				}
			} else {
				e.identity.ClearRoomIfMatches(res.UserID, res.PriorRoomID)
			}
		}
		e.send(res.UserID, protocol.TypeReconnectSuccess, protocol.ReconnectSuccessPayload{
			UserID: string(res.UserID),
			Room:   activeRoom,
		})
	} else {
		e.send(res.UserID, protocol.TypeWelcome, protocol.WelcomePayload{
			UserID: string(res.UserID),
			Token:  string(res.Token),
		})
	}

	e.presence.request()
}

func (e *Engine) handleFindPartner(ctx context.Context, s Socket, env protocol.Envelope) {
	userID := s.UserID()
	if userID == "" {
		return
	}
	if rec, ok := e.identity.Get(userID); ok && rec.RoomID != "" {
		return // already paired: no-op per §4.3
	}

	var payload protocol.FindPartnerPayload
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &payload)
	}

	opts := matchmaking.Options{AudioEnabled: payload.AudioEnabled, VideoEnabled: payload.VideoEnabled}
	pair, enqueued := e.match.FindPartner(userID, opts)
	if enqueued {
		metrics.WaitingQueueDepth.Set(float64(e.match.QueueDepth()))
		return
	}
	if pair == nil {
		return // already waiting, no-op
	}

	r := e.rooms.CreateRoom(pair.Initiator.UserID, pair.Responder.UserID)
	e.identity.SetRoom(pair.Initiator.UserID, r.ID)
	e.identity.SetRoom(pair.Responder.UserID, r.ID)

	e.send(pair.Initiator.UserID, protocol.TypeRoomAssigned, protocol.RoomAssignedPayload{
		Room:                r.ID,
		Role:                protocol.RoleInitiator,
		PartnerID:           string(pair.Responder.UserID),
		PartnerAudioEnabled: pair.Responder.Opts.AudioEnabled,
		PartnerVideoEnabled: pair.Responder.Opts.VideoEnabled,
	})
	e.send(pair.Responder.UserID, protocol.TypeRoomAssigned, protocol.RoomAssignedPayload{
		Room:                r.ID,
		Role:                protocol.RoleResponder,
		PartnerID:           string(pair.Initiator.UserID),
		PartnerAudioEnabled: pair.Initiator.Opts.AudioEnabled,
		PartnerVideoEnabled: pair.Initiator.Opts.VideoEnabled,
	})

	metrics.PairingsTotal.Inc()
	metrics.PairingWaitSeconds.Observe(pair.Responder.JoinedAt.Sub(pair.Initiator.JoinedAt).Seconds())
	metrics.ActiveRooms.Set(float64(e.rooms.RoomCount()))
	metrics.WaitingQueueDepth.Set(float64(e.match.QueueDepth()))
	logging.Info(ctx, "paired", zap.String("room_id", r.ID),
		zap.String("initiator", string(pair.Initiator.UserID)),
		zap.String("responder", string(pair.Responder.UserID)))

	e.presence.request()
}

func (e *Engine) handleJoinRoom(ctx context.Context, s Socket, env protocol.Envelope) {
	userID := s.UserID()
	if userID == "" {
		return
	}
	var payload protocol.JoinRoomPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		logging.Warn(ctx, "malformed join_room payload", zap.Error(err))
		return
	}

	r, err := e.rooms.JoinRoom(userID, payload.Room)
	if err != nil {
		reason := protocol.ReasonNoRoom
		if errors.Is(err, room.ErrNotAuthorized) {
			reason = protocol.ReasonNotAuthorized
		}
		e.send(userID, protocol.TypeJoinFailed, protocol.JoinFailedPayload{Reason: reason})
		return
	}

	e.identity.RebindSocket(userID, s)
	e.cancelRoomReap(r.ID)
	role, _ := r.RoleOf(userID)
	partner, _ := r.Other(userID)
	e.send(userID, protocol.TypeRoomJoined, protocol.RoomJoinedPayload{
		Room:      r.ID,
		Role:      role,
		PartnerID: string(partner.UserID),
	})
}

func (e *Engine) handleSkip(ctx context.Context, s Socket) {
	userID := s.UserID()
	if userID == "" {
		return
	}

	if r := e.rooms.DeleteByUser(userID); r != nil {
		e.cancelRoomReap(r.ID)
		e.identity.ClearRoomIfMatches(r.A.UserID, r.ID)
		e.identity.ClearRoomIfMatches(r.B.UserID, r.ID)
		if partner, ok := r.Other(userID); ok {
			e.send(partner.UserID, protocol.TypePartnerSkipped, struct{}{})
		}
		metrics.ActiveRooms.Set(float64(e.rooms.RoomCount()))
		logging.Info(ctx, "skip", zap.String("user_id", string(userID)), zap.String("room_id", r.ID))
		e.presence.request()
		return
	}

	if e.match.RemoveFromWaiting(userID) {
		metrics.WaitingQueueDepth.Set(float64(e.match.QueueDepth()))
		e.presence.request()
	}
}

func (e *Engine) handleRelay(ctx context.Context, s Socket, kind string, env protocol.Envelope) {
	userID := s.UserID()
	if userID == "" {
		return
	}

	var payload protocol.SignalPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		logging.Warn(ctx, "malformed signal payload", zap.String("kind", kind), zap.Error(err))
		return
	}

	r, ok := e.rooms.RoomOf(userID)
	if !ok {
		metrics.RelayDropsTotal.WithLabelValues("not_in_room").Inc()
		return
	}
	partner, ok := r.Other(userID)
	if !ok {
		metrics.RelayDropsTotal.WithLabelValues("not_authorized").Inc()
		return
	}

	out := protocol.RelayedSignalPayload{SenderID: string(userID)}
	switch kind {
	case "offer":
		out.Offer = payload.Offer
	case "answer":
		out.Answer = payload.Answer
	case "ice-candidate":
		out.Candidate = payload.Candidate
	}

	if e.send(partner.UserID, kind, out) {
		metrics.RelayForwardsTotal.WithLabelValues(kind).Inc()
	} else {
		metrics.RelayDropsTotal.WithLabelValues("partner_absent").Inc()
	}
}

func (e *Engine) handleRequestReoffer(ctx context.Context, s Socket, env protocol.Envelope) {
	userID := s.UserID()
	if userID == "" {
		return
	}
	var payload protocol.RequestReofferPayload
	_ = json.Unmarshal(env.Data, &payload)

	r, ok := e.rooms.RoomOf(userID)
	if !ok {
		return
	}
	initiator := r.A
	if !initiator.IsInitiator {
		initiator = r.B
	}
	if initiator.UserID == userID {
		return // the initiator has no one else to ask
	}

	e.send(initiator.UserID, protocol.TypeRequestReoffer, protocol.RequestReofferRelayPayload{
		Room:      r.ID,
		Requester: string(userID),
	})
	logging.Info(ctx, "request_reoffer relayed", zap.String("room_id", r.ID), zap.String("requester", string(userID)))
}

// send encodes and delivers a frame to userID's currently attached
// socket, if any. Reports whether a live socket was found — the relay
// uses this to distinguish a forward from a silent drop.
func (e *Engine) send(userID identity.UserID, msgType string, payload any) bool {
	sock, ok := e.identity.GetSocket(userID)
	if !ok {
		return false
	}
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		logging.Error(context.Background(), "failed to encode frame", zap.String("type", msgType), zap.Error(err))
		return false
	}
	sock.Send(frame)
	return true
}

// Shutdown cancels every pending room reaper, used on process shutdown.
func (e *Engine) Shutdown() {
	e.reaperMu.Lock()
	defer e.reaperMu.Unlock()
	for id, t := range e.reapers {
		t.Stop()
		delete(e.reapers, id)
	}
	e.presence.stop()
}

// presenceCoalescer broadcasts user_count to every attached socket,
// coalesced to at most once per second (§4.5 recommended default) via a
// single timer rather than one per client. A circuit breaker guards the
// broadcast loop itself: repeated panics out of a misbehaving Socket.Send
// implementation trip it open so one pathological socket can't turn every
// presence event into a logging storm.
type presenceCoalescer struct {
	identity *identity.Registry
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	lastRun time.Time
	cb      *gobreaker.CircuitBreaker
}

func newPresenceCoalescer(reg *identity.Registry) *presenceCoalescer {
	settings := gobreaker.Settings{
		Name:        "presence-broadcast",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
		},
	}
	return &presenceCoalescer{
		identity: reg,
		interval: time.Second,
		cb:       gobreaker.NewCircuitBreaker(settings),
	}
}

// request schedules a broadcast: immediately if the coalescing window has
// elapsed, otherwise once it does.
func (p *presenceCoalescer) request() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		return // already scheduled
	}
	elapsed := time.Since(p.lastRun)
	if elapsed >= p.interval {
		p.broadcastLocked()
		return
	}
	p.timer = time.AfterFunc(p.interval-elapsed, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.timer = nil
		p.broadcastLocked()
	})
}

// broadcastLocked must be called with p.mu held.
func (p *presenceCoalescer) broadcastLocked() {
	p.lastRun = time.Now()
	count := p.identity.LiveUserCount()
	metrics.LiveUserCount.Set(float64(count))
	frame, err := protocol.Encode(protocol.TypeUserCount, protocol.UserCountPayload{Count: count})
	if err != nil {
		return
	}
	_, _ = p.cb.Execute(func() (any, error) {
		if failures := p.identity.BroadcastLive(frame); failures > 0 {
			return nil, errBroadcastFailures
		}
		return nil, nil
	})
}

func (p *presenceCoalescer) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

var errBroadcastFailures = errors.New("presence: one or more socket sends panicked")
