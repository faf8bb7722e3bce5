package matchmaking

import (
	"testing"
	"time"

	"github.com/lostwire/signaling/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysLive(identity.UserID) bool { return true }

func TestFindPartner_FirstCallerIsEnqueued(t *testing.T) {
	e := NewEngine(alwaysLive)
	pair, enqueued := e.FindPartner("alice", Options{})

	assert.Nil(t, pair)
	assert.True(t, enqueued)
	assert.True(t, e.IsWaiting("alice"))
	assert.Equal(t, 1, e.QueueDepth())
}

func TestFindPartner_SecondCallerPairs(t *testing.T) {
	e := NewEngine(alwaysLive)
	e.FindPartner("alice", Options{})
	pair, enqueued := e.FindPartner("bob", Options{})

	require.NotNil(t, pair)
	assert.False(t, enqueued)
	assert.False(t, e.IsWaiting("alice"))
	assert.False(t, e.IsWaiting("bob"))
	assert.Equal(t, 0, e.QueueDepth())
}

func TestFindPartner_EarlierJoinerIsInitiator(t *testing.T) {
	e := NewEngine(alwaysLive)
	e.FindPartner("alice", Options{})
	pair, _ := e.FindPartner("bob", Options{})

	require.NotNil(t, pair)
	assert.Equal(t, identity.UserID("alice"), pair.Initiator.UserID)
	assert.Equal(t, identity.UserID("bob"), pair.Responder.UserID)
}

func TestFindPartner_TieBreaksOnLexicographicallySmallerID(t *testing.T) {
	e := NewEngine(alwaysLive)
	fixedNow := time.Now()
	e.now = func() time.Time { return fixedNow }

	e.FindPartner("zeta", Options{})
	pair, _ := e.FindPartner("alpha", Options{})

	require.NotNil(t, pair)
	assert.Equal(t, identity.UserID("alpha"), pair.Initiator.UserID)
	assert.Equal(t, identity.UserID("zeta"), pair.Responder.UserID)
}

func TestFindPartner_CallingTwiceFromSameUserIsNoOp(t *testing.T) {
	e := NewEngine(alwaysLive)
	e.FindPartner("alice", Options{})
	pair, enqueued := e.FindPartner("alice", Options{})

	assert.Nil(t, pair)
	assert.False(t, enqueued)
	assert.Equal(t, 1, e.QueueDepth())
}

func TestFindPartner_SkipsStaleWaiterAndContinuesPopping(t *testing.T) {
	dead := map[identity.UserID]bool{"stale": true}
	isLive := func(id identity.UserID) bool { return !dead[id] }

	e := NewEngine(isLive)
	e.FindPartner("stale", Options{})
	e.FindPartner("alice", Options{})

	pair, enqueued := e.FindPartner("bob", Options{})

	require.NotNil(t, pair)
	assert.False(t, enqueued)
	assert.Equal(t, identity.UserID("alice"), pair.Initiator.UserID)
	assert.Equal(t, identity.UserID("bob"), pair.Responder.UserID)
}

func TestFindPartner_AllStaleExhaustsQueueAndEnqueuesCaller(t *testing.T) {
	e := NewEngine(func(identity.UserID) bool { return false })
	e.FindPartner("ghost1", Options{})
	e.FindPartner("ghost2", Options{})

	// Both ghosts are stale; the third caller should end up enqueued, not paired.
	pair, enqueued := e.FindPartner("carol", Options{})

	assert.Nil(t, pair)
	assert.True(t, enqueued)
}

func TestRemoveFromWaiting(t *testing.T) {
	e := NewEngine(alwaysLive)
	e.FindPartner("alice", Options{})

	assert.True(t, e.RemoveFromWaiting("alice"))
	assert.False(t, e.IsWaiting("alice"))
	assert.Equal(t, 0, e.QueueDepth())
	assert.False(t, e.RemoveFromWaiting("alice"), "second removal is a no-op")
}

func TestFindPartner_OptionsCarriedIntoPair(t *testing.T) {
	e := NewEngine(alwaysLive)
	e.FindPartner("alice", Options{AudioEnabled: true, VideoEnabled: false})
	pair, _ := e.FindPartner("bob", Options{AudioEnabled: false, VideoEnabled: true})

	require.NotNil(t, pair)
	assert.True(t, pair.Initiator.Opts.AudioEnabled)
	assert.True(t, pair.Responder.Opts.VideoEnabled)
}
