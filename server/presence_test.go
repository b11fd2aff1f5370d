package server

import (
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atriumhq/relay/protocol"
)

func TestPresenceTrackerReferenceCounting(t *testing.T) {
	tracker := NewPresenceTracker(zap.NewNop(), NewMetrics("test"))
	user := uuid.Must(uuid.NewV4())
	s1 := uuid.Must(uuid.NewV4())
	s2 := uuid.Must(uuid.NewV4())

	assert.True(t, tracker.Track(s1, user), "first session must report the 0->1 transition")
	assert.True(t, tracker.IsOnline(user))

	assert.False(t, tracker.Track(s2, user), "second session must not report a transition")
	assert.False(t, tracker.Track(s2, user), "re-tracking the same session is a no-op")
	assert.True(t, tracker.IsOnline(user))

	gotUser, wentOffline := tracker.Untrack(s1)
	assert.Equal(t, user, gotUser)
	assert.False(t, wentOffline, "one tab closing while another remains must not go offline")
	assert.True(t, tracker.IsOnline(user))

	gotUser, wentOffline = tracker.Untrack(s2)
	assert.Equal(t, user, gotUser)
	assert.True(t, wentOffline, "last session closing is the 1->0 transition")
	assert.False(t, tracker.IsOnline(user))

	_, wentOffline = tracker.Untrack(s2)
	assert.False(t, wentOffline, "untracking an unknown session is a no-op")
}

func TestPresenceTransitionBroadcastOncePerBoundary(t *testing.T) {
	relay := newTestRelay(t)
	userA := uuid.Must(uuid.NewV4())
	userB := uuid.Must(uuid.NewV4())

	observer := relay.connect(userB, "bea")

	a1 := relay.connect(userA, "ana")
	require.Equal(t, 1, observer.countOf(protocol.OpUserOnline), "0->1 must broadcast exactly one user:online")

	a2 := relay.connect(userA, "ana")
	assert.Equal(t, 1, observer.countOf(protocol.OpUserOnline), "second tab must not re-announce")

	relay.disconnect(a1)
	assert.Zero(t, observer.countOf(protocol.OpUserOffline), "closing one of two tabs must not announce offline")

	relay.disconnect(a2)
	assert.Equal(t, 1, observer.countOf(protocol.OpUserOffline), "1->0 must broadcast exactly one user:offline")

	// Double disconnect races resolve to a no-op.
	relay.disconnect(a2)
	assert.Equal(t, 1, observer.countOf(protocol.OpUserOffline))
}

func TestConnectReceivesSnapshotNotDeltas(t *testing.T) {
	relay := newTestRelay(t)
	userA := uuid.Must(uuid.NewV4())
	userB := uuid.Must(uuid.NewV4())

	a := relay.connect(userA, "ana")
	b := relay.connect(userB, "bea")

	// The new session gets the full snapshot, existing sessions get none.
	snapshots := b.received(protocol.OpUsersOnlineList)
	require.Len(t, snapshots, 1)
	list := decodePayload[protocol.UsersOnlineList](t, snapshots[0])
	assert.ElementsMatch(t, []uuid.UUID{userA, userB}, list.UserIDs)

	require.Equal(t, 1, a.countOf(protocol.OpUsersOnlineList), "existing sessions keep only their own snapshot")

	// The announced delta went to the existing session, not to the new one.
	assert.Equal(t, 1, a.countOf(protocol.OpUserOnline))
	assert.Zero(t, b.countOf(protocol.OpUserOnline))
}

func TestSessionRegistryRemoveIdempotent(t *testing.T) {
	registry := NewSessionRegistry(zap.NewNop(), NewMetrics("test"))
	session := newFakeSession(uuid.Must(uuid.NewV4()), "ana")

	registry.Add(session)
	assert.Equal(t, 1, registry.Count())
	assert.Equal(t, session, registry.Get(session.ID()))

	registry.Remove(session.ID())
	registry.Remove(session.ID())
	assert.Zero(t, registry.Count())
	assert.Nil(t, registry.Get(session.ID()))
}
