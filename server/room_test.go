package server

import (
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atriumhq/relay/protocol"
)

func TestRoomJoinIdempotent(t *testing.T) {
	rooms := NewRoomRegistry(zap.NewNop())
	conv := uuid.Must(uuid.NewV4())
	sessionID := uuid.Must(uuid.NewV4())
	userID := uuid.Must(uuid.NewV4())

	assert.True(t, rooms.Join(conv, sessionID, userID))
	assert.False(t, rooms.Join(conv, sessionID, userID), "joining an already-joined room is idempotent")
	assert.True(t, rooms.IsMember(conv, sessionID))
	assert.Len(t, rooms.MemberSessionIDs(conv, uuid.Nil), 1)
}

func TestRoomLeaveAllOnDisconnect(t *testing.T) {
	rooms := NewRoomRegistry(zap.NewNop())
	convA := uuid.Must(uuid.NewV4())
	convB := uuid.Must(uuid.NewV4())
	sessionID := uuid.Must(uuid.NewV4())
	userID := uuid.Must(uuid.NewV4())

	rooms.Join(convA, sessionID, userID)
	rooms.Join(convB, sessionID, userID)

	left := rooms.LeaveAll(sessionID)
	assert.ElementsMatch(t, []uuid.UUID{convA, convB}, left)
	assert.False(t, rooms.IsMember(convA, sessionID))
	assert.False(t, rooms.IsMember(convB, sessionID))

	// No orphaned memberships: a repeat is empty.
	assert.Empty(t, rooms.LeaveAll(sessionID))
}

func TestRoomBroadcastReachesAllTabsWithExclusion(t *testing.T) {
	relay := newTestRelay(t)
	userA := uuid.Must(uuid.NewV4())
	userB := uuid.Must(uuid.NewV4())
	conv := uuid.Must(uuid.NewV4())

	a1 := relay.connect(userA, "ana")
	a2 := relay.connect(userA, "ana")
	b := relay.connect(userB, "bea")
	outsider := relay.connect(uuid.Must(uuid.NewV4()), "cam")

	relay.join(a1, conv)
	relay.join(a2, conv)
	relay.join(b, conv)

	env := protocol.MustEnvelope(protocol.OpUserTyping, &protocol.UserTyping{ConversationID: conv, UserID: userA, IsTyping: true})
	relay.router.SendToRoom(zap.NewNop(), conv, env, a1.ID())

	assert.Zero(t, a1.countOf(protocol.OpUserTyping), "excluded session must not receive the broadcast")
	assert.Equal(t, 1, a2.countOf(protocol.OpUserTyping), "the user's other tab must receive it")
	assert.Equal(t, 1, b.countOf(protocol.OpUserTyping))
	assert.Zero(t, outsider.countOf(protocol.OpUserTyping), "non-members must not receive room events")
}

func TestDisconnectReleasesRoomMemberships(t *testing.T) {
	relay := newTestRelay(t)
	conv := uuid.Must(uuid.NewV4())
	userA := uuid.Must(uuid.NewV4())

	a := relay.connect(userA, "ana")
	relay.join(a, conv)
	require.True(t, relay.rooms.IsMember(conv, a.ID()))

	relay.disconnect(a)
	assert.False(t, relay.rooms.IsMember(conv, a.ID()))
}
