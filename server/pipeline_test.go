package server

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atriumhq/relay/protocol"
)

func inbound(t *testing.T, op, cid string, payload any) *protocol.Envelope {
	t.Helper()
	env := &protocol.Envelope{Op: op, Cid: cid}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Payload = data
	}
	return env
}

func TestProcessRequestUnknownOp(t *testing.T) {
	relay := newTestRelay(t)
	a := relay.connect(uuid.Must(uuid.NewV4()), "ana")
	b := relay.connect(uuid.Must(uuid.NewV4()), "bea")

	keep := relay.pipeline.ProcessRequest(zap.NewNop(), a, inbound(t, "frobnicate", "", nil))

	assert.True(t, keep, "errors never stop the consume loop")
	errs := a.received(protocol.OpError)
	require.Len(t, errs, 1)
	got := decodePayload[protocol.Error](t, errs[0])
	assert.Equal(t, "bad_request", got.Code)
	assert.Equal(t, "frobnicate", got.Op)
	assert.Zero(t, b.countOf(protocol.OpError), "error replies go to the originator only")
}

func TestProcessRequestRejectsMalformedPayloads(t *testing.T) {
	relay := newTestRelay(t)
	session := relay.connect(uuid.Must(uuid.NewV4()), "ana")

	tests := []struct {
		name string
		env  *protocol.Envelope
	}{
		{"missing payload", inbound(t, protocol.OpSendMessage, "", nil)},
		{"not json", &protocol.Envelope{Op: protocol.OpSendMessage, Payload: json.RawMessage(`"nope`)}},
		{"empty content", inbound(t, protocol.OpSendMessage, "tmp-1", &protocol.SendMessage{
			ConversationID: uuid.Must(uuid.NewV4()),
			Type:           protocol.MessageTypeText,
		})},
		{"missing correlation id", inbound(t, protocol.OpSendMessage, "", &protocol.SendMessage{
			ConversationID: uuid.Must(uuid.NewV4()),
			Content:        "hello",
			Type:           protocol.MessageTypeText,
		})},
		{"zero conversation id", inbound(t, protocol.OpJoinConversation, "", &protocol.JoinConversation{})},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			relay.pipeline.ProcessRequest(zap.NewNop(), session, tc.env)

			errs := session.received(protocol.OpError)
			require.Len(t, errs, i+1)
			assert.Equal(t, "bad_request", decodePayload[protocol.Error](t, errs[i]).Code)
		})
	}
}

func TestProcessRequestSendRoundTrip(t *testing.T) {
	relay := newTestRelay(t)
	a := relay.connect(uuid.Must(uuid.NewV4()), "ana")
	b := relay.connect(uuid.Must(uuid.NewV4()), "bea")
	conversationID := uuid.Must(uuid.NewV4())

	for _, session := range []*fakeSession{a, b} {
		relay.pipeline.ProcessRequest(zap.NewNop(), session,
			inbound(t, protocol.OpJoinConversation, "", &protocol.JoinConversation{ConversationID: conversationID}))
		require.Equal(t, 1, session.countOf(protocol.OpConversationHistory), "join hydrates history")
	}

	relay.pipeline.ProcessRequest(zap.NewNop(), a,
		inbound(t, protocol.OpSendMessage, "tmp-7", &protocol.SendMessage{
			ConversationID: conversationID,
			Content:        "hello",
			Type:           protocol.MessageTypeText,
		}))

	for _, session := range []*fakeSession{a, b} {
		news := session.received(protocol.OpMessageNew)
		require.Len(t, news, 1)
		got := decodePayload[protocol.MessageNew](t, news[0])
		assert.Equal(t, "hello", got.Message.Content)
		assert.Equal(t, a.UserID(), got.Message.SenderID)
		assert.Equal(t, "tmp-7", got.Cid, "correlation id is echoed to the whole room")
	}
	assert.Zero(t, a.countOf(protocol.OpError))
}

func TestProcessRequestLeaveStopsDelivery(t *testing.T) {
	relay := newTestRelay(t)
	a := relay.connect(uuid.Must(uuid.NewV4()), "ana")
	b := relay.connect(uuid.Must(uuid.NewV4()), "bea")
	conversationID := uuid.Must(uuid.NewV4())
	relay.join(a, conversationID)
	relay.join(b, conversationID)

	relay.pipeline.ProcessRequest(zap.NewNop(), b,
		inbound(t, protocol.OpLeaveConversation, "", &protocol.LeaveConversation{ConversationID: conversationID}))

	relay.pipeline.ProcessRequest(zap.NewNop(), a,
		inbound(t, protocol.OpSendMessage, "tmp-1", &protocol.SendMessage{
			ConversationID: conversationID,
			Content:        "anyone there?",
			Type:           protocol.MessageTypeText,
		}))

	assert.Equal(t, 1, a.countOf(protocol.OpMessageNew))
	assert.Zero(t, b.countOf(protocol.OpMessageNew))
}

func TestTypingRelayedToRoomExcludingOriginator(t *testing.T) {
	relay := newTestRelay(t)
	userA := uuid.Must(uuid.NewV4())
	a1 := relay.connect(userA, "ana")
	a2 := relay.connect(userA, "ana")
	b := relay.connect(uuid.Must(uuid.NewV4()), "bea")
	conversationID := uuid.Must(uuid.NewV4())
	for _, session := range []*fakeSession{a1, a2, b} {
		relay.join(session, conversationID)
	}

	relay.pipeline.ProcessRequest(zap.NewNop(), a1,
		inbound(t, protocol.OpTypingStart, "", &protocol.Typing{ConversationID: conversationID}))

	assert.Zero(t, a1.countOf(protocol.OpUserTyping), "the typing session does not hear itself")
	for _, session := range []*fakeSession{a2, b} {
		typing := session.received(protocol.OpUserTyping)
		require.Len(t, typing, 1)
		got := decodePayload[protocol.UserTyping](t, typing[0])
		assert.Equal(t, userA, got.UserID)
		assert.True(t, got.IsTyping)
	}

	relay.pipeline.ProcessRequest(zap.NewNop(), a1,
		inbound(t, protocol.OpTypingStop, "", &protocol.Typing{ConversationID: conversationID}))
	stopped := decodePayload[protocol.UserTyping](t, b.received(protocol.OpUserTyping)[1])
	assert.False(t, stopped.IsTyping)
}

func TestTypingRequiresMembership(t *testing.T) {
	relay := newTestRelay(t)
	session := relay.connect(uuid.Must(uuid.NewV4()), "ana")

	relay.pipeline.ProcessRequest(zap.NewNop(), session,
		inbound(t, protocol.OpTypingStart, "", &protocol.Typing{ConversationID: uuid.Must(uuid.NewV4())}))

	errs := session.received(protocol.OpError)
	require.Len(t, errs, 1)
	assert.Equal(t, "not_room_member", decodePayload[protocol.Error](t, errs[0]).Code)
}

func TestCallStartBusyMapsToEventNotError(t *testing.T) {
	relay := newTestRelay(t)
	caller := relay.connect(uuid.Must(uuid.NewV4()), "ana")
	callee := uuid.Must(uuid.NewV4())
	relay.connect(callee, "bea")
	third := relay.connect(uuid.Must(uuid.NewV4()), "cam")

	relay.pipeline.ProcessRequest(zap.NewNop(), caller,
		inbound(t, protocol.OpCallStart, "", &protocol.CallStart{RecipientID: callee}))
	require.Empty(t, caller.received(protocol.OpError), "first call goes through")

	relay.pipeline.ProcessRequest(zap.NewNop(), third,
		inbound(t, protocol.OpCallStart, "", &protocol.CallStart{RecipientID: callee}))

	busy := third.received(protocol.OpCallBusy)
	require.Len(t, busy, 1)
	assert.Equal(t, callee, decodePayload[protocol.CallBusy](t, busy[0]).RecipientID)
	assert.Zero(t, third.countOf(protocol.OpError), "busy is an outcome, not a failure")
}

func TestDomainErrorsCarryTheirCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{ErrForbidden, "forbidden"},
		{ErrEditWindowExpired, "edit_window_expired"},
		{ErrAlreadyRecalled, "already_recalled"},
		{ErrNotRoomMember, "not_room_member"},
		{ErrCallBusy, "call_busy"},
		{ErrCallNotFound, "call_not_found"},
		{ErrProvisioningFailed, "provisioning_failed"},
		{ErrBadRequest, "bad_request"},
		{fmt.Errorf("wrapped: %w", ErrForbidden), "forbidden"},
		{assert.AnError, "internal_error"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.code, errorCode(tc.err), tc.err.Error())
	}

	opaque := decodePayload[protocol.Error](t, errorEnvelope("send:message", assert.AnError))
	assert.Equal(t, "internal server error", opaque.Message, "internal details are not leaked")
}
