package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound operation codes accepted from clients.
const (
	OpJoinConversation  = "join:conversation"
	OpLeaveConversation = "leave:conversation"
	OpSendMessage       = "send:message"
	OpMessageEdit       = "message:edit"
	OpMessageRecall     = "message:recall"
	OpReactionAdd       = "reaction:add"
	OpReactionRemove    = "reaction:remove"
	OpMessageRead       = "message:read"
	OpTypingStart       = "typing:start"
	OpTypingStop        = "typing:stop"
	OpCallStart         = "call:start"
	OpCallAccept        = "call:accept"
	OpCallDecline       = "call:decline"
	OpCallEnd           = "call:end"
)

// Outbound operation codes emitted by the relay.
const (
	OpUsersOnlineList     = "users:online_list"
	OpUserOnline          = "user:online"
	OpUserOffline         = "user:offline"
	OpUserTyping          = "user:typing"
	OpConversationHistory = "conversation:history"
	OpMessageNew          = "message:new"
	OpMessageEdited       = "message:edited"
	OpMessageRecalled     = "message:recalled"
	OpReactionAdded       = "reaction:added"
	OpReactionRemoved     = "reaction:removed"
	OpMessagesRead        = "messages:read"
	OpCallIncoming        = "call:incoming"
	OpCallRoomReady       = "call:room_ready"
	OpCallAccepted        = "call:accepted"
	OpCallDeclined        = "call:declined"
	OpCallBusy            = "call:busy"
	OpCallNoAnswer        = "call:no_answer"
	OpCallEnded           = "call:ended"
	OpError               = "error"
)

// Envelope is the framing for every event on the wire, in both directions.
// Cid is a client-generated correlation id, required on send:message and
// echoed back inside the resulting message:new so an optimistic message is
// reconciled by id, never by content matching.
type Envelope struct {
	Op      string          `json:"op"`
	Cid     string          `json:"cid,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals the payload and wraps it with the given op code.
func NewEnvelope(op string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %q payload: %w", op, err)
	}
	return &Envelope{Op: op, Payload: data}, nil
}

// MustEnvelope is NewEnvelope for payload types that cannot fail to marshal.
// All relay-defined payload structs satisfy that.
func MustEnvelope(op string, payload any) *Envelope {
	env, err := NewEnvelope(op, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope(op=%s, cid=%s, payload=%d bytes)", e.Op, e.Cid, len(e.Payload))
}
