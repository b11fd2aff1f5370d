package protocol

import (
	"github.com/gofrs/uuid/v5"
)

// Inbound payloads. Validation tags are enforced by the pipeline before the
// payload reaches any component.

type JoinConversation struct {
	ConversationID uuid.UUID `json:"conversationId" validate:"required"`
}

type LeaveConversation struct {
	ConversationID uuid.UUID `json:"conversationId" validate:"required"`
}

type SendMessage struct {
	ConversationID uuid.UUID   `json:"conversationId" validate:"required"`
	Content        string      `json:"content" validate:"required,max=4096"`
	Type           MessageType `json:"type" validate:"required"`
}

type EditMessage struct {
	MessageID      uuid.UUID `json:"messageId" validate:"required"`
	ConversationID uuid.UUID `json:"conversationId" validate:"required"`
	NewText        string    `json:"newText" validate:"required,max=4096"`
}

type RecallMessage struct {
	MessageID      uuid.UUID `json:"messageId" validate:"required"`
	ConversationID uuid.UUID `json:"conversationId" validate:"required"`
}

type Reaction struct {
	MessageID      uuid.UUID `json:"messageId" validate:"required"`
	ConversationID uuid.UUID `json:"conversationId" validate:"required"`
	Emoji          string    `json:"emoji" validate:"required,max=32"`
}

type MarkRead struct {
	ConversationID uuid.UUID `json:"conversationId" validate:"required"`
}

type Typing struct {
	ConversationID uuid.UUID `json:"conversationId" validate:"required"`
}

type CallStart struct {
	RecipientID uuid.UUID `json:"recipientId" validate:"required"`
	IsVideoCall bool      `json:"isVideoCall"`
}

type CallAccept struct {
	CallID uuid.UUID `json:"callId" validate:"required"`
}

type CallDecline struct {
	CallID uuid.UUID `json:"callId" validate:"required"`
}

type CallEnd struct {
	CallID uuid.UUID `json:"callId" validate:"required"`
}

// Outbound payloads.

type UsersOnlineList struct {
	UserIDs []uuid.UUID `json:"userIds"`
}

type UserPresence struct {
	UserID uuid.UUID `json:"userId"`
}

type UserTyping struct {
	ConversationID uuid.UUID `json:"conversationId"`
	UserID         uuid.UUID `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
}

type ConversationHistory struct {
	ConversationID uuid.UUID  `json:"conversationId"`
	Messages       []*Message `json:"messages"`
}

type MessageNew struct {
	Message *Message `json:"message"`
	Cid     string   `json:"cid,omitempty"`
}

type MessageEdited struct {
	Message *Message `json:"message"`
}

type MessageRecalled struct {
	ConversationID uuid.UUID `json:"conversationId"`
	MessageID      uuid.UUID `json:"messageId"`
	Content        string    `json:"content"`
}

type ReactionUpdate struct {
	ConversationID uuid.UUID      `json:"conversationId"`
	MessageID      uuid.UUID      `json:"messageId"`
	Emoji          string         `json:"emoji"`
	UserID         uuid.UUID      `json:"userId"`
	Counts         map[string]int `json:"counts"`
}

type MessagesRead struct {
	ConversationID uuid.UUID `json:"conversationId"`
	ReaderID       uuid.UUID `json:"readerId"`
}

type CallIncoming struct {
	CallID      uuid.UUID `json:"callId"`
	CallerID    uuid.UUID `json:"callerId"`
	CallerName  string    `json:"callerName"`
	IsVideoCall bool      `json:"isVideoCall"`
	RoomURL     string    `json:"roomUrl"`
	Token       string    `json:"token"`
}

type CallRoomReady struct {
	CallID  uuid.UUID `json:"callId"`
	RoomURL string    `json:"roomUrl"`
	Token   string    `json:"token"`
}

type CallTransition struct {
	CallID uuid.UUID `json:"callId"`
}

// CallBusy tells a caller the recipient (or the caller themselves) already
// has a non-idle call. No call id exists because nothing was rung.
type CallBusy struct {
	RecipientID uuid.UUID `json:"recipientId"`
}

type CallEnded struct {
	CallID  uuid.UUID `json:"callId"`
	EndedBy uuid.UUID `json:"endedBy"`
}

// Error is returned only to the originating session, never broadcast.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
}
