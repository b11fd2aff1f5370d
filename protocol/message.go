package protocol

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// MessageType discriminates the content kinds a conversation message may carry.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem:
		return true
	}
	return false
}

// Message is the authoritative conversation message record. Recall is a
// tombstone: the record survives with IsRecalled set and the content replaced
// by a fixed placeholder, it is never physically deleted.
type Message struct {
	ID             uuid.UUID           `json:"id"`
	ConversationID uuid.UUID           `json:"conversationId"`
	SenderID       uuid.UUID           `json:"senderId"`
	Content        string              `json:"content"`
	Type           MessageType         `json:"type"`
	CreatedAt      time.Time           `json:"createdAt"`
	EditedAt       *time.Time          `json:"editedAt,omitempty"`
	IsRecalled     bool                `json:"isRecalled"`
	Reactions      map[string][]string `json:"reactions,omitempty"` // emoji -> user ids
}

// ReactionCounts flattens the reaction sets to per-emoji counts for broadcast.
func (m *Message) ReactionCounts() map[string]int {
	counts := make(map[string]int, len(m.Reactions))
	for emoji, userIDs := range m.Reactions {
		if len(userIDs) > 0 {
			counts[emoji] = len(userIDs)
		}
	}
	return counts
}
