package server

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/atriumhq/relay/protocol"
)

// MessageRepository is the durable message store the relay delegates to. The
// repository is the single source of truth for history; the relay's in-memory
// state only provides ordering and fanout on top of it. All calls for one
// conversation are made under that conversation's apply lock, so the
// repository never sees interleaved read-modify-write cycles for one
// conversation.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg *protocol.Message) error
	GetMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*protocol.Message, error)
	UpdateMessage(ctx context.Context, msg *protocol.Message) error
	History(ctx context.Context, conversationID uuid.UUID, limit int) ([]*protocol.Message, error)
	// MarkRead marks all messages in the conversation from senders other than
	// userID as read by userID, and reports how many were newly marked.
	MarkRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) (int64, error)
}
