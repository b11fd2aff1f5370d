package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/atriumhq/relay/protocol"
)

// PostgresMessageRepository persists conversation messages in the portal's
// relational store. Reactions are held as a jsonb document on the message row;
// the per-conversation apply lock upstream makes the read-modify-write on that
// document safe.
//
// Expected schema:
//
//	CREATE TABLE messages (
//	    id              UUID PRIMARY KEY,
//	    conversation_id UUID        NOT NULL,
//	    sender_id       UUID        NOT NULL,
//	    content         TEXT        NOT NULL,
//	    message_type    TEXT        NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    edited_at       TIMESTAMPTZ,
//	    is_recalled     BOOLEAN     NOT NULL DEFAULT FALSE,
//	    reactions       JSONB       NOT NULL DEFAULT '{}'
//	);
//	CREATE INDEX messages_conversation_created_idx
//	    ON messages (conversation_id, created_at DESC, id DESC);
//
//	CREATE TABLE message_reads (
//	    message_id UUID        NOT NULL REFERENCES messages (id),
//	    user_id    UUID        NOT NULL,
//	    read_at    TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (message_id, user_id)
//	);
type PostgresMessageRepository struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
}

func NewPostgresMessageRepository(logger *zap.Logger, pool *pgxpool.Pool) *PostgresMessageRepository {
	return &PostgresMessageRepository{logger: logger, pool: pool}
}

func (r *PostgresMessageRepository) CreateMessage(ctx context.Context, msg *protocol.Message) error {
	reactions, err := json.Marshal(msg.Reactions)
	if err != nil {
		return fmt.Errorf("could not marshal reactions: %w", err)
	}

	query := `
INSERT INTO messages (id, conversation_id, sender_id, content, message_type, created_at, is_recalled, reactions)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.pool.Exec(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, string(msg.Type),
		msg.CreatedAt, msg.IsRecalled, reactions)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// The relay generates v4 ids, a duplicate means a retried write
			// that already landed.
			r.logger.Warn("Duplicate message insert ignored", zap.String("mid", msg.ID.String()))
			return nil
		}
		return fmt.Errorf("could not insert message: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepository) GetMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*protocol.Message, error) {
	query := `
SELECT id, conversation_id, sender_id, content, message_type, created_at, edited_at, is_recalled, reactions
FROM messages
WHERE conversation_id = $1 AND id = $2`
	msg, err := scanMessage(r.pool.QueryRow(ctx, query, conversationID, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not query message: %w", err)
	}
	return msg, nil
}

func (r *PostgresMessageRepository) UpdateMessage(ctx context.Context, msg *protocol.Message) error {
	reactions, err := json.Marshal(msg.Reactions)
	if err != nil {
		return fmt.Errorf("could not marshal reactions: %w", err)
	}

	query := `
UPDATE messages
SET content = $3, edited_at = $4, is_recalled = $5, reactions = $6
WHERE conversation_id = $1 AND id = $2`
	tag, err := r.pool.Exec(ctx, query,
		msg.ConversationID, msg.ID, msg.Content, msg.EditedAt, msg.IsRecalled, reactions)
	if err != nil {
		return fmt.Errorf("could not update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s not found in conversation %s", msg.ID, msg.ConversationID)
	}
	return nil
}

func (r *PostgresMessageRepository) History(ctx context.Context, conversationID uuid.UUID, limit int) ([]*protocol.Message, error) {
	query := `
SELECT id, conversation_id, sender_id, content, message_type, created_at, edited_at, is_recalled, reactions
FROM (
    SELECT * FROM messages
    WHERE conversation_id = $1
    ORDER BY created_at DESC, id DESC
    LIMIT $2
) recent
ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query history: %w", err)
	}
	defer rows.Close()

	messages := make([]*protocol.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresMessageRepository) MarkRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) (int64, error) {
	query := `
INSERT INTO message_reads (message_id, user_id, read_at)
SELECT m.id, $2, $3
FROM messages m
WHERE m.conversation_id = $1 AND m.sender_id <> $2
ON CONFLICT (message_id, user_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, conversationID, userID, at)
	if err != nil {
		return 0, fmt.Errorf("could not mark messages read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (*protocol.Message, error) {
	var (
		msg       protocol.Message
		msgType   string
		reactions []byte
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content,
		&msgType, &msg.CreatedAt, &msg.EditedAt, &msg.IsRecalled, &reactions); err != nil {
		return nil, err
	}
	msg.Type = protocol.MessageType(msgType)
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &msg.Reactions); err != nil {
			return nil, fmt.Errorf("could not unmarshal reactions: %w", err)
		}
	}
	return &msg, nil
}
