package server

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/atriumhq/relay/protocol"
)

// MessageCoordinator validates and fans out message lifecycle operations.
// Every mutation for one conversation is applied under that conversation's
// lock, giving clients a single authoritative event order per conversation
// while unrelated conversations proceed in parallel.
type MessageCoordinator struct {
	logger  *zap.Logger
	config  *Config
	repo    MessageRepository
	rooms   *RoomRegistry
	router  *MessageRouter
	metrics *Metrics

	// applyLocks holds one mutex per conversation touched since process
	// start, never evicted: an entry must stay stable while any in-flight
	// operation may still reference it, so growth is bounded by the number
	// of distinct conversations seen, not by live rooms.
	applyLocks sync.Map // conversation id -> *sync.Mutex
}

func NewMessageCoordinator(logger *zap.Logger, config *Config, repo MessageRepository, rooms *RoomRegistry, router *MessageRouter, metrics *Metrics) *MessageCoordinator {
	return &MessageCoordinator{
		logger:  logger,
		config:  config,
		repo:    repo,
		rooms:   rooms,
		router:  router,
		metrics: metrics,
	}
}

func (c *MessageCoordinator) lockConversation(conversationID uuid.UUID) *sync.Mutex {
	value, _ := c.applyLocks.LoadOrStore(conversationID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu
}

// Send validates room membership, persists the message, and broadcasts
// message:new to the whole room — including the sender's own other sessions,
// which is how multi-tab consistency and optimistic reconciliation work. The
// client correlation id travels on the broadcast payload untouched.
func (c *MessageCoordinator) Send(ctx context.Context, session Session, in *protocol.SendMessage, cid string) error {
	if !c.rooms.IsMember(in.ConversationID, session.ID()) {
		return ErrNotRoomMember
	}
	if !in.Type.Valid() {
		return ErrBadRequest
	}

	msg := &protocol.Message{
		ID:             uuid.Must(uuid.NewV4()),
		ConversationID: in.ConversationID,
		SenderID:       session.UserID(),
		Content:        in.Content,
		Type:           in.Type,
		CreatedAt:      time.Now().UTC(),
		Reactions:      make(map[string][]string),
	}

	mu := c.lockConversation(in.ConversationID)
	defer mu.Unlock()

	if err := c.repo.CreateMessage(ctx, msg); err != nil {
		return err
	}
	c.router.SendToRoom(session.Logger(), in.ConversationID,
		protocol.MustEnvelope(protocol.OpMessageNew, &protocol.MessageNew{Message: msg, Cid: cid}), uuid.Nil)
	return nil
}

// Edit rewrites the message content inside the editable window. Only the
// sender may edit, and a recalled message stays a tombstone forever.
func (c *MessageCoordinator) Edit(ctx context.Context, session Session, in *protocol.EditMessage) error {
	if !c.rooms.IsMember(in.ConversationID, session.ID()) {
		return ErrNotRoomMember
	}

	mu := c.lockConversation(in.ConversationID)
	defer mu.Unlock()

	msg, err := c.repo.GetMessage(ctx, in.ConversationID, in.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrBadRequest
	}
	if msg.SenderID != session.UserID() {
		return ErrForbidden
	}
	if msg.IsRecalled {
		return ErrAlreadyRecalled
	}
	if time.Since(msg.CreatedAt) > c.config.EditWindow() {
		return ErrEditWindowExpired
	}

	now := time.Now().UTC()
	msg.Content = in.NewText
	msg.EditedAt = &now
	if err := c.repo.UpdateMessage(ctx, msg); err != nil {
		return err
	}
	c.router.SendToRoom(session.Logger(), in.ConversationID,
		protocol.MustEnvelope(protocol.OpMessageEdited, &protocol.MessageEdited{Message: msg}), uuid.Nil)
	return nil
}

// Recall tombstones the message. There is no time window and the operation is
// irreversible; the stored content is replaced by the fixed placeholder so it
// is gone server-side, not just hidden.
func (c *MessageCoordinator) Recall(ctx context.Context, session Session, in *protocol.RecallMessage) error {
	if !c.rooms.IsMember(in.ConversationID, session.ID()) {
		return ErrNotRoomMember
	}

	mu := c.lockConversation(in.ConversationID)
	defer mu.Unlock()

	msg, err := c.repo.GetMessage(ctx, in.ConversationID, in.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrBadRequest
	}
	if msg.SenderID != session.UserID() {
		return ErrForbidden
	}
	if msg.IsRecalled {
		return ErrAlreadyRecalled
	}

	msg.IsRecalled = true
	msg.Content = c.config.Chat.RecallPlaceholder
	if err := c.repo.UpdateMessage(ctx, msg); err != nil {
		return err
	}
	c.router.SendToRoom(session.Logger(), in.ConversationID,
		protocol.MustEnvelope(protocol.OpMessageRecalled, &protocol.MessageRecalled{
			ConversationID: in.ConversationID,
			MessageID:      in.MessageID,
			Content:        msg.Content,
		}), uuid.Nil)
	return nil
}

// Reaction toggles set membership for (message, user, emoji). Both directions
// are idempotent: adding an existing reaction or removing an absent one leaves
// state identical and broadcasts nothing.
func (c *MessageCoordinator) Reaction(ctx context.Context, session Session, in *protocol.Reaction, add bool) error {
	if !c.rooms.IsMember(in.ConversationID, session.ID()) {
		return ErrNotRoomMember
	}

	mu := c.lockConversation(in.ConversationID)
	defer mu.Unlock()

	msg, err := c.repo.GetMessage(ctx, in.ConversationID, in.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrBadRequest
	}
	if msg.IsRecalled {
		return ErrAlreadyRecalled
	}

	userID := session.UserID().String()
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	userIDs := msg.Reactions[in.Emoji]
	present := slices.Contains(userIDs, userID)

	op := protocol.OpReactionAdded
	switch {
	case add && !present:
		msg.Reactions[in.Emoji] = append(userIDs, userID)
	case !add && present:
		userIDs = slices.DeleteFunc(userIDs, func(id string) bool { return id == userID })
		if len(userIDs) == 0 {
			delete(msg.Reactions, in.Emoji)
		} else {
			msg.Reactions[in.Emoji] = userIDs
		}
		op = protocol.OpReactionRemoved
	default:
		// Toggle is already in the requested state.
		return nil
	}

	if err := c.repo.UpdateMessage(ctx, msg); err != nil {
		return err
	}
	c.router.SendToRoom(session.Logger(), in.ConversationID,
		protocol.MustEnvelope(op, &protocol.ReactionUpdate{
			ConversationID: in.ConversationID,
			MessageID:      in.MessageID,
			Emoji:          in.Emoji,
			UserID:         session.UserID(),
			Counts:         msg.ReactionCounts(),
		}), uuid.Nil)
	return nil
}

// MarkRead marks all prior messages from other senders as read by the acting
// user and tells the room so senders can update their delivery ticks.
func (c *MessageCoordinator) MarkRead(ctx context.Context, session Session, in *protocol.MarkRead) error {
	if !c.rooms.IsMember(in.ConversationID, session.ID()) {
		return ErrNotRoomMember
	}

	mu := c.lockConversation(in.ConversationID)
	defer mu.Unlock()

	if _, err := c.repo.MarkRead(ctx, in.ConversationID, session.UserID(), time.Now().UTC()); err != nil {
		return err
	}
	c.router.SendToRoom(session.Logger(), in.ConversationID,
		protocol.MustEnvelope(protocol.OpMessagesRead, &protocol.MessagesRead{
			ConversationID: in.ConversationID,
			ReaderID:       session.UserID(),
		}), uuid.Nil)
	return nil
}

// History fetches the most recent page of the conversation for hydration on
// join. Read-only, so it does not take the apply lock.
func (c *MessageCoordinator) History(ctx context.Context, conversationID uuid.UUID) ([]*protocol.Message, error) {
	return c.repo.History(ctx, conversationID, c.config.Chat.HistoryPageSize)
}
