package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/atriumhq/relay/protocol"
)

// Pipeline dispatches inbound events to the relay components and owns the
// connect/disconnect lifecycle. Validation failures are answered only to the
// originating session and never crash the relay; an unexpected fault in one
// operation is isolated to that operation.
type Pipeline struct {
	logger          *zap.Logger
	config          *Config
	sessionRegistry *SessionRegistry
	tracker         *PresenceTracker
	rooms           *RoomRegistry
	router          *MessageRouter
	messages        *MessageCoordinator
	calls           *CallRegistry
	metrics         *Metrics
	validate        *validator.Validate
}

func NewPipeline(logger *zap.Logger, config *Config, sessionRegistry *SessionRegistry, tracker *PresenceTracker, rooms *RoomRegistry, router *MessageRouter, messages *MessageCoordinator, calls *CallRegistry, metrics *Metrics) *Pipeline {
	return &Pipeline{
		logger:          logger,
		config:          config,
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		rooms:           rooms,
		router:          router,
		messages:        messages,
		calls:           calls,
		metrics:         metrics,
		validate:        validator.New(),
	}
}

// HandleConnect registers the session, derives presence, and announces the
// 0->1 transition. The full online snapshot goes to the new session only, so
// it never has to infer presence from deltas it missed.
func (p *Pipeline) HandleConnect(session Session) {
	p.sessionRegistry.Add(session)

	if wentOnline := p.tracker.Track(session.ID(), session.UserID()); wentOnline {
		p.router.SendToAll(session.Logger(),
			protocol.MustEnvelope(protocol.OpUserOnline, &protocol.UserPresence{UserID: session.UserID()}),
			session.ID())
	}

	if err := session.Send(protocol.MustEnvelope(protocol.OpUsersOnlineList,
		&protocol.UsersOnlineList{UserIDs: p.tracker.Snapshot()})); err != nil {
		session.Logger().Warn("Failed to send online snapshot", zap.Error(err))
	}
}

// HandleDisconnect releases everything the session held: room memberships,
// its presence count, and — when this was the user's last session — any call
// the user was a party to. Idempotent.
func (p *Pipeline) HandleDisconnect(session Session) {
	p.rooms.LeaveAll(session.ID())

	if userID, wentOffline := p.tracker.Untrack(session.ID()); wentOffline {
		p.router.SendToAll(session.Logger(),
			protocol.MustEnvelope(protocol.OpUserOffline, &protocol.UserPresence{UserID: userID}),
			session.ID())
		p.calls.HandleUserOffline(userID)
	}

	p.sessionRegistry.Remove(session.ID())
}

// ProcessRequest handles one inbound envelope. The returned bool reports
// whether the session should keep consuming; only a nil session state would
// stop it, errors never do.
func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, env *protocol.Envelope) bool {
	started := time.Now()
	p.metrics.CountMessageReceived(env.Op)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic in event handler", zap.String("op", env.Op), zap.Any("panic", r))
			_ = session.Send(errorEnvelope(env.Op, errors.New("internal error")))
		}
		p.metrics.ObserveProcessing(env.Op, time.Since(started))
	}()

	if err := p.dispatch(session, env); err != nil {
		if errorCode(err) == "internal_error" {
			logger.Error("Failed to process event", zap.String("op", env.Op), zap.Error(err))
		} else {
			logger.Debug("Rejected event", zap.String("op", env.Op), zap.Error(err))
		}
		if sendErr := session.Send(errorEnvelope(env.Op, err)); sendErr != nil {
			logger.Warn("Failed to send error reply", zap.Error(sendErr))
		}
	}
	return true
}

func (p *Pipeline) dispatch(session Session, env *protocol.Envelope) error {
	ctx := session.Context()

	switch env.Op {
	case protocol.OpJoinConversation:
		in := &protocol.JoinConversation{}
		if err := p.decode(env, in); err != nil {
			return err
		}
		return p.handleJoin(session, in)

	case protocol.OpLeaveConversation:
		in := &protocol.LeaveConversation{}
		if err := p.decode(env, in); err != nil {
			return err
		}
		p.rooms.Leave(in.ConversationID, session.ID())
		return nil

	case protocol.OpSendMessage:
		in := &protocol.SendMessage{}
		if err := p.decode(env, in); err != nil {
			return err
		}
		// Reconciliation of the sender's optimistic copy relies on the
		// correlation id, so a send without one is rejected outright.
		if env.Cid == "" {
			return ErrBadRequest
		}
		return p.messages.Send(ctx, session, in, env.Cid)

	case protocol.OpMessageEdit:
		in := &protocol.EditMessage{}
		if err := p.decode(env, in); err != nil {
			return err
		}
		return p.messages.Edit(ctx, session, in)

	case protocol.OpMessageRecall:
		in := &protocol.RecallMessage{}
		if err := p.decode(env, in); err != nil {
			return err
		}
		return p.messages.Recall(ctx, session, in)

	case protocol.OpReactionAdd, protocol.OpReactionRemove:
		in := &protocol.Reaction{}
		if err := p.decode(env, in); err != nil {
			return err
		}
		return p.messages.Reaction(ctx, session, in, env.Op == protocol.OpReactionAdd)

	case protocol.OpMessageRead:
		in := &protocol.MarkRead{}
		if err := p.decode(env, in); err != nil {
			return err
		}
		return p.messages.MarkRead(ctx, session, in)

	case protocol.OpTypingStart, protocol.OpTypingStop:
		in := &protocol.Typing{}
		if err := p.decode(env, in); err != nil {
			return err
		}
		return p.handleTyping(session, in, env.Op == protocol.OpTypingStart)

	case protocol.OpCallStart:
		in := &protocol.CallStart{}
		if err := p.decode(env, in); err != nil {
			return err
		}
		return p.handleCallStart(ctx, session, in)

	case protocol.OpCallAccept:
		in := &protocol.CallAccept{}
		if err := p.decode(env, in); err != nil {
			return err
		}
		return p.calls.Accept(session, in.CallID)

	case protocol.OpCallDecline:
		in := &protocol.CallDecline{}
		if err := p.decode(env, in); err != nil {
			return err
		}
		return p.calls.Decline(session, in.CallID)

	case protocol.OpCallEnd:
		in := &protocol.CallEnd{}
		if err := p.decode(env, in); err != nil {
			return err
		}
		return p.calls.End(session, in.CallID)

	default:
		return ErrBadRequest
	}
}

func (p *Pipeline) decode(env *protocol.Envelope, target any) error {
	if len(env.Payload) == 0 {
		return ErrBadRequest
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return ErrBadRequest
	}
	if err := p.validate.Struct(target); err != nil {
		return ErrBadRequest
	}
	return nil
}

// handleJoin subscribes the session and hydrates it with the most recent page
// of history, fetched from the repository outside the relay's own state.
func (p *Pipeline) handleJoin(session Session, in *protocol.JoinConversation) error {
	p.rooms.Join(in.ConversationID, session.ID(), session.UserID())

	messages, err := p.messages.History(session.Context(), in.ConversationID)
	if err != nil {
		session.Logger().Warn("Failed to fetch history on join", zap.String("conversation_id", in.ConversationID.String()), zap.Error(err))
		// Membership stands; the client can re-request history.
		return nil
	}
	return session.Send(protocol.MustEnvelope(protocol.OpConversationHistory, &protocol.ConversationHistory{
		ConversationID: in.ConversationID,
		Messages:       messages,
	}))
}

// handleTyping relays the ephemeral typing indicator to the room, excluding
// the originating session.
func (p *Pipeline) handleTyping(session Session, in *protocol.Typing, isTyping bool) error {
	if !p.rooms.IsMember(in.ConversationID, session.ID()) {
		return ErrNotRoomMember
	}
	p.router.SendToRoom(session.Logger(), in.ConversationID,
		protocol.MustEnvelope(protocol.OpUserTyping, &protocol.UserTyping{
			ConversationID: in.ConversationID,
			UserID:         session.UserID(),
			IsTyping:       isTyping,
		}), session.ID())
	return nil
}

// handleCallStart maps the busy outcome to the call:busy event rather than an
// error: the recipient is never rung and the caller returns to idle.
func (p *Pipeline) handleCallStart(ctx context.Context, session Session, in *protocol.CallStart) error {
	_, err := p.calls.Start(ctx, session, in)
	if errors.Is(err, ErrCallBusy) {
		return session.Send(protocol.MustEnvelope(protocol.OpCallBusy, &protocol.CallBusy{RecipientID: in.RecipientID}))
	}
	return err
}
