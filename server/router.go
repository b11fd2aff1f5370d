package server

import (
	"encoding/json"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/atriumhq/relay/protocol"
)

// MessageRouter fans outbound envelopes to sessions. Payloads are marshalled
// once per broadcast, then the bytes are queued on each recipient session.
type MessageRouter struct {
	logger          *zap.Logger
	sessionRegistry *SessionRegistry
	tracker         *PresenceTracker
	rooms           *RoomRegistry
	metrics         *Metrics
}

func NewMessageRouter(logger *zap.Logger, sessionRegistry *SessionRegistry, tracker *PresenceTracker, rooms *RoomRegistry, metrics *Metrics) *MessageRouter {
	return &MessageRouter{
		logger:          logger,
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		rooms:           rooms,
		metrics:         metrics,
	}
}

// SendToSessionIDs delivers the envelope to each listed session that is still
// registered. Sessions that vanished between listing and delivery are skipped.
func (r *MessageRouter) SendToSessionIDs(logger *zap.Logger, sessionIDs []uuid.UUID, env *protocol.Envelope) {
	if len(sessionIDs) == 0 {
		return
	}

	payload, err := json.Marshal(env)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.String("op", env.Op), zap.Error(err))
		return
	}

	delivered := 0
	for _, sessionID := range sessionIDs {
		session := r.sessionRegistry.Get(sessionID)
		if session == nil {
			logger.Debug("No session to route to", zap.String("sid", sessionID.String()))
			continue
		}
		if err := session.SendBytes(payload); err != nil {
			logger.Warn("Failed to route message", zap.String("sid", sessionID.String()), zap.Error(err))
			continue
		}
		delivered++
	}
	r.metrics.CountMessageRouted(delivered)
}

// SendToRoom delivers to every member session of the conversation, including
// other tabs of the originating user. excludeSessionID may be uuid.Nil.
func (r *MessageRouter) SendToRoom(logger *zap.Logger, conversationID uuid.UUID, env *protocol.Envelope, excludeSessionID uuid.UUID) {
	r.SendToSessionIDs(logger, r.rooms.MemberSessionIDs(conversationID, excludeSessionID), env)
}

// SendToUser delivers to every live session of the user.
func (r *MessageRouter) SendToUser(logger *zap.Logger, userID uuid.UUID, env *protocol.Envelope) {
	r.SendToSessionIDs(logger, r.tracker.SessionIDs(userID), env)
}

// SendToAll delivers to every registered session except the excluded one.
func (r *MessageRouter) SendToAll(logger *zap.Logger, env *protocol.Envelope, excludeSessionID uuid.UUID) {
	payload, err := json.Marshal(env)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.String("op", env.Op), zap.Error(err))
		return
	}

	delivered := 0
	r.sessionRegistry.Range(func(session Session) bool {
		if session.ID() == excludeSessionID {
			return true
		}
		if err := session.SendBytes(payload); err != nil {
			logger.Warn("Failed to route message", zap.String("sid", session.ID().String()), zap.Error(err))
			return true
		}
		delivered++
		return true
	})
	r.metrics.CountMessageRouted(delivered)
}
