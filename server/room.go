package server

import (
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// RoomRegistry manages the ephemeral subscription groups, one per
// conversation. A room is the set of sessions currently subscribed to that
// conversation's events; membership is in-memory only and dies with the
// session or the process.
type RoomRegistry struct {
	sync.RWMutex
	logger *zap.Logger

	rooms     map[uuid.UUID]map[uuid.UUID]uuid.UUID // conversation id -> session id -> user id
	bySession map[uuid.UUID]map[uuid.UUID]struct{}  // session id -> conversation ids
}

func NewRoomRegistry(logger *zap.Logger) *RoomRegistry {
	return &RoomRegistry{
		logger:    logger,
		rooms:     make(map[uuid.UUID]map[uuid.UUID]uuid.UUID),
		bySession: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Join subscribes a session to a conversation. Joining an already-joined room
// is idempotent; it reports whether the membership is new.
func (r *RoomRegistry) Join(conversationID, sessionID, userID uuid.UUID) bool {
	r.Lock()
	defer r.Unlock()

	room, ok := r.rooms[conversationID]
	if !ok {
		room = make(map[uuid.UUID]uuid.UUID, 2)
		r.rooms[conversationID] = room
	}
	if _, member := room[sessionID]; member {
		return false
	}
	room[sessionID] = userID

	joined, ok := r.bySession[sessionID]
	if !ok {
		joined = make(map[uuid.UUID]struct{}, 2)
		r.bySession[sessionID] = joined
	}
	joined[conversationID] = struct{}{}
	return true
}

func (r *RoomRegistry) Leave(conversationID, sessionID uuid.UUID) {
	r.Lock()
	defer r.Unlock()
	r.leaveLocked(conversationID, sessionID)
}

func (r *RoomRegistry) leaveLocked(conversationID, sessionID uuid.UUID) {
	if room, ok := r.rooms[conversationID]; ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.rooms, conversationID)
		}
	}
	if joined, ok := r.bySession[sessionID]; ok {
		delete(joined, conversationID)
		if len(joined) == 0 {
			delete(r.bySession, sessionID)
		}
	}
}

// LeaveAll removes the session from every room it belongs to. Called on
// disconnect so no orphaned memberships survive the session.
func (r *RoomRegistry) LeaveAll(sessionID uuid.UUID) []uuid.UUID {
	r.Lock()
	defer r.Unlock()

	joined := r.bySession[sessionID]
	conversationIDs := make([]uuid.UUID, 0, len(joined))
	for conversationID := range joined {
		conversationIDs = append(conversationIDs, conversationID)
	}
	for _, conversationID := range conversationIDs {
		r.leaveLocked(conversationID, sessionID)
	}
	return conversationIDs
}

func (r *RoomRegistry) IsMember(conversationID, sessionID uuid.UUID) bool {
	r.RLock()
	defer r.RUnlock()
	_, member := r.rooms[conversationID][sessionID]
	return member
}

// MemberSessionIDs lists every member session of the room, including multiple
// tabs of the same user. excludeSessionID may be uuid.Nil.
func (r *RoomRegistry) MemberSessionIDs(conversationID, excludeSessionID uuid.UUID) []uuid.UUID {
	r.RLock()
	defer r.RUnlock()

	room := r.rooms[conversationID]
	sessionIDs := make([]uuid.UUID, 0, len(room))
	for sessionID := range room {
		if sessionID == excludeSessionID {
			continue
		}
		sessionIDs = append(sessionIDs, sessionID)
	}
	return sessionIDs
}
