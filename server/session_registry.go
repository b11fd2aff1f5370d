package server

import (
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SessionRegistry tracks every live session on this node, keyed by session id.
// It owns nothing but the id -> session mapping; presence derivation lives in
// the PresenceTracker.
type SessionRegistry struct {
	sync.RWMutex
	logger  *zap.Logger
	metrics *Metrics

	sessions map[uuid.UUID]Session
	count    *atomic.Int32
}

func NewSessionRegistry(logger *zap.Logger, metrics *Metrics) *SessionRegistry {
	return &SessionRegistry{
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[uuid.UUID]Session),
		count:    atomic.NewInt32(0),
	}
}

func (r *SessionRegistry) Count() int {
	return int(r.count.Load())
}

func (r *SessionRegistry) Get(sessionID uuid.UUID) Session {
	r.RLock()
	session := r.sessions[sessionID]
	r.RUnlock()
	return session
}

func (r *SessionRegistry) Add(session Session) {
	r.Lock()
	r.sessions[session.ID()] = session
	r.Unlock()

	count := r.count.Inc()
	r.metrics.GaugeSessions(float64(count))
	r.logger.Debug("Session added", zap.String("sid", session.ID().String()), zap.String("uid", session.UserID().String()))
}

// Remove is idempotent: removing an unknown session id is a no-op. This
// covers double-disconnect races where the read loop and a server-side close
// both reach cleanup.
func (r *SessionRegistry) Remove(sessionID uuid.UUID) {
	r.Lock()
	_, found := r.sessions[sessionID]
	if found {
		delete(r.sessions, sessionID)
	}
	r.Unlock()

	if !found {
		return
	}
	count := r.count.Dec()
	r.metrics.GaugeSessions(float64(count))
	r.logger.Debug("Session removed", zap.String("sid", sessionID.String()))
}

func (r *SessionRegistry) Range(fn func(session Session) bool) {
	r.RLock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.RUnlock()

	// Iterate outside the lock so fn may call back into the registry.
	for _, session := range sessions {
		if !fn(session) {
			return
		}
	}
}

// Stop closes every remaining session. Used during graceful shutdown.
func (r *SessionRegistry) Stop(reason string) {
	r.Range(func(session Session) bool {
		session.Close(reason)
		return true
	})
}
