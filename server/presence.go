package server

import (
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// PresenceTracker derives per-user online state from live sessions by
// reference counting. A user is online iff at least one session is open, and
// an online/offline transition is reported only on the 0<->1 boundary, never
// per session. Closing one tab while another remains open changes nothing.
type PresenceTracker struct {
	sync.RWMutex
	logger  *zap.Logger
	metrics *Metrics

	sessionUser  map[uuid.UUID]uuid.UUID              // session id -> user id
	userSessions map[uuid.UUID]map[uuid.UUID]struct{} // user id -> session ids
}

func NewPresenceTracker(logger *zap.Logger, metrics *Metrics) *PresenceTracker {
	return &PresenceTracker{
		logger:       logger,
		metrics:      metrics,
		sessionUser:  make(map[uuid.UUID]uuid.UUID),
		userSessions: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Track records a live session for the user. It reports true only when the
// user's live-session count transitioned 0 -> 1.
func (t *PresenceTracker) Track(sessionID, userID uuid.UUID) bool {
	t.Lock()
	defer t.Unlock()

	if _, tracked := t.sessionUser[sessionID]; tracked {
		return false
	}
	t.sessionUser[sessionID] = userID

	sessions, online := t.userSessions[userID]
	if !online {
		sessions = make(map[uuid.UUID]struct{}, 1)
		t.userSessions[userID] = sessions
	}
	sessions[sessionID] = struct{}{}

	t.metrics.GaugePresences(float64(len(t.userSessions)))
	return !online
}

// Untrack removes a session. It reports the session's user and true when that
// was the user's last session (1 -> 0 transition). Untracking an unknown
// session is a no-op.
func (t *PresenceTracker) Untrack(sessionID uuid.UUID) (uuid.UUID, bool) {
	t.Lock()
	defer t.Unlock()

	userID, tracked := t.sessionUser[sessionID]
	if !tracked {
		return uuid.Nil, false
	}
	delete(t.sessionUser, sessionID)

	sessions := t.userSessions[userID]
	delete(sessions, sessionID)
	if len(sessions) > 0 {
		return userID, false
	}
	delete(t.userSessions, userID)

	t.metrics.GaugePresences(float64(len(t.userSessions)))
	return userID, true
}

func (t *PresenceTracker) IsOnline(userID uuid.UUID) bool {
	t.RLock()
	defer t.RUnlock()
	return len(t.userSessions[userID]) > 0
}

// SessionIDs returns the user's live session ids, across all tabs/devices.
func (t *PresenceTracker) SessionIDs(userID uuid.UUID) []uuid.UUID {
	t.RLock()
	defer t.RUnlock()
	return lo.Keys(t.userSessions[userID])
}

// Snapshot returns every online user id. Served to newly registered sessions
// so they never have to reconstruct presence from deltas they missed.
func (t *PresenceTracker) Snapshot() []uuid.UUID {
	t.RLock()
	defer t.RUnlock()
	return lo.Keys(t.userSessions)
}
