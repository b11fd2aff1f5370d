package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/atriumhq/relay/protocol"
)

type CallStatus string

const (
	CallStatusRinging CallStatus = "ringing"
	CallStatusActive  CallStatus = "active"
)

// Call is one in-flight negotiation between an unordered caller/recipient
// pair. Terminal transitions remove the call from the registry entirely; there
// is no stored terminal state and no call detail record.
type Call struct {
	ID          uuid.UUID
	CallerID    uuid.UUID
	RecipientID uuid.UUID
	CallerName  string
	RoomName    string
	IsVideoCall bool
	Status      CallStatus
	StartedAt   time.Time

	ringTimer *time.Timer
}

func (c *Call) otherParty(userID uuid.UUID) uuid.UUID {
	if userID == c.CallerID {
		return c.RecipientID
	}
	return c.CallerID
}

// CallRegistry is the signaling state machine. All transitions happen under
// the registry lock together with the per-user current-call pointer, so the
// at-most-one-active-call invariant holds atomically: an accept racing a
// decline resolves deterministically to whichever acquired the lock first.
type CallRegistry struct {
	sync.Mutex
	logger          *zap.Logger
	config          *Config
	sessionRegistry *SessionRegistry
	tracker         *PresenceTracker
	router          *MessageRouter
	provisioner     RoomProvisioner
	metrics         *Metrics

	calls       map[uuid.UUID]*Call
	currentCall map[uuid.UUID]uuid.UUID // user id -> call id
}

func NewCallRegistry(logger *zap.Logger, config *Config, sessionRegistry *SessionRegistry, tracker *PresenceTracker, router *MessageRouter, provisioner RoomProvisioner, metrics *Metrics) *CallRegistry {
	return &CallRegistry{
		logger:          logger,
		config:          config,
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		router:          router,
		provisioner:     provisioner,
		metrics:         metrics,
		calls:           make(map[uuid.UUID]*Call),
		currentCall:     make(map[uuid.UUID]uuid.UUID),
	}
}

// Start begins a call. If either party already has a non-idle call the caller
// gets ErrCallBusy and the recipient is never rung. The recipient receives its
// room credentials alongside call:incoming; the caller's credentials arrive
// asynchronously via call:room_ready and must be buffered client-side until
// call:accepted.
func (r *CallRegistry) Start(ctx context.Context, session Session, in *protocol.CallStart) (*Call, error) {
	callerID := session.UserID()
	if callerID == in.RecipientID {
		return nil, fmt.Errorf("%w: cannot call yourself", ErrBadRequest)
	}

	r.Lock()
	if _, busy := r.currentCall[callerID]; busy {
		r.Unlock()
		return nil, ErrCallBusy
	}
	if _, busy := r.currentCall[in.RecipientID]; busy {
		r.Unlock()
		return nil, ErrCallBusy
	}

	callID := uuid.Must(uuid.NewV4())
	call := &Call{
		ID:          callID,
		CallerID:    callerID,
		RecipientID: in.RecipientID,
		CallerName:  session.Username(),
		RoomName:    "call-" + callID.String(),
		IsVideoCall: in.IsVideoCall,
		Status:      CallStatusRinging,
		StartedAt:   time.Now().UTC(),
	}
	r.calls[callID] = call
	r.currentCall[callerID] = callID
	r.currentCall[in.RecipientID] = callID
	r.Unlock()

	// The recipient's credential mint is the synchronous part of
	// provisioning. If it fails nothing has rung yet, so the failure is
	// surfaced to the caller only.
	recipientInfo, err := r.provisioner.Provision(ctx, callID, call.RoomName, in.RecipientID, r.usernameOf(in.RecipientID))
	if err != nil {
		r.logger.Warn("Room provisioning failed", zap.String("call_id", callID.String()), zap.Error(err))
		r.removeCall(callID, "provisioning_failed")
		return nil, ErrProvisioningFailed
	}

	// Provisioning ran outside the lock, so the call may have been
	// force-resolved in the meantime (a party's last session dropped). Arm
	// the ring timer under the lock only if the call is still registered;
	// otherwise nothing rings and the minted credentials are discarded.
	r.Lock()
	if r.calls[callID] != call {
		r.Unlock()
		r.logger.Debug("Discarding call resolved during provisioning", zap.String("call_id", callID.String()))
		return nil, ErrCallNotFound
	}
	call.ringTimer = time.AfterFunc(r.config.RingTimeout(), func() {
		r.noAnswer(callID)
	})
	r.Unlock()

	r.metrics.CountCallStarted()
	r.router.SendToUser(session.Logger(), in.RecipientID,
		protocol.MustEnvelope(protocol.OpCallIncoming, &protocol.CallIncoming{
			CallID:      callID,
			CallerID:    callerID,
			CallerName:  call.CallerName,
			IsVideoCall: in.IsVideoCall,
			RoomURL:     recipientInfo.RoomURL,
			Token:       recipientInfo.Token,
		}))

	// Caller-side room readiness is independent of signaling and may complete
	// before or after accept/decline.
	go r.provisionForCaller(call, session.Username())

	return call, nil
}

func (r *CallRegistry) provisionForCaller(call *Call, callerName string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.RingTimeout())
	defer cancel()

	info, err := r.provisioner.Provision(ctx, call.ID, call.RoomName, call.CallerID, callerName)

	r.Lock()
	_, live := r.calls[call.ID]
	r.Unlock()
	if !live {
		// The call already reached a terminal state. The provisioning result
		// is discarded, it must not resurrect the call or notify anyone.
		r.logger.Debug("Discarding room provisioning for resolved call", zap.String("call_id", call.ID.String()))
		return
	}

	if err != nil {
		r.logger.Warn("Caller room provisioning failed", zap.String("call_id", call.ID.String()), zap.Error(err))
		r.router.SendToUser(r.logger, call.CallerID, errorEnvelope(protocol.OpCallStart, ErrProvisioningFailed))
		r.terminate(call.ID, call.CallerID, "provisioning_failed")
		return
	}

	r.router.SendToUser(r.logger, call.CallerID,
		protocol.MustEnvelope(protocol.OpCallRoomReady, &protocol.CallRoomReady{
			CallID:  call.ID,
			RoomURL: info.RoomURL,
			Token:   info.Token,
		}))
}

// Accept transitions a ringing call to active. Only the recipient may accept,
// and only while the call is still ringing; anything else means the call was
// already resolved by a racing decline, end, or timeout.
func (r *CallRegistry) Accept(session Session, callID uuid.UUID) error {
	r.Lock()
	call, ok := r.calls[callID]
	if !ok {
		r.Unlock()
		return ErrCallNotFound
	}
	if call.RecipientID != session.UserID() {
		r.Unlock()
		return ErrForbidden
	}
	if call.Status != CallStatusRinging {
		r.Unlock()
		return ErrCallNotFound
	}
	call.Status = CallStatusActive
	if call.ringTimer != nil {
		call.ringTimer.Stop()
	}
	r.Unlock()

	r.router.SendToUser(session.Logger(), call.CallerID,
		protocol.MustEnvelope(protocol.OpCallAccepted, &protocol.CallTransition{CallID: callID}))
	// The recipient's other sessions stop ringing too.
	r.router.SendToUser(session.Logger(), call.RecipientID,
		protocol.MustEnvelope(protocol.OpCallAccepted, &protocol.CallTransition{CallID: callID}))
	return nil
}

// Decline resolves a ringing call without connecting. Any buffered room
// credentials on the caller side become dead on delivery of call:declined.
func (r *CallRegistry) Decline(session Session, callID uuid.UUID) error {
	r.Lock()
	call, ok := r.calls[callID]
	if !ok {
		r.Unlock()
		return ErrCallNotFound
	}
	if call.RecipientID != session.UserID() {
		r.Unlock()
		return ErrForbidden
	}
	if call.Status != CallStatusRinging {
		r.Unlock()
		return ErrCallNotFound
	}
	r.removeLocked(call)
	r.Unlock()

	r.metrics.CountCallTerminated("declined")
	r.router.SendToUser(session.Logger(), call.CallerID,
		protocol.MustEnvelope(protocol.OpCallDeclined, &protocol.CallTransition{CallID: callID}))
	r.router.SendToUser(session.Logger(), call.RecipientID,
		protocol.MustEnvelope(protocol.OpCallDeclined, &protocol.CallTransition{CallID: callID}))
	return nil
}

// End resolves a call from active, or from ringing to support
// cancel-before-answer. Either party may end.
func (r *CallRegistry) End(session Session, callID uuid.UUID) error {
	userID := session.UserID()

	r.Lock()
	call, ok := r.calls[callID]
	if !ok {
		r.Unlock()
		return ErrCallNotFound
	}
	if call.CallerID != userID && call.RecipientID != userID {
		r.Unlock()
		return ErrForbidden
	}
	r.removeLocked(call)
	r.Unlock()

	r.metrics.CountCallTerminated("ended")
	ended := protocol.MustEnvelope(protocol.OpCallEnded, &protocol.CallEnded{CallID: callID, EndedBy: userID})
	r.router.SendToUser(session.Logger(), call.otherParty(userID), ended)
	r.router.SendToUser(session.Logger(), userID, ended)
	return nil
}

// HandleUserOffline synthesizes an end for any call the user is a party to.
// Called when the user's last session disconnects; surviving tabs keep the
// call alive.
func (r *CallRegistry) HandleUserOffline(userID uuid.UUID) {
	r.Lock()
	callID, ok := r.currentCall[userID]
	r.Unlock()
	if !ok {
		return
	}
	r.terminate(callID, userID, "disconnected")
}

// terminate force-resolves a call and notifies the surviving party.
func (r *CallRegistry) terminate(callID, endedBy uuid.UUID, outcome string) {
	r.Lock()
	call, ok := r.calls[callID]
	if !ok {
		r.Unlock()
		return
	}
	r.removeLocked(call)
	r.Unlock()

	r.metrics.CountCallTerminated(outcome)
	ended := protocol.MustEnvelope(protocol.OpCallEnded, &protocol.CallEnded{CallID: callID, EndedBy: endedBy})
	r.router.SendToUser(r.logger, call.otherParty(endedBy), ended)
}

// noAnswer fires from the ring timer. A call that is no longer ringing was
// resolved while the timer was in flight and is left alone.
func (r *CallRegistry) noAnswer(callID uuid.UUID) {
	r.Lock()
	call, ok := r.calls[callID]
	if !ok || call.Status != CallStatusRinging {
		r.Unlock()
		return
	}
	r.removeLocked(call)
	r.Unlock()

	r.metrics.CountCallTerminated("no_answer")
	env := protocol.MustEnvelope(protocol.OpCallNoAnswer, &protocol.CallTransition{CallID: callID})
	r.router.SendToUser(r.logger, call.CallerID, env)
	r.router.SendToUser(r.logger, call.RecipientID, env)
}

// removeCall is the unlocked form of removeLocked for cleanup paths that did
// not look the call up yet.
func (r *CallRegistry) removeCall(callID uuid.UUID, outcome string) {
	r.Lock()
	call, ok := r.calls[callID]
	if ok {
		r.removeLocked(call)
	}
	r.Unlock()
	if ok {
		r.metrics.CountCallTerminated(outcome)
	}
}

// removeLocked detaches the call and both current-call pointers. Caller holds
// the registry lock.
func (r *CallRegistry) removeLocked(call *Call) {
	delete(r.calls, call.ID)
	delete(r.currentCall, call.CallerID)
	delete(r.currentCall, call.RecipientID)
	if call.ringTimer != nil {
		call.ringTimer.Stop()
	}
}

// CurrentCall returns the call the user is a party to, if any.
func (r *CallRegistry) CurrentCall(userID uuid.UUID) *Call {
	r.Lock()
	defer r.Unlock()
	callID, ok := r.currentCall[userID]
	if !ok {
		return nil
	}
	return r.calls[callID]
}

func (r *CallRegistry) usernameOf(userID uuid.UUID) string {
	for _, sessionID := range r.tracker.SessionIDs(userID) {
		if session := r.sessionRegistry.Get(sessionID); session != nil {
			return session.Username()
		}
	}
	return ""
}
