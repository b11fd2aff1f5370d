package server

import (
	"errors"

	"github.com/atriumhq/relay/protocol"
)

var (
	ErrUnauthenticated    = errors.New("connection is not authenticated")
	ErrForbidden          = errors.New("operation not permitted for this user")
	ErrEditWindowExpired  = errors.New("message edit window has expired")
	ErrAlreadyRecalled    = errors.New("message has already been recalled")
	ErrNotRoomMember      = errors.New("session has not joined this conversation")
	ErrCallBusy           = errors.New("participant is already in a call")
	ErrCallNotFound       = errors.New("call not found")
	ErrProvisioningFailed = errors.New("conferencing room provisioning failed")
	ErrBadRequest         = errors.New("malformed request payload")

	ErrSessionQueueFull = errors.New("session outgoing queue full")
)

// errorCode maps a taxonomy error to the wire code carried in the error event.
// Anything unrecognised is an internal fault and is reported opaquely.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrEditWindowExpired):
		return "edit_window_expired"
	case errors.Is(err, ErrAlreadyRecalled):
		return "already_recalled"
	case errors.Is(err, ErrNotRoomMember):
		return "not_room_member"
	case errors.Is(err, ErrCallBusy):
		return "call_busy"
	case errors.Is(err, ErrCallNotFound):
		return "call_not_found"
	case errors.Is(err, ErrProvisioningFailed):
		return "provisioning_failed"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	default:
		return "internal_error"
	}
}

// errorEnvelope builds the error event sent back to the originating session.
func errorEnvelope(op string, err error) *protocol.Envelope {
	code := errorCode(err)
	message := err.Error()
	if code == "internal_error" {
		// Do not leak internal fault details to the client.
		message = "internal server error"
	}
	return protocol.MustEnvelope(protocol.OpError, &protocol.Error{
		Code:    code,
		Message: message,
		Op:      op,
	})
}
