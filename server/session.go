package server

import (
	"context"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/atriumhq/relay/protocol"
)

// Session is one authenticated live connection. A user may hold several
// concurrent sessions (tabs, devices); each gets its own Session.
type Session interface {
	ID() uuid.UUID
	UserID() uuid.UUID
	Username() string
	ClientIP() string
	Context() context.Context
	Logger() *zap.Logger

	// Send marshals the envelope and queues it on the session's outgoing
	// queue. SendBytes queues an already-marshalled payload; the router uses
	// it to marshal a broadcast once and fan the bytes out.
	Send(env *protocol.Envelope) error
	SendBytes(payload []byte) error

	// Consume runs the read loop until the connection drops. Close is
	// idempotent and safe to call from any goroutine.
	Consume()
	Close(reason string)
}
