package server

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/atriumhq/relay/protocol"
)

// A client that keeps sending doesn't need explicit pings to prove liveness.
const pingBackoffThreshold = 20

type sessionWS struct {
	sync.Mutex
	logger   *zap.Logger
	config   *Config
	id       uuid.UUID
	userID   uuid.UUID
	username string
	clientIP string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	pipeline *Pipeline
	metrics  *Metrics

	stopped                bool
	conn                   *websocket.Conn
	receivedMessageCounter int
	pingTimer              *time.Timer
	pingTimerCAS           *atomic.Uint32
	outgoingCh             chan []byte
	closeMu                sync.Mutex
}

// NewSessionWS wraps an upgraded, authenticated connection. The caller hands
// the session to the pipeline's HandleConnect before calling Consume.
func NewSessionWS(logger *zap.Logger, config *Config, sessionID, userID uuid.UUID, username, clientIP string, conn *websocket.Conn, pipeline *Pipeline, metrics *Metrics) Session {
	sessionLogger := logger.With(zap.String("sid", sessionID.String()), zap.String("uid", userID.String()))
	sessionLogger.Info("New WebSocket session connected", zap.String("username", username))

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	return &sessionWS{
		logger:   sessionLogger,
		config:   config,
		id:       sessionID,
		userID:   userID,
		username: username,
		clientIP: clientIP,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		pipeline: pipeline,
		metrics:  metrics,

		conn:                   conn,
		receivedMessageCounter: pingBackoffThreshold,
		pingTimer:              time.NewTimer(config.PingPeriod()),
		pingTimerCAS:           atomic.NewUint32(1),
		outgoingCh:             make(chan []byte, config.Socket.OutgoingQueueSize),
	}
}

func (s *sessionWS) ID() uuid.UUID       { return s.id }
func (s *sessionWS) UserID() uuid.UUID   { return s.userID }
func (s *sessionWS) Username() string    { return s.username }
func (s *sessionWS) ClientIP() string    { return s.clientIP }
func (s *sessionWS) Logger() *zap.Logger { return s.logger }

func (s *sessionWS) Context() context.Context {
	s.Lock()
	defer s.Unlock()
	return s.ctx
}

func (s *sessionWS) Consume() {
	s.conn.SetReadLimit(s.config.Socket.MaxMessageSizeBytes)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.config.PongWait())); err != nil {
		s.logger.Warn("Failed to set initial read deadline", zap.Error(err))
		go s.Close("failed to set initial read deadline")
		return
	}
	s.conn.SetPongHandler(func(string) error {
		s.maybeResetPingTimer()
		return nil
	})

	// Start a routine to process outbound messages.
	go s.processOutgoing()

	var reason string

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// Ignore "normal" WebSocket errors.
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				// Ignore underlying connection being shut down while read is waiting for data.
				if e, ok := err.(*net.OpError); !ok || e.Err.Error() != "use of closed network connection" {
					s.logger.Debug("Error reading message from client", zap.Error(err))
					reason = err.Error()
				}
			}
			break
		}

		s.receivedMessageCounter--
		if s.receivedMessageCounter <= 0 {
			s.receivedMessageCounter = pingBackoffThreshold
			if !s.maybeResetPingTimer() {
				// Problems resetting the ping timer indicate an error so we need to close the loop.
				reason = "error updating ping timer"
				break
			}
		}

		env := &protocol.Envelope{}
		if err := json.Unmarshal(data, env); err != nil || env.Op == "" {
			// If the payload is malformed the client is incompatible or misbehaving, either way disconnect it now.
			s.logger.Warn("Received malformed payload", zap.Binary("data", data))
			reason = "received malformed payload"
			break
		}

		if !s.pipeline.ProcessRequest(s.logger, s, env) {
			reason = "error processing message"
			break
		}
	}

	s.Close(reason)
}

func (s *sessionWS) maybeResetPingTimer() bool {
	// If there's already a reset in progress there's no need to wait.
	if !s.pingTimerCAS.CompareAndSwap(1, 0) {
		return true
	}
	defer s.pingTimerCAS.CompareAndSwap(0, 1)

	s.Lock()
	if s.stopped {
		s.Unlock()
		return false
	}
	// CAS ensures concurrency is not a problem here.
	if !s.pingTimer.Stop() {
		select {
		case <-s.pingTimer.C:
		default:
		}
	}
	s.pingTimer.Reset(s.config.PingPeriod())
	err := s.conn.SetReadDeadline(time.Now().Add(s.config.PongWait()))
	s.Unlock()
	if err != nil {
		s.logger.Warn("Failed to set read deadline", zap.Error(err))
		s.Close("failed to set read deadline")
		return false
	}
	return true
}

func (s *sessionWS) processOutgoing() {
	var reason string
	s.Lock()
	ctx := s.ctx
	s.Unlock()
OutgoingLoop:
	for {
		select {
		case <-ctx.Done():
			// Session is closing, close the outgoing process routine.
			break OutgoingLoop
		case <-s.pingTimer.C:
			// Periodically send pings.
			if msg, ok := s.pingNow(); !ok {
				// If ping fails the session will be stopped, clean up the loop.
				reason = msg
				break OutgoingLoop
			}
		case payload := <-s.outgoingCh:
			s.Lock()
			if s.stopped {
				// The connection may have stopped between the payload being queued on the outgoing channel and reaching here.
				s.Unlock()
				break OutgoingLoop
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait())); err != nil {
				s.Unlock()
				s.logger.Warn("Failed to set write deadline", zap.Error(err))
				reason = err.Error()
				break OutgoingLoop
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.Unlock()
				s.logger.Warn("Could not write message", zap.Error(err))
				reason = err.Error()
				break OutgoingLoop
			}
			s.Unlock()
		}
	}
	s.Close(reason)
}

func (s *sessionWS) pingNow() (string, bool) {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return "", false
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait())); err != nil {
		s.Unlock()
		s.logger.Warn("Could not set write deadline to ping", zap.Error(err))
		return err.Error(), false
	}
	err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
	s.Unlock()
	if err != nil {
		s.logger.Warn("Could not send ping", zap.Error(err))
		return err.Error(), false
	}
	return "", true
}

func (s *sessionWS) Send(env *protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn("Could not marshal envelope", zap.String("op", env.Op), zap.Error(err))
		return err
	}
	return s.SendBytes(payload)
}

func (s *sessionWS) SendBytes(payload []byte) error {
	// Attempt to queue messages and observe failures.
	select {
	case s.outgoingCh <- payload:
		return nil
	default:
		// The outgoing queue is full, likely because the remote client can't
		// keep up. Terminate the connection immediately because the only
		// alternative that doesn't block the server is to start dropping
		// messages, which might cause unexpected behaviour.
		s.logger.Warn("Could not write message, session outgoing queue full")
		// Close in a goroutine as the method can block.
		go s.Close(ErrSessionQueueFull.Error())
		return ErrSessionQueueFull
	}
}

func (s *sessionWS) Close(reason string) {
	s.closeMu.Lock()
	// Cancel any ongoing operations tied to this session.
	s.ctxCancelFn()
	s.closeMu.Unlock()

	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	s.Unlock()

	// Release presence, room memberships, and any in-flight call, then drop
	// out of the registry.
	s.pipeline.HandleDisconnect(s)

	// Clean up internals.
	s.pingTimer.Stop()

	// Send close message.
	if err := s.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(s.config.WriteWait())); err != nil {
		// This may not be possible if the socket was already fully closed by an error.
		s.logger.Debug("Could not send close message", zap.Error(err))
	}
	// Close WebSocket.
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Could not close", zap.Error(err))
	}

	s.logger.Info("Closed client connection", zap.String("reason", reason))
}
