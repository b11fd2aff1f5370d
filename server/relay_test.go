package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/atriumhq/relay/protocol"
)

// fakeSession is an in-memory Session that records everything routed to it.
type fakeSession struct {
	mu       sync.Mutex
	id       uuid.UUID
	userID   uuid.UUID
	username string
	ctx      context.Context
	sent     []*protocol.Envelope
	closed   bool
}

func newFakeSession(userID uuid.UUID, username string) *fakeSession {
	return &fakeSession{
		id:       uuid.Must(uuid.NewV4()),
		userID:   userID,
		username: username,
		ctx:      context.Background(),
	}
}

func (s *fakeSession) ID() uuid.UUID            { return s.id }
func (s *fakeSession) UserID() uuid.UUID        { return s.userID }
func (s *fakeSession) Username() string         { return s.username }
func (s *fakeSession) ClientIP() string         { return "127.0.0.1" }
func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) Logger() *zap.Logger      { return zap.NewNop() }
func (s *fakeSession) Consume()                 {}

func (s *fakeSession) Send(env *protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.SendBytes(payload)
}

func (s *fakeSession) SendBytes(payload []byte) error {
	env := &protocol.Envelope{}
	if err := json.Unmarshal(payload, env); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, env)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Close(string) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// received returns the envelopes delivered so far for the given op, all ops
// when op is empty.
func (s *fakeSession) received(op string) []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	envs := make([]*protocol.Envelope, 0, len(s.sent))
	for _, env := range s.sent {
		if op == "" || env.Op == op {
			envs = append(envs, env)
		}
	}
	return envs
}

func (s *fakeSession) countOf(op string) int {
	return len(s.received(op))
}

func decodePayload[T any](t *testing.T, env *protocol.Envelope) *T {
	t.Helper()
	out := new(T)
	if err := json.Unmarshal(env.Payload, out); err != nil {
		t.Fatalf("could not decode %s payload: %v", env.Op, err)
	}
	return out
}

// fakeRepo is an in-memory MessageRepository.
type fakeRepo struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*protocol.Message
	reads    map[uuid.UUID]map[uuid.UUID]struct{} // message id -> reader ids
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		messages: make(map[uuid.UUID]*protocol.Message),
		reads:    make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

func cloneMessage(msg *protocol.Message) *protocol.Message {
	clone := *msg
	if msg.EditedAt != nil {
		editedAt := *msg.EditedAt
		clone.EditedAt = &editedAt
	}
	clone.Reactions = make(map[string][]string, len(msg.Reactions))
	for emoji, userIDs := range msg.Reactions {
		clone.Reactions[emoji] = append([]string(nil), userIDs...)
	}
	return &clone
}

func (r *fakeRepo) CreateMessage(_ context.Context, msg *protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (r *fakeRepo) GetMessage(_ context.Context, conversationID, messageID uuid.UUID) (*protocol.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[messageID]
	if !ok || msg.ConversationID != conversationID {
		return nil, nil
	}
	return cloneMessage(msg), nil
}

func (r *fakeRepo) UpdateMessage(_ context.Context, msg *protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (r *fakeRepo) History(_ context.Context, conversationID uuid.UUID, limit int) ([]*protocol.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	messages := make([]*protocol.Message, 0, limit)
	for _, msg := range r.messages {
		if msg.ConversationID == conversationID {
			messages = append(messages, cloneMessage(msg))
		}
	}
	return messages, nil
}

func (r *fakeRepo) MarkRead(_ context.Context, conversationID, userID uuid.UUID, _ time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var marked int64
	for id, msg := range r.messages {
		if msg.ConversationID != conversationID || msg.SenderID == userID {
			continue
		}
		readers, ok := r.reads[id]
		if !ok {
			readers = make(map[uuid.UUID]struct{})
			r.reads[id] = readers
		}
		if _, read := readers[userID]; !read {
			readers[userID] = struct{}{}
			marked++
		}
	}
	return marked, nil
}

func (r *fakeRepo) get(messageID uuid.UUID) *protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[messageID]
	if !ok {
		return nil
	}
	return cloneMessage(msg)
}

func (r *fakeRepo) put(msg *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ID] = cloneMessage(msg)
}

// fakeProvisioner mints deterministic credentials. Provisioning for holdUser
// blocks until release is closed, to exercise late room readiness.
type fakeProvisioner struct {
	mu       sync.Mutex
	err      error
	holdUser uuid.UUID
	release  chan struct{}
	calls    int
}

func (p *fakeProvisioner) Provision(_ context.Context, callID uuid.UUID, roomName string, userID uuid.UUID, _ string) (*RoomInfo, error) {
	p.mu.Lock()
	p.calls++
	err := p.err
	hold := p.holdUser == userID && p.release != nil
	release := p.release
	p.mu.Unlock()

	if hold {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return &RoomInfo{
		RoomURL: "https://meet.test/" + roomName,
		Token:   "token-" + userID.String(),
	}, nil
}

// testRelay wires every component against fakes.
type testRelay struct {
	config      *Config
	registry    *SessionRegistry
	tracker     *PresenceTracker
	rooms       *RoomRegistry
	router      *MessageRouter
	repo        *fakeRepo
	provisioner *fakeProvisioner
	messages    *MessageCoordinator
	calls       *CallRegistry
	pipeline    *Pipeline
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	logger := zap.NewNop()
	config := NewConfig()
	metrics := NewMetrics("test")

	registry := NewSessionRegistry(logger, metrics)
	tracker := NewPresenceTracker(logger, metrics)
	rooms := NewRoomRegistry(logger)
	router := NewMessageRouter(logger, registry, tracker, rooms, metrics)
	repo := newFakeRepo()
	provisioner := &fakeProvisioner{}
	messages := NewMessageCoordinator(logger, config, repo, rooms, router, metrics)
	calls := NewCallRegistry(logger, config, registry, tracker, router, provisioner, metrics)
	pipeline := NewPipeline(logger, config, registry, tracker, rooms, router, messages, calls, metrics)

	return &testRelay{
		config:      config,
		registry:    registry,
		tracker:     tracker,
		rooms:       rooms,
		router:      router,
		repo:        repo,
		provisioner: provisioner,
		messages:    messages,
		calls:       calls,
		pipeline:    pipeline,
	}
}

// connect registers a new fake session for the user, as the gateway would.
func (r *testRelay) connect(userID uuid.UUID, username string) *fakeSession {
	session := newFakeSession(userID, username)
	r.pipeline.HandleConnect(session)
	return session
}

func (r *testRelay) disconnect(session *fakeSession) {
	r.pipeline.HandleDisconnect(session)
}

// join subscribes the session to the conversation without history hydration.
func (r *testRelay) join(session *fakeSession, conversationID uuid.UUID) {
	r.rooms.Join(conversationID, session.ID(), session.UserID())
}
