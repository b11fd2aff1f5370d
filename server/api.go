package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ApiServer is the transport gateway: the only component that touches the
// wire. It authenticates inbound connections, registers them, and hands them
// to the pipeline.
type ApiServer struct {
	logger          *zap.Logger
	config          *Config
	version         string
	sessionRegistry *SessionRegistry
	pipeline        *Pipeline
	metrics         *Metrics
	upgrader        *websocket.Upgrader
	server          *http.Server
}

// sessionTokenClaims are the claims the portal's auth service signs into a
// relay session token. The relay verifies, it never issues.
type sessionTokenClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"usn"`
	jwt.RegisteredClaims
}

func NewApiServer(logger *zap.Logger, config *Config, version string, sessionRegistry *SessionRegistry, pipeline *Pipeline, metrics *Metrics) *ApiServer {
	s := &ApiServer{
		logger:          logger,
		config:          config,
		version:         version,
		sessionRegistry: sessionRegistry,
		pipeline:        pipeline,
		metrics:         metrics,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  config.Socket.ReadBufferSizeBytes,
			WriteBufferSize: config.Socket.ReadBufferSizeBytes,
			// The portal serves the client from the same origin; corporate
			// proxies rewrite Origin unreliably, so the check is permissive.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", s.serveWs).Methods(http.MethodGet)
	router.HandleFunc("/healthcheck", s.serveHealthcheck).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	handler := handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(router)
	handler = handlers.CORS(
		handlers.AllowedMethods([]string{http.MethodGet}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)(handler)

	s.server = &http.Server{
		Addr:         net.JoinHostPort(config.Socket.Address, strconv.Itoa(config.Socket.Port)),
		Handler:      handler,
		ReadTimeout:  0, // WebSocket connections are long-lived.
		WriteTimeout: 0,
	}
	return s
}

func (s *ApiServer) ListenAndServe() error {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Stop closes the listener, then every remaining session.
func (s *ApiServer) Stop(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("Error shutting down HTTP server", zap.Error(err))
	}
	s.sessionRegistry.Stop("server shutting down")
}

func (s *ApiServer) serveHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":%q,"sessions":%d}`, s.version, s.sessionRegistry.Count())
}

// serveWs authenticates and upgrades one connection. A bad token is rejected
// before any registry entry is created.
func (s *ApiServer) serveWs(w http.ResponseWriter, r *http.Request) {
	userID, username, err := s.authenticate(r)
	if err != nil {
		s.logger.Debug("Rejected unauthenticated connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written a response.
		s.logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
		return
	}

	clientIP, _, splitErr := net.SplitHostPort(r.RemoteAddr)
	if splitErr != nil {
		clientIP = r.RemoteAddr
	}

	sessionID := uuid.Must(uuid.NewV4())
	session := NewSessionWS(s.logger, s.config, sessionID, userID, username, clientIP, conn, s.pipeline, s.metrics)

	s.pipeline.HandleConnect(session)
	session.Consume()
}

func (s *ApiServer) authenticate(r *http.Request) (uuid.UUID, string, error) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		// Fall back to a bearer header for non-browser clients.
		const prefix = "Bearer "
		if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			tokenString = auth[len(prefix):]
		}
	}
	if tokenString == "" {
		return uuid.Nil, "", ErrUnauthenticated
	}

	claims := &sessionTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Session.TokenKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return uuid.Nil, "", fmt.Errorf("%w: invalid session token", ErrUnauthenticated)
	}

	userID, err := uuid.FromString(claims.UserID)
	if err != nil || userID == uuid.Nil {
		return uuid.Nil, "", fmt.Errorf("%w: token has no user id", ErrUnauthenticated)
	}
	return userID, claims.Username, nil
}
