// Package server hosts the call-control WebSocket endpoint. Each accepted
// connection is authenticated before upgrade and owned by one session for
// its whole lifetime.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/agents"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/config"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/logger"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/session"
)

const apiKeyHeader = "X-API-Key"

// ConnectionServer accepts call-control connections and runs one session
// per connection.
type ConnectionServer struct {
	cfg      *config.Config
	log      *logger.Logger
	factory  agents.Factory
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[*session.Session]struct{}
}

// New creates a server that builds voice agents with the given factory.
func New(cfg *config.Config, factory agents.Factory) *ConnectionServer {
	if factory == nil {
		factory = agents.New
	}
	return &ConnectionServer{
		cfg:     cfg,
		log:     logger.WithPrefix("Server"),
		factory: factory,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[*session.Session]struct{}),
	}
}

// Start listens until ctx is cancelled, then shuts down and closes every
// live session. Blocks for the lifetime of the server.
func (s *ConnectionServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WSPath, s.handleConnection)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		if err := s.server.Shutdown(context.Background()); err != nil {
			s.log.Warn("Shutdown error: %v", err)
		}
		s.closeAllSessions()
	}()

	s.log.Info("Listening on %s%s", s.server.Addr, s.cfg.WSPath)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// authorized checks the API key header. An empty key list disables auth.
func (s *ConnectionServer) authorized(r *http.Request) bool {
	if len(s.cfg.APIKeys) == 0 {
		return true
	}
	key := r.Header.Get(apiKeyHeader)
	for _, allowed := range s.cfg.APIKeys {
		if key == allowed {
			return true
		}
	}
	return false
}

// handleConnection authenticates, upgrades, and runs the connection's read
// loop. Auth happens before upgrade so rejected clients get a plain 401.
func (s *ConnectionServer) handleConnection(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.log.Warn("Rejected connection from %s: invalid API key", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := session.New(ctx, s.cfg, conn, s.factory)
	s.register(sess)
	defer func() {
		s.unregister(sess)
		sess.Close()
	}()

	s.log.Info("Connection established from %s", r.RemoteAddr)
	s.readLoop(ctx, conn, sess)
}

// readLoop pumps frames from the transport into the session until the peer
// disconnects or the server shuts down.
func (s *ConnectionServer) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("Read error: %v", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			sess.ProcessBinaryMessage(data)
		case websocket.TextMessage:
			sess.ProcessTextMessage(data)
		}
	}
}

func (s *ConnectionServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	active := len(s.sessions)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"activeSessions": active,
	})
}

func (s *ConnectionServer) register(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *ConnectionServer) unregister(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// ActiveSessions reports how many sessions are currently live.
func (s *ConnectionServer) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *ConnectionServer) closeAllSessions() {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[*session.Session]struct{})
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
