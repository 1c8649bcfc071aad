package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession represents one connected client or provider app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds live sessions keyed by principal id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(principalID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[principalID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[principalID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(principalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[principalID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, principalID)
	}
}

func (r *WSRegistry) Notify(ev Event) {
	r.mu.RLock()
	s, ok := r.sessions[ev.RecipientID]
	r.mu.RUnlock()
	if !ok {
		return // recipient not connected; push channel may still reach them
	}
	if err := s.Send(ev); err != nil && r.logger != nil {
		r.logger.Warn("ws send failed", "recipient", ev.RecipientID, "type", ev.Type, "error", err)
	}
}
