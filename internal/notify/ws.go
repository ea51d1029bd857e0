package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

// WSSession wraps one connected client; writes are serialized per conn.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds live websocket sessions keyed by target id. It serves
// both the driver offer channel (keyed by driver id) and the per-ride
// tracking subscriber channel (keyed by ride id).
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string][]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string][]*WSSession)}
}

func (r *WSRegistry) Add(id string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	r.sessions[id] = append(r.sessions[id], s)
	r.mu.Unlock()
	return s
}

func (r *WSRegistry) Remove(id string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.sessions[id]
	for i, cur := range subs {
		if cur == s {
			r.sessions[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(r.sessions[id]) == 0 {
		delete(r.sessions, id)
	}
}

// Notify sends to every session registered under id. Returns ErrNoSession
// when nobody is connected so callers can try a fallback channel.
func (r *WSRegistry) Notify(_ context.Context, id, event string, payload any) error {
	r.mu.RLock()
	subs := append([]*WSSession(nil), r.sessions[id]...)
	r.mu.RUnlock()
	if len(subs) == 0 {
		return ErrNoSession
	}
	var lastErr error
	for _, s := range subs {
		if err := s.Send(Message{Type: event, Data: payload}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
