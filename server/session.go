package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dotside-studios/tagsync-agent/protocol"
)

const writeTimeout = 10 * time.Second

// Session is one IPC websocket connection. Writes are serialized; handlers
// may send from any goroutine.
type Session struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func newSession(parent context.Context, conn *websocket.Conn, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		logger: logger.With("session", id[:8]),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]context.CancelFunc),
	}
}

// Context ends when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Send writes one message.
func (s *Session) Send(msg protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

// Reply marshals payload into a message of type typ correlated with id.
func (s *Session) Reply(id, typ string, payload any) error {
	msg, err := protocol.NewMessage(id, typ, payload)
	if err != nil {
		return err
	}
	return s.Send(msg)
}

// SendError sends a structured error correlated with id.
func (s *Session) SendError(id, code, message string) {
	if err := s.Reply(id, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message}); err != nil {
		s.logger.Warn("sending error response failed", "error", err)
	}
}

// Subscribe registers a subscription and returns its id and a context that
// ends on Unsubscribe or session close.
func (s *Session) Subscribe() (string, context.Context) {
	ctx, cancel := context.WithCancel(s.ctx)
	id := uuid.NewString()
	s.mu.Lock()
	s.subs[id] = cancel
	s.mu.Unlock()
	return id, ctx
}

// Unsubscribe cancels a subscription. It reports false for unknown ids.
func (s *Session) Unsubscribe(id string) bool {
	s.mu.Lock()
	cancel, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Subscriptions returns the number of live subscriptions.
func (s *Session) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close cancels every subscription and in-flight request of the session.
func (s *Session) Close() {
	s.cancel()
	s.mu.Lock()
	s.subs = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	s.conn.Close()
}
