package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dotside-studios/tagsync-agent/protocol"
)

// HandlerFunc handles one IPC message. A returned error has already been
// reported to the client and is only logged.
type HandlerFunc func(ctx context.Context, sess *Session, msg protocol.Message) error

// HandlerServer lets handlers register message routes and background work.
type HandlerServer interface {
	// Handle routes messages of one type to handler.
	Handle(messageType string, handler HandlerFunc) error

	// StartLifecycle registers background work that runs from server start
	// until the server context ends. start should block for that long.
	StartLifecycle(start func(ctx context.Context))
}

// ServerHandler sets up its routes and lifecycle in Register.
type ServerHandler interface {
	Register(server HandlerServer)
}

// HandlerRegistry routes IPC messages by type and supervises lifecycle work.
type HandlerRegistry struct {
	mu        sync.RWMutex
	handlers  map[string]HandlerFunc
	lifecycle []func(ctx context.Context)
	started   bool

	running sync.WaitGroup
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

// Handle registers a handler for a message type. Registering a type twice is
// an error.
func (r *HandlerRegistry) Handle(messageType string, handler HandlerFunc) error {
	switch {
	case handler == nil:
		return errors.New("handler cannot be nil")
	case messageType == "":
		return errors.New("message type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[messageType]; dup {
		return fmt.Errorf("handler for message type %q already registered", messageType)
	}
	r.handlers[messageType] = handler
	return nil
}

func (r *HandlerRegistry) Get(messageType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[messageType]
	return handler, ok
}

// MessageTypes returns the registered message types, sorted.
func (r *HandlerRegistry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RegisterLifecycle adds background work. It must be called before
// StartLifecycleHandlers.
func (r *HandlerRegistry) RegisterLifecycle(start func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lifecycle = append(r.lifecycle, start)
}

// StartLifecycleHandlers launches every registered lifecycle function on its
// own goroutine, in registration order. It runs once; later calls are no-ops.
// A panicking function is logged and does not take the others down.
func (r *HandlerRegistry) StartLifecycleHandlers(ctx context.Context, logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	for i, start := range r.lifecycle {
		r.running.Add(1)
		go func() {
			defer r.running.Done()
			defer func() {
				if rec := recover(); rec != nil && logger != nil {
					logger.Error("lifecycle function panicked", "index", i, "panic", rec)
				}
			}()
			start(ctx)
		}()
	}
}

// WaitLifecycle blocks until every started lifecycle function has returned.
func (r *HandlerRegistry) WaitLifecycle() {
	r.running.Wait()
}
