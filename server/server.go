// Package server runs the background tag service: it owns the BLE
// connections and exposes them over a websocket IPC endpoint and a small
// HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/dotside-studios/tagsync-agent/buildinfo"
	"github.com/dotside-studios/tagsync-agent/protocol"
)

const shutdownTimeout = 15 * time.Second

// Config holds the server configuration.
type Config struct {
	Listen    string // host:port
	APISecret string // Optional; required from every client when set
	MDNS      bool   // Advertise the IPC endpoint on the local network

	Registry  *Registry
	History   HistoryStore
	Locations LocationStore
	AutoSync  AutoSyncControl // Optional; enables the auto-sync toggles
	Logger    *slog.Logger
}

// Server manages the HTTP and websocket endpoints.
type Server struct {
	config   Config
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	handlerRegistry *HandlerRegistry

	mu         sync.Mutex
	sessions   map[*Session]struct{}
	httpServer *http.Server
	mdnsServer *zeroconf.Server
	addr       net.Addr
	ready      chan struct{}
}

// New creates a server and registers the IPC handlers.
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:   config,
		registry: config.Registry,
		logger:   logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		handlerRegistry: NewHandlerRegistry(),
		sessions:        make(map[*Session]struct{}),
		ready:           make(chan struct{}),
	}
	NewIPCHandler(config.Registry).Register(s)
	return s
}

// Handle implements HandlerServer.
func (s *Server) Handle(messageType string, handler HandlerFunc) error {
	return s.handlerRegistry.Handle(messageType, handler)
}

// StartLifecycle implements HandlerServer.
func (s *Server) StartLifecycle(start func(ctx context.Context)) {
	s.handlerRegistry.RegisterLifecycle(start)
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// Start serves until ctx ends, then shuts down gracefully. It returns after
// every lifecycle function has stopped.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}

	httpServer := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.addr = ln.Addr()
	close(s.ready)
	s.mu.Unlock()

	s.logger.Info("tag service listening", "addr", ln.Addr().String(), "version", buildinfo.Version)

	if s.config.MDNS {
		if err := s.startMDNS(ln.Addr()); err != nil {
			s.logger.Warn("mDNS registration failed, auto-discovery unavailable", "error", err)
		}
	}

	lifeCtx, stopLifecycle := context.WithCancel(ctx)
	defer func() {
		stopLifecycle()
		s.handlerRegistry.WaitLifecycle()
	}()
	s.handlerRegistry.StartLifecycleHandlers(lifeCtx, s.logger)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.Stop()
		return nil
	case err := <-errCh:
		s.Stop()
		return err
	}
}

// Addr blocks until the server listens and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts down mDNS, the HTTP server and every IPC session.
func (s *Server) Stop() {
	s.mu.Lock()
	mdns, httpServer := s.mdnsServer, s.httpServer
	s.mdnsServer, s.httpServer = nil, nil
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if mdns != nil {
		mdns.Shutdown()
		s.logger.Info("mDNS service stopped")
	}
	for _, sess := range sessions {
		sess.Close()
	}
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("server shutdown error", "error", err)
		}
	}
}

func (s *Server) startMDNS(addr net.Addr) error {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}

	txtRecords := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"path=" + protocol.WebSocketPath,
	}
	server, err := zeroconf.Register(MDNSServiceName, protocol.MDNSServiceType, protocol.MDNSDomain, port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mu.Lock()
	s.mdnsServer = server
	s.mu.Unlock()
	s.logger.Info("mDNS service registered", "name", MDNSServiceName, "port", port)
	return nil
}

// handleWebSocket upgrades an IPC client and routes its messages until it
// disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.APISecret != "" && r.URL.Query().Get("secret") != s.config.APISecret {
		s.logger.Warn("websocket connection rejected: invalid API secret", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, "invalid API secret")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "error", err)
		return
	}

	sess := newSession(context.WithoutCancel(r.Context()), conn, s.logger)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	sess.logger.Info("ipc client connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		sess.Close()
		sess.logger.Info("ipc client disconnected")
	}()

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && sess.ctx.Err() == nil {
				sess.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		s.dispatch(sess, msg)
	}
}

func (s *Server) dispatch(sess *Session, msg protocol.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			sess.logger.Error("ipc handler panicked", "type", msg.Type, "panic", rec)
			sess.SendError(msg.ID, protocol.ErrCodeInternalError, "internal error")
		}
	}()

	handler, ok := s.handlerRegistry.Get(msg.Type)
	if !ok {
		sess.logger.Warn("unknown message type", "type", msg.Type)
		sess.SendError(msg.ID, protocol.ErrCodeUnknownType, "unknown message type: "+msg.Type)
		return
	}
	if err := handler(sess.Context(), sess, msg); err != nil {
		sess.logger.Debug("handler error", "type", msg.Type, "error", err)
	}
}
