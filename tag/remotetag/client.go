package remotetag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dotside-studios/tagsync-agent/protocol"
)

const (
	minBackoff   = time.Second
	maxBackoff   = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrUnknownSubscription is returned by Unsubscribe for an id this client
// does not hold.
var ErrUnknownSubscription = errors.New("unknown subscription")

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the service websocket endpoint, e.g. ws://127.0.0.1:18090/ws.
	URL string

	// Secret is sent as the secret query parameter when set.
	Secret string

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

type subscription struct {
	req      protocol.SubscribeRequest
	cb       func(protocol.Event)
	remoteID string
}

// Client is a websocket connection to the tag service. It implements both
// Service and Binder: the service counts as bound while the socket is up.
// Subscriptions survive reconnects and are re-established on every new
// socket; pending invokes fail when the socket drops.
type Client struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   chan struct{}
	pending map[string]func(protocol.InvokeResult)
	acks    map[string]string // request id -> local subscription id
	subs    map[string]*subscription
	remote  map[string]string // remote subscription id -> local id

	writeMu sync.Mutex
}

var (
	_ Service = (*Client)(nil)
	_ Binder  = (*Client)(nil)
)

// NewClient creates a client. Call Run to connect.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse service url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported service url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = protocol.WebSocketPath
	}
	if cfg.Secret != "" {
		q := u.Query()
		q.Set("secret", cfg.Secret)
		u.RawQuery = q.Encode()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     u.String(),
		dialer:  dialer,
		logger:  logger.With("component", "ipc"),
		ready:   make(chan struct{}),
		pending: make(map[string]func(protocol.InvokeResult)),
		acks:    make(map[string]string),
		subs:    make(map[string]*subscription),
		remote:  make(map[string]string),
	}, nil
}

// Run keeps the client connected until ctx ends, reconnecting with
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		connected, err := c.session(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("tag service connection lost", "error", err, "retry_in", backoff)
		}
		if connected {
			backoff = minBackoff
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if backoff < maxBackoff {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

func (c *Client) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer c.detach(conn)

	c.attach(conn)
	c.logger.Info("connected to tag service", "url", c.url)

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return true, err
		}
		c.dispatch(msg)
	}
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	resubscribe := make([]string, 0, len(c.subs))
	for id := range c.subs {
		resubscribe = append(resubscribe, id)
	}
	close(c.ready)
	c.mu.Unlock()

	for _, id := range resubscribe {
		if err := c.sendSubscribe(id); err != nil {
			c.logger.Warn("resubscribe failed", "subscription", id, "error", err)
		}
	}
}

func (c *Client) detach(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.ready = make(chan struct{})
	failed := c.pending
	c.pending = make(map[string]func(protocol.InvokeResult))
	c.acks = make(map[string]string)
	c.remote = make(map[string]string)
	for _, s := range c.subs {
		s.remoteID = ""
	}
	c.mu.Unlock()

	for _, cb := range failed {
		cb(protocol.InvokeResult{OK: false})
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeResult, protocol.TypeError:
		c.mu.Lock()
		cb, isInvoke := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		local, isAck := c.acks[msg.ID]
		delete(c.acks, msg.ID)
		c.mu.Unlock()

		switch {
		case isInvoke:
			var r protocol.InvokeResult
			if msg.Type == protocol.TypeResult {
				if err := json.Unmarshal(msg.Payload, &r); err != nil {
					c.logger.Warn("bad invoke result", "id", msg.ID, "error", err)
					r = protocol.InvokeResult{}
				}
			}
			cb(r)
		case isAck:
			c.ack(local, msg)
		}

	case protocol.TypeEvent:
		var ev protocol.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			c.logger.Warn("bad event", "error", err)
			return
		}
		c.mu.Lock()
		var cb func(protocol.Event)
		if local, ok := c.remote[ev.Subscription]; ok {
			if s, ok := c.subs[local]; ok {
				cb = s.cb
				ev.Subscription = local
			}
		}
		c.mu.Unlock()
		if cb != nil {
			cb(ev)
		}

	default:
		c.logger.Debug("ignoring message", "type", msg.Type)
	}
}

func (c *Client) ack(local string, msg protocol.Message) {
	if msg.Type == protocol.TypeError {
		var e protocol.ErrorPayload
		_ = json.Unmarshal(msg.Payload, &e)
		c.logger.Warn("subscription rejected", "subscription", local, "code", e.Code, "message", e.Message)
		return
	}
	var r protocol.SubscribeResult
	if err := json.Unmarshal(msg.Payload, &r); err != nil {
		c.logger.Warn("bad subscribe result", "error", err)
		return
	}

	c.mu.Lock()
	s, ok := c.subs[local]
	if ok {
		s.remoteID = r.Subscription
		c.remote[r.Subscription] = local
	}
	c.mu.Unlock()

	if !ok {
		// Unsubscribed before the ack arrived.
		_ = c.send(protocol.TypeUnsubscribe, "", protocol.UnsubscribeRequest{Subscription: r.Subscription})
	}
}

// Current returns the client while connected, nil otherwise.
func (c *Client) Current() Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c
}

// Ready blocks until the client is connected.
func (c *Client) Ready(ctx context.Context) (Service, error) {
	for {
		c.mu.Lock()
		connected, ready := c.conn != nil, c.ready
		c.mu.Unlock()
		if connected {
			return c, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Invoke sends one request. cb receives the result, or a failed result when
// the socket drops first. cancel forgets the request.
func (c *Client) Invoke(req protocol.InvokeRequest, cb func(protocol.InvokeResult)) (func(), error) {
	id := uuid.NewString()

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotBound
	}
	c.pending[id] = cb
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
	if err := c.send(protocol.TypeInvoke, id, req); err != nil {
		cancel()
		return nil, err
	}
	return cancel, nil
}

// Subscribe registers cb for a topic. The returned id is local to this
// client and stays valid across reconnects.
func (c *Client) Subscribe(req protocol.SubscribeRequest, cb func(protocol.Event)) (string, error) {
	id := uuid.NewString()

	c.mu.Lock()
	c.subs[id] = &subscription{req: req, cb: cb}
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return id, nil
	}
	if err := c.sendSubscribe(id); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return "", err
	}
	return id, nil
}

// Unsubscribe drops a subscription locally and on the service.
func (c *Client) Unsubscribe(id string) error {
	c.mu.Lock()
	s, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
		if s.remoteID != "" {
			delete(c.remote, s.remoteID)
		}
	}
	c.mu.Unlock()

	if !ok {
		return ErrUnknownSubscription
	}
	if s.remoteID == "" {
		return nil
	}
	return c.send(protocol.TypeUnsubscribe, "", protocol.UnsubscribeRequest{Subscription: s.remoteID})
}

func (c *Client) sendSubscribe(local string) error {
	reqID := uuid.NewString()

	c.mu.Lock()
	s, ok := c.subs[local]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownSubscription
	}
	req := s.req
	c.acks[reqID] = local
	c.mu.Unlock()

	return c.send(protocol.TypeSubscribe, reqID, req)
}

func (c *Client) send(typ, id string, payload any) error {
	msg, err := protocol.NewMessage(id, typ, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotBound
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
