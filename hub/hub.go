// Package hub is the server side of the Rise realtime channel: authenticated
// websocket connections, group membership, emergency alert arbitration and
// the HTTP API that creates messages.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	rise "github.com/rise-support/rise-go"
)

const (
	maxFrameBytes = 1 << 20
	sendBuffer    = 64
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	writeWait     = 10 * time.Second
)

// Options configures a Hub.
type Options struct {
	// RateLimit is the sustained invocations per second allowed per connection.
	RateLimit float64
	// RateBurst is the burst size of the per-connection limiter.
	RateBurst int
	// CheckOrigin overrides the upgrader's origin check. Nil allows all.
	CheckOrigin func(r *http.Request) bool
	Metrics     *Metrics
	Logger      zerolog.Logger
}

// Hub accepts websocket connections and routes invocations and broadcasts.
type Hub struct {
	auth    *Authenticator
	alerts  *AlertCoordinator
	groups  *Groups
	metrics *Metrics
	logger  zerolog.Logger
	limit   rate.Limit
	burst   int

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
}

// New creates a hub. Call SetAlerts before serving if alert methods are used;
// the coordinator usually needs the hub as its Broadcaster.
func New(auth *Authenticator, opts Options) *Hub {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		auth:    auth,
		groups:  NewGroups(),
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "hub").Logger(),
		limit:   rate.Limit(opts.RateLimit),
		burst:   opts.RateBurst,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     checkOrigin,
		},
		conns: make(map[string]*conn),
	}
}

// SetAlerts attaches the alert coordinator.
func (h *Hub) SetAlerts(c *AlertCoordinator) {
	h.alerts = c
}

// Groups exposes the membership registry.
func (h *Hub) Groups() *Groups {
	return h.groups
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends an event to every connection in group.
func (h *Hub) Broadcast(group, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("marshal broadcast payload")
		return
	}
	members := h.groups.Members(group)

	h.mu.RLock()
	targets := make([]*conn, 0, len(members))
	for _, id := range members {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.sendEvent(event, raw); err != nil {
			h.logger.Debug().Err(err).Str("conn", c.id).Str("event", event).Msg("broadcast dropped")
		}
	}
	h.metrics.broadcast(event)
}

// Close disconnects every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close()
	}
}

// ServeHTTP authenticates the request, upgrades it and serves the connection
// until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		hub:     h,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
		user:    user,
		limiter: rate.NewLimiter(h.limit, h.burst),
	}
	h.register(c)

	if err := c.handshake(); err != nil {
		h.logger.Warn().Err(err).Str("conn", c.id).Str("user", user.ID).Msg("handshake failed")
		c.close()
		return
	}
	c.run()
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.metrics.connectionOpened()
	h.logger.Info().Str("conn", c.id).Str("user", c.user.ID).Msg("connection opened")
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if !ok {
		return
	}
	left := h.groups.RemoveConnection(c.id)
	h.metrics.connectionClosed()
	h.logger.Info().Str("conn", c.id).Strs("groups", left).Msg("connection closed")
}

// ============================================================================
// Connection
// ============================================================================

type conn struct {
	hub     *Hub
	ws      *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	id      string
	user    rise.UserContext
	limiter *rate.Limiter
	seq     atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func (c *conn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.cancel()
	_ = c.ws.Close()
	c.hub.unregister(c)
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		var f rise.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != rise.FrameInvoke || f.Target == "" {
			c.sendError("", rise.CodeValidation, "invalid frame")
			continue
		}

		if !c.limiter.Allow() {
			c.hub.metrics.invocation(f.Target, rise.CodeRateLimited)
			c.sendError(f.ID, rise.CodeRateLimited, "too many requests")
			continue
		}

		result, err := c.hub.invoke(c.ctx, c, &f)
		code := ""
		if err != nil {
			code = codeFromError(err)
			c.hub.logger.Debug().Err(err).Str("conn", c.id).Str("method", f.Target).Msg("invocation failed")
		}
		c.hub.metrics.invocation(f.Target, code)

		if f.ID == "" {
			continue
		}
		if err != nil {
			c.sendError(f.ID, code, err.Error())
			continue
		}
		c.sendCompletion(f.ID, result)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				_ = c.ws.Close()
				return
			}
		}
	}
}

// handshake queues the Connected event that must open every connection.
func (c *conn) handshake() error {
	hello, err := json.Marshal(rise.ConnectedPayload{ConnectionID: c.id, UserID: c.user.ID})
	if err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}
	if err := c.sendEvent(rise.EventConnected, hello); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	return nil
}

func (c *conn) sendEvent(event string, payload json.RawMessage) error {
	return c.enqueue(&rise.Frame{
		Type:   rise.FrameEvent,
		Target: event,
		Args:   []json.RawMessage{payload},
		Seq:    c.seq.Add(1),
	})
}

func (c *conn) sendCompletion(id string, result any) {
	f := &rise.Frame{Type: rise.FrameCompletion, ID: id}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			c.sendError(id, rise.CodeInternal, "marshal result")
			return
		}
		f.Result = raw
	}
	_ = c.enqueue(f)
}

func (c *conn) sendError(id, code, message string) {
	_ = c.enqueue(&rise.Frame{
		Type:  rise.FrameCompletion,
		ID:    id,
		Error: &rise.FrameError{Code: code, Message: message},
	})
}

func (c *conn) enqueue(f *rise.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("payload too large")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// ============================================================================
// Methods
// ============================================================================

func (h *Hub) invoke(ctx context.Context, c *conn, f *rise.Frame) (any, error) {
	switch f.Target {
	case rise.MethodPing:
		return "pong", nil

	case rise.MethodJoinGroup:
		group, err := argString(f.Args, 0, "groupId")
		if err != nil {
			return nil, err
		}
		if err := h.authorizeGroup(c.user, group); err != nil {
			return nil, err
		}
		if h.groups.Add(c.id, group) {
			h.logger.Debug().Str("conn", c.id).Str("group", group).Msg("joined group")
		}
		return nil, nil

	case rise.MethodLeaveGroup:
		group, err := argString(f.Args, 0, "groupId")
		if err != nil {
			return nil, err
		}
		h.groups.Remove(c.id, group)
		return nil, nil

	case rise.MethodGetAlertStatus:
		if h.alerts == nil {
			return nil, &rise.DomainConflictError{Code: rise.CodeNotFound, Message: "alerts are not enabled"}
		}
		conv, err := argString(f.Args, 0, "conversationId")
		if err != nil {
			return nil, err
		}
		return h.alerts.Status(ctx, conv)

	case rise.MethodSetAlertState:
		if h.alerts == nil {
			return nil, &rise.DomainConflictError{Code: rise.CodeNotFound, Message: "alerts are not enabled"}
		}
		conv, err := argString(f.Args, 0, "conversationId")
		if err != nil {
			return nil, err
		}
		active, err := argBool(f.Args, 1, "isActive")
		if err != nil {
			return nil, err
		}
		return h.alerts.SetState(ctx, conv, c.user.ID, active)

	default:
		return nil, &rise.DomainConflictError{Code: rise.CodeNotFound, Message: fmt.Sprintf("unknown method %q", f.Target)}
	}
}

// authorizeGroup allows any conversation group and only the caller's own
// presence group.
func (h *Hub) authorizeGroup(user rise.UserContext, group string) error {
	if _, ok := rise.ConversationFromGroup(group); ok {
		return nil
	}
	if uid, ok := rise.UserFromConnectionsGroup(group); ok {
		if uid != user.ID {
			return &rise.AuthorizationError{Message: "cannot join another user's connections group"}
		}
		return nil
	}
	return &rise.ValidationError{Field: "groupId", Message: fmt.Sprintf("unknown group %q", group)}
}

// argString reads a string argument. Numeric ids are accepted and kept in
// their decimal form.
func argString(args []json.RawMessage, i int, name string) (string, error) {
	if i >= len(args) {
		return "", &rise.ValidationError{Field: name, Message: name + " is required"}
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err == nil {
		if s == "" {
			return "", &rise.ValidationError{Field: name, Message: name + " is required"}
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(args[i], &n); err == nil {
		if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return n.String(), nil
		}
	}
	return "", &rise.ValidationError{Field: name, Message: name + " must be a string"}
}

func argBool(args []json.RawMessage, i int, name string) (bool, error) {
	if i >= len(args) {
		return false, &rise.ValidationError{Field: name, Message: name + " is required"}
	}
	var b bool
	if err := json.Unmarshal(args[i], &b); err != nil {
		return false, &rise.ValidationError{Field: name, Message: name + " must be a boolean"}
	}
	return b, nil
}

// codeFromError maps the error taxonomy onto wire codes.
func codeFromError(err error) string {
	var (
		ae *rise.AuthorizationError
		ve *rise.ValidationError
		de *rise.DomainConflictError
		ce *rise.ConnectionError
	)
	switch {
	case errors.As(err, &ae):
		return rise.CodeForbidden
	case errors.As(err, &ve):
		return rise.CodeValidation
	case errors.As(err, &de):
		if de.Code != "" {
			return de.Code
		}
		return rise.CodeConflict
	case errors.As(err, &ce):
		return rise.CodeUnavailable
	default:
		return rise.CodeInternal
	}
}
