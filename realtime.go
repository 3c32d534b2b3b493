package rise

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a LiveTransport.
type RealtimeConfig struct {
	Token                string
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	ConnectTimeout       time.Duration
	InvokeTimeout        time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.InvokeTimeout == 0 {
		c.InvokeTimeout = 15 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	handlers       map[string][]EventHandler
	onReconnecting []func(error)
	onReconnected  []func(string)
	onClosed       []func(error)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string][]EventHandler),
	}
}

func (d *eventDispatcher) on(event string, h EventHandler) {
	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], h)
	d.mu.Unlock()
}

func (d *eventDispatcher) dispatch(event string, payload json.RawMessage) {
	d.mu.RLock()
	handlers := append([]EventHandler{}, d.handlers[event]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(payload)
	}
}

func (d *eventDispatcher) emitReconnecting(cause error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(cause)
	}
}

func (d *eventDispatcher) emitReconnected(sessionToken string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onReconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(sessionToken)
	}
}

func (d *eventDispatcher) emitClosed(cause error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onClosed...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(cause)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that stayed up for a minute earns a fresh backoff.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// LiveTransport
// ============================================================================

type invokeResult struct {
	frame Frame
	err   error
}

// LiveTransport is the websocket Transport with heartbeat and automatic
// reconnect.
type LiveTransport struct {
	endpoint string
	config   *RealtimeConfig
	logger   zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnectionState
	intentionalClose bool
	connectionID     string
	cancelFn         context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector

	seq       atomic.Uint64
	pending   map[string]chan invokeResult
	pendingMu sync.Mutex
}

var _ Transport = (*LiveTransport)(nil)

// NewLiveTransport creates a transport for the hub at endpoint (ws:// or
// wss://). Call Connect to open it.
func NewLiveTransport(endpoint string, config *RealtimeConfig) *LiveTransport {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &LiveTransport{
		endpoint:   endpoint,
		config:     &cfg,
		logger:     cfg.Logger.With().Str("component", "transport").Logger(),
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
		pending:    make(map[string]chan invokeResult),
	}
}

// On registers an event handler. Handlers run on their own goroutine.
func (t *LiveTransport) On(event string, h EventHandler) {
	t.dispatcher.on(event, h)
}

func (t *LiveTransport) OnReconnecting(h func(cause error)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onReconnecting = append(t.dispatcher.onReconnecting, h)
	t.dispatcher.mu.Unlock()
}

func (t *LiveTransport) OnReconnected(h func(sessionToken string)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onReconnected = append(t.dispatcher.onReconnected, h)
	t.dispatcher.mu.Unlock()
}

func (t *LiveTransport) OnClosed(h func(cause error)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onClosed = append(t.dispatcher.onClosed, h)
	t.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (t *LiveTransport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ConnectionID returns the id the hub assigned to the current connection.
func (t *LiveTransport) ConnectionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectionID
}

// Connect opens the socket and waits for the hub's Connected event.
func (t *LiveTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	conn, id, err := t.dial(ctx)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: err}
	}

	t.recon.reset()
	t.recon.markConnected()
	t.start(conn, id)
	t.logger.Debug().Str("connection", id).Msg("hub connected")
	return nil
}

// Disconnect closes the connection and stops any reconnect in progress.
func (t *LiveTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	t.intentionalClose = true
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	cancel := t.cancelFn
	t.cancelFn = nil
	t.mu.Unlock()

	t.failPending(&ConnectionError{Op: "invoke", Err: ErrNotConnected})

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			t.logger.Debug().Err(err).Msg("close handshake failed")
		}
	}
	if cancel != nil {
		cancel()
	}
	t.dispatcher.emitClosed(nil)
	return nil
}

// Send invokes a hub method without waiting for its completion.
func (t *LiveTransport) Send(ctx context.Context, method string, args ...any) error {
	raw, err := marshalArgs(args)
	if err != nil {
		return err
	}
	return t.write(ctx, method, &Frame{Type: FrameInvoke, Target: method, Args: raw})
}

// Invoke calls a hub method and decodes its result into out.
func (t *LiveTransport) Invoke(ctx context.Context, method string, out any, args ...any) error {
	raw, err := marshalArgs(args)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("inv-%d", t.seq.Add(1))
	ch := make(chan invokeResult, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	if err := t.write(ctx, method, &Frame{Type: FrameInvoke, ID: id, Target: method, Args: raw}); err != nil {
		t.dropPending(id)
		return err
	}

	timer := time.NewTimer(t.config.InvokeTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.frame.Error != nil {
			return errorFromCode(method, res.frame.Error.Code, res.frame.Error.Message)
		}
		if out != nil && len(res.frame.Result) > 0 {
			if err := json.Unmarshal(res.frame.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		t.dropPending(id)
		return &ConnectionError{Op: method, Err: ErrInvokeTimeout}
	case <-ctx.Done():
		t.dropPending(id)
		return ctx.Err()
	}
}

func (t *LiveTransport) write(ctx context.Context, method string, f *Frame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return &ConnectionError{Op: method, Err: ErrNotConnected}
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConnectionError{Op: method, Err: err}
	}
	return nil
}

// dial opens the socket and reads the Connected handshake event.
func (t *LiveTransport) dial(ctx context.Context) (*websocket.Conn, string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if t.config.Token != "" {
		header.Set("Authorization", "Bearer "+t.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, t.endpoint, &websocket.DialOptions{
		HTTPClient: t.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, "", fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(t.config.ReadLimit)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, "", fmt.Errorf("read handshake: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != FrameEvent || f.Target != EventConnected || len(f.Args) == 0 {
		conn.Close(websocket.StatusPolicyViolation, "unexpected handshake")
		return nil, "", fmt.Errorf("expected %q event, got %q", EventConnected, f.Target)
	}
	var hello ConnectedPayload
	if err := json.Unmarshal(f.Args[0], &hello); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "unexpected handshake")
		return nil, "", fmt.Errorf("decode handshake: %w", err)
	}
	return conn, hello.ConnectionID, nil
}

func (t *LiveTransport) start(conn *websocket.Conn, connectionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.connectionID = connectionID
	t.state = StateConnected
	t.cancelFn = cancel
	t.mu.Unlock()

	go t.readLoop(ctx, conn)
	go t.heartbeatLoop(ctx, conn)
}

func (t *LiveTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.handleDrop(conn, err)
			return
		}

		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}

		switch f.Type {
		case FrameCompletion:
			t.pendingMu.Lock()
			ch, ok := t.pending[f.ID]
			if ok {
				delete(t.pending, f.ID)
			}
			t.pendingMu.Unlock()
			if ok {
				ch <- invokeResult{frame: f}
			}
		case FrameEvent:
			var payload json.RawMessage
			if len(f.Args) > 0 {
				payload = f.Args[0]
			}
			t.dispatcher.dispatch(f.Target, payload)
		}
	}
}

func (t *LiveTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.State() != StateConnected {
				return
			}
			if err := t.Invoke(ctx, MethodPing, nil); err != nil && IsTransient(err) {
				t.logger.Warn().Err(err).Msg("heartbeat failed, closing connection")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// handleDrop reacts to a read failure on conn. Intentional closes and stale
// connections are ignored.
func (t *LiveTransport) handleDrop(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.intentionalClose || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	reconnect := !t.config.DisableReconnect
	if reconnect {
		t.state = StateReconnecting
	} else {
		t.state = StateDisconnected
	}
	t.mu.Unlock()

	t.failPending(&ConnectionError{Op: "invoke", Err: cause})
	t.logger.Warn().Err(cause).Bool("reconnect", reconnect).Msg("hub connection lost")

	if !reconnect {
		t.dispatcher.emitClosed(cause)
		return
	}
	t.dispatcher.emitReconnecting(cause)
	t.reconnectLoop(cause)
}

func (t *LiveTransport) reconnectLoop(cause error) {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.intentionalClose {
		t.mu.Unlock()
		cancel()
		return
	}
	t.cancelFn = cancel
	t.mu.Unlock()

	for t.recon.shouldReconnect() {
		delay := t.recon.nextDelay()
		t.logger.Debug().Int("attempt", t.recon.attempt).Dur("delay", delay).Msg("reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		conn, id, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cause = err
			continue
		}

		t.mu.Lock()
		if t.intentionalClose {
			t.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		}
		t.mu.Unlock()

		cancel()
		t.recon.markConnected()
		t.start(conn, id)
		t.logger.Info().Str("connection", id).Msg("hub reconnected")
		t.dispatcher.emitReconnected(id)
		return
	}

	cancel()
	t.mu.Lock()
	t.state = StateDisconnected
	t.cancelFn = nil
	t.mu.Unlock()
	t.logger.Warn().Err(cause).Msg("giving up on hub reconnect")
	t.dispatcher.emitClosed(cause)
}

func (t *LiveTransport) dropPending(id string) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

func (t *LiveTransport) failPending(err error) {
	t.pendingMu.Lock()
	for id, ch := range t.pending {
		ch <- invokeResult{err: err}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}
