package rise

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Session Connection Manager
// ============================================================================

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithRequiredGroups sets the groups the manager is always responsible for.
// groups is evaluated again on every rejoin, so it may change over time.
func WithRequiredGroups(groups func() []string) SessionOption {
	return func(m *SessionManager) { m.required = groups }
}

// WithSessionLogger sets the manager's logger.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(m *SessionManager) { m.logger = logger }
}

// SessionManager owns one Transport for one feature and keeps its group
// membership in sync across reconnects.
//
// EnsureConnected, JoinGroup, LeaveGroup and the reconnect rejoin are
// serialized by a single mutex, so concurrent callers collapse into one
// connect attempt.
type SessionManager struct {
	transport Transport
	required  func() []string
	logger    zerolog.Logger

	// mu serializes connect and rejoin sequences.
	mu sync.Mutex

	stateMu   sync.RWMutex
	state     ConnectionState
	wanted    map[string]struct{}
	joined    map[string]struct{}
	disposed  bool
	listeners []func(ConnectionState)
}

// NewSessionManager creates a manager. The transport is chosen once, here;
// switching from the offline stub to a live transport requires a new manager.
func NewSessionManager(ctx context.Context, factory TransportFactory, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		transport: factory.Create(ctx),
		logger:    zerolog.Nop(),
		state:     StateDisconnected,
		wanted:    make(map[string]struct{}),
		joined:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "session").Logger()

	m.transport.OnReconnecting(m.handleReconnecting)
	m.transport.OnReconnected(m.handleReconnected)
	m.transport.OnClosed(m.handleClosed)
	return m
}

// Transport returns the underlying transport.
func (m *SessionManager) Transport() Transport {
	return m.transport
}

// State returns the manager's view of the connection.
func (m *SessionManager) State() ConnectionState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// JoinedGroups returns the groups joined on the current connection, sorted.
func (m *SessionManager) JoinedGroups() []string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	out := make([]string, 0, len(m.joined))
	for g := range m.joined {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// OnStateChange registers a listener for state transitions. Listeners run on
// their own goroutine.
func (m *SessionManager) OnStateChange(h func(ConnectionState)) {
	m.stateMu.Lock()
	m.listeners = append(m.listeners, h)
	m.stateMu.Unlock()
}

// On proxies an event subscription to the transport.
func (m *SessionManager) On(event string, h EventHandler) {
	m.transport.On(event, h)
}

// EnsureConnected connects if needed and makes sure every responsible group
// is joined. A failed connect returns *ConnectionError and leaves the manager
// Faulted; callers retry by calling EnsureConnected again.
func (m *SessionManager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isDisposed() {
		return &ConnectionError{Op: "ensure connected", Err: ErrDisposed}
	}

	freshlyConnected := false
	switch m.transport.State() {
	case StateConnected:
	case StateReconnecting:
		// The transport's own reconnect policy is in charge.
		m.setState(StateReconnecting)
		return &ConnectionError{Op: "ensure connected", Err: ErrNotConnected}
	default:
		m.setState(StateConnecting)
		if err := m.transport.Connect(ctx); err != nil {
			m.setState(StateFaulted)
			m.logger.Warn().Err(err).Msg("connect failed")
			return asConnectionError("connect", err)
		}
		freshlyConnected = true
	}

	if m.transport.State() != StateConnected {
		m.setState(StateFaulted)
		return &ConnectionError{Op: "connect", Err: ErrOffline}
	}

	if freshlyConnected {
		m.clearJoined()
	}
	if err := m.rejoinLocked(ctx); err != nil {
		m.setState(StateFaulted)
		return err
	}
	m.setState(StateConnected)
	return nil
}

// JoinGroup adds a group to the responsible set and joins it when
// connected. Joining a group that is already joined sends nothing. A group
// the hub refuses is dropped from the set and the hub's error is returned.
func (m *SessionManager) JoinGroup(ctx context.Context, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isDisposed() {
		return &ConnectionError{Op: "join group", Err: ErrDisposed}
	}

	m.stateMu.Lock()
	m.wanted[group] = struct{}{}
	_, already := m.joined[group]
	m.stateMu.Unlock()

	if already || m.transport.State() != StateConnected {
		return nil
	}
	err := m.sendJoin(ctx, group)
	if IsPermanent(err) {
		m.stateMu.Lock()
		delete(m.wanted, group)
		m.stateMu.Unlock()
	}
	return err
}

// LeaveGroup removes a group from the responsible set and leaves it when
// connected.
func (m *SessionManager) LeaveGroup(ctx context.Context, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stateMu.Lock()
	delete(m.wanted, group)
	_, joined := m.joined[group]
	m.stateMu.Unlock()

	if !joined {
		return nil
	}
	if m.transport.State() != StateConnected {
		m.stateMu.Lock()
		delete(m.joined, group)
		m.stateMu.Unlock()
		return nil
	}
	if err := m.transport.Invoke(ctx, MethodLeaveGroup, nil, group); err != nil {
		m.logger.Warn().Err(err).Str("group", group).Msg("leave failed")
		return hubError("leave group", err)
	}
	m.stateMu.Lock()
	delete(m.joined, group)
	m.stateMu.Unlock()
	return nil
}

// Dispose disconnects the transport. The manager cannot be reused.
func (m *SessionManager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stateMu.Lock()
	if m.disposed {
		m.stateMu.Unlock()
		return nil
	}
	m.disposed = true
	m.stateMu.Unlock()

	err := m.transport.Disconnect(ctx)
	m.clearJoined()
	m.setState(StateDisconnected)
	return err
}

// ── Lifecycle ────────────────────────────────────────────

func (m *SessionManager) handleReconnecting(cause error) {
	m.logger.Info().Err(cause).Msg("connection lost, reconnecting")
	m.setState(StateReconnecting)
}

func (m *SessionManager) handleReconnected(sessionToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isDisposed() {
		return
	}
	// A new connection carries no server-side membership.
	m.clearJoined()
	if err := m.rejoinLocked(context.Background()); err != nil {
		m.logger.Warn().Err(err).Str("session", sessionToken).Msg("rejoin after reconnect failed")
		m.setState(StateFaulted)
		return
	}
	m.setState(StateConnected)
	m.logger.Info().Str("session", sessionToken).Msg("reconnected")
}

func (m *SessionManager) handleClosed(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The event may arrive after a caller already connected again.
	if m.isDisposed() || m.transport.State() == StateConnected {
		return
	}
	m.clearJoined()
	m.setState(StateDisconnected)
	if cause != nil {
		m.logger.Warn().Err(cause).Msg("connection closed")
	}
}

// ── Internals ────────────────────────────────────────────

// rejoinLocked joins every responsible group that is not joined yet on the
// current connection. The caller holds m.mu.
func (m *SessionManager) rejoinLocked(ctx context.Context) error {
	for _, g := range m.responsibleGroups() {
		m.stateMu.RLock()
		_, ok := m.joined[g]
		m.stateMu.RUnlock()
		if ok {
			continue
		}
		if err := m.sendJoin(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

// sendJoin waits for the hub's completion and records the group only when
// the hub accepted it.
func (m *SessionManager) sendJoin(ctx context.Context, group string) error {
	if err := m.transport.Invoke(ctx, MethodJoinGroup, nil, group); err != nil {
		m.logger.Warn().Err(err).Str("group", group).Msg("join failed")
		return hubError("join group", err)
	}
	m.stateMu.Lock()
	m.joined[group] = struct{}{}
	m.stateMu.Unlock()
	m.logger.Debug().Str("group", group).Msg("joined group")
	return nil
}

func (m *SessionManager) responsibleGroups() []string {
	set := make(map[string]struct{})
	if m.required != nil {
		for _, g := range m.required() {
			set[g] = struct{}{}
		}
	}
	m.stateMu.RLock()
	for g := range m.wanted {
		set[g] = struct{}{}
	}
	m.stateMu.RUnlock()

	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func (m *SessionManager) clearJoined() {
	m.stateMu.Lock()
	m.joined = make(map[string]struct{})
	m.stateMu.Unlock()
}

func (m *SessionManager) isDisposed() bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.disposed
}

func (m *SessionManager) setState(s ConnectionState) {
	m.stateMu.Lock()
	if m.state == s {
		m.stateMu.Unlock()
		return
	}
	m.state = s
	listeners := append([]func(ConnectionState){}, m.listeners...)
	m.stateMu.Unlock()

	for _, h := range listeners {
		go h(s)
	}
}

// hubError returns the hub's own refusals unchanged and wraps everything
// else as a connection failure.
func hubError(op string, err error) error {
	if IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return asConnectionError(op, err)
}

func asConnectionError(op string, err error) error {
	if IsTransient(err) {
		return err
	}
	return &ConnectionError{Op: op, Err: err}
}
