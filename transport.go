package rise

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Transport
// ============================================================================

// ConnectionState is the lifecycle state of a hub connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFaulted      ConnectionState = "faulted"
)

// EventHandler receives the payload of a hub event.
type EventHandler func(payload json.RawMessage)

// Transport is a single bidirectional connection to the hub.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Send invokes a hub method without waiting for a completion.
	Send(ctx context.Context, method string, args ...any) error
	// Invoke calls a hub method and decodes its result into out, which may be nil.
	Invoke(ctx context.Context, method string, out any, args ...any) error
	On(event string, h EventHandler)
	OnReconnecting(h func(cause error))
	OnReconnected(h func(sessionToken string))
	OnClosed(h func(cause error))
	State() ConnectionState
}

// InvokeAs calls a hub method and returns its decoded result.
func InvokeAs[T any](ctx context.Context, t Transport, method string, args ...any) (T, error) {
	var out T
	err := t.Invoke(ctx, method, &out, args...)
	return out, err
}

// DecodeEvent adapts a typed callback to an EventHandler. Payloads that fail
// to decode are dropped.
func DecodeEvent[T any](h func(T)) EventHandler {
	return func(payload json.RawMessage) {
		var v T
		if json.Unmarshal(payload, &v) == nil {
			h(v)
		}
	}
}

// ============================================================================
// Offline transport
// ============================================================================

// OfflineTransport is the no-op transport used while the device is offline.
// Every operation returns immediately and nothing is ever emitted.
type OfflineTransport struct{}

var _ Transport = OfflineTransport{}

func (OfflineTransport) Connect(context.Context) error { return nil }
func (OfflineTransport) Disconnect(context.Context) error { return nil }
func (OfflineTransport) Send(context.Context, string, ...any) error { return nil }
func (OfflineTransport) Invoke(context.Context, string, any, ...any) error { return nil }
func (OfflineTransport) On(string, EventHandler) {}
func (OfflineTransport) OnReconnecting(func(error)) {}
func (OfflineTransport) OnReconnected(func(string)) {}
func (OfflineTransport) OnClosed(func(error)) {}
func (OfflineTransport) State() ConnectionState { return StateDisconnected }

// ============================================================================
// Connectivity
// ============================================================================

// ConnectivityProbe reports whether the network is currently usable.
type ConnectivityProbe interface {
	IsOnline(ctx context.Context) bool
}

// ProbeFunc adapts a function to ConnectivityProbe.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) IsOnline(ctx context.Context) bool { return f(ctx) }

// HealthProbe treats a successful GET /health as online.
type HealthProbe struct {
	Client  *Client
	Timeout time.Duration
}

func (p *HealthProbe) IsOnline(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Client.Health(ctx) == nil
}

// NetworkMonitor remembers the last known connectivity and notifies listeners
// on transitions.
type NetworkMonitor struct {
	mu        sync.Mutex
	online    bool
	listeners []func(online bool)
}

// NewNetworkMonitor creates a monitor with the given initial state.
func NewNetworkMonitor(online bool) *NetworkMonitor {
	return &NetworkMonitor{online: online}
}

func (m *NetworkMonitor) IsOnline(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers a transition listener. Listeners run synchronously in
// SetOnline and recover from panics.
func (m *NetworkMonitor) OnChange(h func(online bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, h)
	m.mu.Unlock()
}

// SetOnline records the current state and fires listeners on a change.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	handlers := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(online)
		}()
	}
}

// Refresh asks probe for the current state and records it.
func (m *NetworkMonitor) Refresh(ctx context.Context, probe ConnectivityProbe) bool {
	online := probe.IsOnline(ctx)
	m.SetOnline(online)
	return online
}

// ============================================================================
// Mode selection
// ============================================================================

// TransportFactory builds the transport for one session manager.
type TransportFactory interface {
	Create(ctx context.Context) Transport
}

// TransportFunc adapts a function to TransportFactory.
type TransportFunc func(ctx context.Context) Transport

func (f TransportFunc) Create(ctx context.Context) Transport { return f(ctx) }

// TransportSelector picks the live transport when Probe reports online and
// the offline stub otherwise.
type TransportSelector struct {
	Probe ConnectivityProbe
	Live  func() Transport
}

func (s *TransportSelector) Create(ctx context.Context) Transport {
	if s.Probe == nil || s.Live == nil || !s.Probe.IsOnline(ctx) {
		return OfflineTransport{}
	}
	return s.Live()
}

// NewTransportSelector returns a selector that builds a LiveTransport against
// the client's hub endpoint.
func NewTransportSelector(client *Client, probe ConnectivityProbe, config *RealtimeConfig) *TransportSelector {
	return &TransportSelector{
		Probe: probe,
		Live: func() Transport {
			cfg := RealtimeConfig{}
			if config != nil {
				cfg = *config
			}
			if cfg.Token == "" {
				cfg.Token = client.token
			}
			return NewLiveTransport(client.HubURL(), &cfg)
		},
	}
}

func marshalArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal argument %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}
