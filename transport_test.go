package rise

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportSelector(t *testing.T) {
	online := &atomic.Bool{}
	probe := ProbeFunc(func(context.Context) bool { return online.Load() })
	client := NewClient("tok", WithBaseURL("https://rise.example"))
	sel := NewTransportSelector(client, probe, nil)

	_, isOffline := sel.Create(context.Background()).(OfflineTransport)
	assert.True(t, isOffline)

	online.Store(true)
	live, ok := sel.Create(context.Background()).(*LiveTransport)
	require.True(t, ok)
	assert.Equal(t, "wss://rise.example/hub", live.endpoint)
	assert.Equal(t, "tok", live.config.Token)
}

func TestOfflineTransport(t *testing.T) {
	var tr Transport = OfflineTransport{}
	ctx := context.Background()

	assert.NoError(t, tr.Connect(ctx))
	assert.NoError(t, tr.Send(ctx, MethodJoinGroup, "chat-1"))
	assert.NoError(t, tr.Invoke(ctx, MethodPing, nil))
	assert.Equal(t, StateDisconnected, tr.State())
	assert.NoError(t, tr.Disconnect(ctx))
}

func TestNetworkMonitor(t *testing.T) {
	m := NewNetworkMonitor(false)
	var changes []bool
	m.OnChange(func(online bool) { changes = append(changes, online) })
	m.OnChange(func(bool) { panic("listener bug") })

	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)

	assert.Equal(t, []bool{true, false}, changes)
	assert.False(t, m.IsOnline(context.Background()))

	assert.True(t, m.Refresh(context.Background(), ProbeFunc(func(context.Context) bool { return true })))
	assert.True(t, m.IsOnline(context.Background()))
}

func TestHealthProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	probe := &HealthProbe{Client: NewClient("", WithBaseURL(srv.URL))}
	assert.True(t, probe.IsOnline(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	assert.False(t, probe.IsOnline(context.Background()))

	srv.Close()
	assert.False(t, probe.IsOnline(context.Background()))
}

func TestGroupNames(t *testing.T) {
	assert.Equal(t, "chat-42", ConversationGroup("42"))
	assert.Equal(t, "connections-u1", ConnectionsGroup("u1"))

	id, ok := ConversationFromGroup("chat-42")
	assert.True(t, ok)
	assert.Equal(t, "42", id)
	_, ok = ConversationFromGroup("chat-")
	assert.False(t, ok)

	uid, ok := UserFromConnectionsGroup("connections-u1")
	assert.True(t, ok)
	assert.Equal(t, "u1", uid)
	_, ok = UserFromConnectionsGroup("chat-1")
	assert.False(t, ok)
}
