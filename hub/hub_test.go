package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rise "github.com/rise-support/rise-go"
)

const testSecret = "hub-test-secret"

type testServer struct {
	*httptest.Server
	auth     *Authenticator
	hub      *Hub
	alerts   *AlertCoordinator
	messages *MessageService
	repo     *MemoryMessageRepository
	metrics  *Metrics
}

func newTestServer(t *testing.T, opts ...AlertCoordinatorOption) *testServer {
	t.Helper()
	metrics := NewMetrics()
	auth := NewAuthenticator(testSecret, time.Hour)
	h := New(auth, Options{Metrics: metrics, Logger: zerolog.Nop()})
	alerts := NewAlertCoordinator(NewMemoryAlertStore(), h, append([]AlertCoordinatorOption{WithAlertMetrics(metrics)}, opts...)...)
	h.SetAlerts(alerts)
	repo := NewMemoryMessageRepository()
	messages := NewMessageService(repo, h, metrics, zerolog.Nop())

	s := NewServer(Components{
		Auth:     auth,
		Hub:      h,
		Alerts:   alerts,
		Messages: messages,
		Metrics:  metrics,
		Logger:   zerolog.Nop(),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		h.Close()
		ts.Close()
	})
	return &testServer{Server: ts, auth: auth, hub: h, alerts: alerts, messages: messages, repo: repo, metrics: metrics}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.auth.Issue(rise.UserContext{ID: userID, DisplayName: strings.ToUpper(userID)})
	require.NoError(t, err)
	return tok
}

func (s *testServer) client(t *testing.T, userID string) *rise.Client {
	return rise.NewClient(s.token(t, userID), rise.WithBaseURL(s.URL))
}

func (s *testServer) connect(t *testing.T, userID string) *rise.LiveTransport {
	t.Helper()
	lt := rise.NewLiveTransport(s.client(t, userID).HubURL(), &rise.RealtimeConfig{
		Token:            s.token(t, userID),
		DisableReconnect: true,
		InvokeTimeout:    5 * time.Second,
	})
	require.NoError(t, lt.Connect(context.Background()))
	t.Cleanup(func() { _ = lt.Disconnect(context.Background()) })
	return lt
}

// join sends JoinGroup and waits for a round trip so the membership is in
// place on the server.
func join(t *testing.T, lt *rise.LiveTransport, group string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, lt.Send(ctx, rise.MethodJoinGroup, group))
	require.NoError(t, lt.Invoke(ctx, rise.MethodPing, nil))
}

func TestHub_RejectsUnauthenticated(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.URL + "/hub")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	lt := rise.NewLiveTransport(strings.Replace(s.URL, "http://", "ws://", 1)+"/hub", &rise.RealtimeConfig{
		Token:            "garbage",
		DisableReconnect: true,
	})
	err = lt.Connect(context.Background())
	assert.True(t, rise.IsTransient(err))
	assert.Equal(t, rise.StateDisconnected, lt.State())
}

func TestHub_ConnectedHandshake(t *testing.T) {
	s := newTestServer(t)
	lt := s.connect(t, "alice")

	assert.Equal(t, rise.StateConnected, lt.State())
	assert.NotEmpty(t, lt.ConnectionID())
	assert.Eventually(t, func() bool { return s.hub.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	pong, err := rise.InvokeAs[string](context.Background(), lt, rise.MethodPing)
	require.NoError(t, err)
	assert.Equal(t, "pong", pong)
}

func TestHub_GetAlertStatusAcceptsNumericID(t *testing.T) {
	s := newTestServer(t)
	lt := s.connect(t, "alice")

	st, err := rise.InvokeAs[rise.AlertStatus](context.Background(), lt, rise.MethodGetAlertStatus, 77)
	require.NoError(t, err)
	assert.Equal(t, "77", st.ConversationID)
	assert.False(t, st.IsActive)
	assert.Nil(t, st.InitiatorID)
}

func TestHub_AlertRoundTrip(t *testing.T) {
	s := newTestServer(t)
	alice := s.connect(t, "alice")
	bob := s.connect(t, "bob")
	join(t, alice, "chat-42")

	changes := make(chan rise.AlertStatus, 4)
	alice.On(rise.EventAlertStateChanged, rise.DecodeEvent(func(st rise.AlertStatus) { changes <- st }))

	ctx := context.Background()
	raised, err := rise.InvokeAs[rise.AlertStatus](ctx, bob, rise.MethodSetAlertState, "42", true)
	require.NoError(t, err)
	assert.Equal(t, "bob", raised.Initiator())

	select {
	case st := <-changes:
		assert.True(t, st.IsActive)
		assert.Equal(t, "bob", st.Initiator())
	case <-time.After(2 * time.Second):
		t.Fatal("no AlertStateChanged event")
	}

	_, err = rise.InvokeAs[rise.AlertStatus](ctx, alice, rise.MethodSetAlertState, "42", false)
	var ae *rise.AuthorizationError
	require.True(t, errors.As(err, &ae), "got %v", err)

	cleared, err := rise.InvokeAs[rise.AlertStatus](ctx, bob, rise.MethodSetAlertState, "42", false)
	require.NoError(t, err)
	assert.False(t, cleared.IsActive)

	select {
	case st := <-changes:
		assert.False(t, st.IsActive)
	case <-time.After(2 * time.Second):
		t.Fatal("no AlertStateChanged event for clear")
	}
}

func TestHub_JoinGroupAuthorization(t *testing.T) {
	s := newTestServer(t)
	lt := s.connect(t, "alice")
	ctx := context.Background()

	require.NoError(t, lt.Invoke(ctx, rise.MethodJoinGroup, nil, "connections-alice"))

	err := lt.Invoke(ctx, rise.MethodJoinGroup, nil, "connections-bob")
	var ae *rise.AuthorizationError
	assert.True(t, errors.As(err, &ae), "got %v", err)

	err = lt.Invoke(ctx, rise.MethodJoinGroup, nil, "lobby")
	var ve *rise.ValidationError
	assert.True(t, errors.As(err, &ve), "got %v", err)

	err = lt.Invoke(ctx, "Nope", nil)
	var de *rise.DomainConflictError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, rise.CodeNotFound, de.Code)
}

func TestHub_LeaveGroupAndDisconnectCleanup(t *testing.T) {
	s := newTestServer(t)
	lt := s.connect(t, "alice")
	join(t, lt, "chat-1")
	join(t, lt, "chat-2")
	assert.Len(t, s.hub.Groups().Members("chat-1"), 1)

	require.NoError(t, lt.Invoke(context.Background(), rise.MethodLeaveGroup, nil, "chat-1"))
	assert.Empty(t, s.hub.Groups().Members("chat-1"))

	require.NoError(t, lt.Disconnect(context.Background()))
	assert.Eventually(t, func() bool {
		return s.hub.ConnectionCount() == 0 && len(s.hub.Groups().Members("chat-2")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_MessageBroadcastToGroup(t *testing.T) {
	s := newTestServer(t)
	lt := s.connect(t, "bob")
	join(t, lt, "chat-42")

	got := make(chan rise.Message, 1)
	lt.On(rise.EventMessageCreated, rise.DecodeEvent(func(m rise.Message) { got <- m }))

	msg, err := s.client(t, "alice").CreateMessage(context.Background(), "42", rise.CreateMessageRequest{Content: "hello"})
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Equal(t, msg.ID, m.ID)
		assert.Equal(t, "hello", m.Content)
		assert.Equal(t, "alice", m.AuthorID)
	case <-time.After(2 * time.Second):
		t.Fatal("no MessageCreated event")
	}
}

func TestHub_RateLimit(t *testing.T) {
	auth := NewAuthenticator(testSecret, time.Hour)
	h := New(auth, Options{RateLimit: 0.001, RateBurst: 1, Logger: zerolog.Nop()})
	ts := httptest.NewServer(h)
	defer ts.Close()
	defer h.Close()

	tok, _ := auth.Issue(rise.UserContext{ID: "alice"})
	lt := rise.NewLiveTransport(strings.Replace(ts.URL, "http://", "ws://", 1), &rise.RealtimeConfig{Token: tok, DisableReconnect: true})
	require.NoError(t, lt.Connect(context.Background()))
	defer lt.Disconnect(context.Background())

	require.NoError(t, lt.Invoke(context.Background(), rise.MethodPing, nil))
	err := lt.Invoke(context.Background(), rise.MethodPing, nil)
	assert.True(t, rise.IsTransient(err), "got %v", err)
}

func TestHub_SessionJoinFollowsHubVerdict(t *testing.T) {
	s := newTestServer(t)
	lt := rise.NewLiveTransport(s.client(t, "alice").HubURL(), &rise.RealtimeConfig{
		Token:            s.token(t, "alice"),
		DisableReconnect: true,
		InvokeTimeout:    5 * time.Second,
	})
	session := rise.NewSessionManager(context.Background(), rise.TransportFunc(func(context.Context) rise.Transport { return lt }))
	t.Cleanup(func() { _ = session.Dispose(context.Background()) })
	ctx := context.Background()

	require.NoError(t, session.EnsureConnected(ctx))
	id := lt.ConnectionID()

	err := session.JoinGroup(ctx, "connections-bob")
	var ae *rise.AuthorizationError
	require.True(t, errors.As(err, &ae), "got %v", err)
	assert.Empty(t, session.JoinedGroups())
	assert.Empty(t, s.hub.Groups().Of(id))

	err = session.JoinGroup(ctx, "lobby")
	var ve *rise.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)

	require.NoError(t, session.JoinGroup(ctx, "chat-42"))
	assert.Equal(t, []string{"chat-42"}, session.JoinedGroups())
	assert.Equal(t, []string{"chat-42"}, s.hub.Groups().Of(id))

	require.NoError(t, session.LeaveGroup(ctx, "chat-42"))
	assert.Empty(t, s.hub.Groups().Of(id))
}

func TestHub_SessionWithForbiddenRequiredGroupFaults(t *testing.T) {
	s := newTestServer(t)
	lt := rise.NewLiveTransport(s.client(t, "alice").HubURL(), &rise.RealtimeConfig{
		Token:            s.token(t, "alice"),
		DisableReconnect: true,
		InvokeTimeout:    5 * time.Second,
	})
	session := rise.NewSessionManager(context.Background(),
		rise.TransportFunc(func(context.Context) rise.Transport { return lt }),
		rise.WithRequiredGroups(func() []string { return []string{"chat-42", "connections-bob"} }),
	)
	t.Cleanup(func() { _ = session.Dispose(context.Background()) })

	err := session.EnsureConnected(context.Background())
	var ae *rise.AuthorizationError
	require.True(t, errors.As(err, &ae), "got %v", err)
	assert.Equal(t, rise.StateFaulted, session.State())
	assert.Equal(t, []string{"chat-42"}, session.JoinedGroups())
}

func TestConn_HandshakeReportsUndeliverableHello(t *testing.T) {
	user := rise.UserContext{ID: "alice"}

	c := &conn{id: "c1", user: user, send: make(chan []byte, 1)}
	require.NoError(t, c.handshake())
	var f rise.Frame
	require.NoError(t, json.Unmarshal(<-c.send, &f))
	assert.Equal(t, rise.EventConnected, f.Target)
	require.Len(t, f.Args, 1)
	var hello rise.ConnectedPayload
	require.NoError(t, json.Unmarshal(f.Args[0], &hello))
	assert.Equal(t, rise.ConnectedPayload{ConnectionID: "c1", UserID: "alice"}, hello)

	full := &conn{id: "c2", user: user, send: make(chan []byte)}
	assert.ErrorContains(t, full.handshake(), "send buffer full")

	closed := &conn{id: "c3", user: user, send: make(chan []byte, 1), closed: true}
	assert.ErrorContains(t, closed.handshake(), "connection closed")
}
