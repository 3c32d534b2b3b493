package rise

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationListener_JoinsAndNotifies(t *testing.T) {
	ft := newFakeTransport()
	sink := &capturedNotifications{}
	gate := NewNotificationGate(sink, me, nil)
	l := NewNotificationListener(context.Background(), ft.factory(), gate, "u1", zerolog.Nop())

	var seen []Message
	l.OnMessage(func(m Message) { seen = append(seen, m) })
	require.NoError(t, l.Follow(context.Background(), "42"))
	require.NoError(t, l.Start(context.Background()))
	assert.Equal(t, []string{"chat-42", "connections-u1"}, l.Session().JoinedGroups())

	require.NoError(t, l.Follow(context.Background(), "7"))
	assert.Equal(t, []string{"chat-42", "chat-7", "connections-u1"}, l.Session().JoinedGroups())

	ft.emit(EventMessageCreated, Message{ID: "m1", ConversationID: "42", AuthorID: "u2", Content: "hi"})
	ft.emit(EventMessageCreated, Message{ID: "m2", ConversationID: "42", AuthorID: "u1", Content: "mine"})
	assert.Len(t, seen, 2)
	require.Len(t, sink.sent, 1)
	assert.Equal(t, "hi", sink.sent[0].ContentPreview)

	require.NoError(t, l.Unfollow(context.Background(), "7"))
	assert.Equal(t, []string{"chat-42", "connections-u1"}, l.Session().JoinedGroups())

	ft.reconnect("conn-2")
	assert.Equal(t, 2, ft.joins()["chat-42"])
	assert.Equal(t, 1, ft.joins()["chat-7"], "unfollowed conversations are not rejoined")

	require.NoError(t, l.Stop(context.Background()))
}

func TestConversationFeed(t *testing.T) {
	ft := newFakeTransport()
	feed, err := OpenConversation(context.Background(), ft.factory(), "42", zerolog.Nop())
	require.NoError(t, err)
	defer feed.Close(context.Background())

	assert.Equal(t, []string{"chat-42"}, feed.Session().JoinedGroups())

	feed.Timeline().AddPending(PendingMessage{ConversationID: "42", ClientMessageID: "c-1"})
	ft.emit(EventMessageCreated, Message{ID: "m1", ConversationID: "42", ClientMessageID: "c-1"})
	ft.emit(EventMessageCreated, Message{ID: "m1", ConversationID: "42", ClientMessageID: "c-1"})

	assert.Zero(t, feed.Timeline().PendingCount())
	assert.Len(t, feed.Timeline().Entries(), 1)
}

func TestConversationFeed_ConnectFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = errors.New("refused")
	feed, err := OpenConversation(context.Background(), ft.factory(), "42", zerolog.Nop())
	require.NotNil(t, feed)
	assert.True(t, IsTransient(err))
	assert.Equal(t, StateFaulted, feed.Session().State())
}

func TestAlertClient(t *testing.T) {
	ft := newFakeTransport()
	initiator := "u1"
	ft.invoke = func(method string, out any, args ...any) error {
		switch method {
		case MethodGetAlertStatus:
			*out.(*AlertStatus) = InactiveAlert(args[0].(string))
		case MethodSetAlertState:
			if args[1].(bool) {
				*out.(*AlertStatus) = AlertStatus{ConversationID: args[0].(string), IsActive: true, InitiatorID: &initiator}
				return nil
			}
			return &AuthorizationError{Message: "only the member who raised the alert can clear it"}
		}
		return nil
	}
	session := NewSessionManager(context.Background(), ft.factory())
	alerts := NewAlertClient(session)
	ctx := context.Background()

	st, err := alerts.Status(ctx, "77")
	require.NoError(t, err)
	assert.False(t, st.IsActive)

	st, err = alerts.Raise(ctx, "77")
	require.NoError(t, err)
	assert.Equal(t, "u1", st.Initiator())

	_, err = alerts.Clear(ctx, "77")
	var ae *AuthorizationError
	assert.True(t, errors.As(err, &ae))

	changes := make(chan AlertStatus, 1)
	alerts.OnChange(func(s AlertStatus) { changes <- s })
	require.NoError(t, alerts.Watch(ctx, "77"))
	assert.Contains(t, session.JoinedGroups(), "chat-77")

	raw, _ := json.Marshal(AlertStatus{ConversationID: "77", IsActive: true, InitiatorID: &initiator})
	ft.mu.Lock()
	handlers := ft.handlers[EventAlertStateChanged]
	ft.mu.Unlock()
	require.Len(t, handlers, 1)
	handlers[0](raw)
	assert.True(t, (<-changes).IsActive)
}
