package rise

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedNotifications struct {
	sent []NotificationPayload
	err  error
}

func (c *capturedNotifications) Send(_ context.Context, p NotificationPayload) error {
	c.sent = append(c.sent, p)
	return c.err
}

func TestNotificationGate(t *testing.T) {
	sink := &capturedNotifications{}
	active := &ActiveConversation{}
	gate := NewNotificationGate(sink, me, active, WithLinkTemplate("rise://chat/{conversationId}"))
	ctx := context.Background()

	assert.False(t, gate.Notify(ctx, Message{ConversationID: "42", AuthorID: "u1", Content: "mine"}))

	active.Set("42")
	assert.False(t, gate.Notify(ctx, Message{ConversationID: "42", AuthorID: "u2", Content: "visible already"}))

	assert.True(t, gate.Notify(ctx, Message{ConversationID: "7", AuthorID: "u2", AuthorName: "Bo", Content: "hi"}))
	require.Len(t, sink.sent, 1)
	assert.Equal(t, NotificationPayload{
		ConversationID: "7",
		SenderName:     "Bo",
		ContentPreview: "hi",
		LinkURL:        "rise://chat/7",
	}, sink.sent[0])

	active.Clear()
	assert.True(t, gate.Notify(ctx, Message{ConversationID: "42", AuthorID: "u2", Content: "now notified"}))
	assert.Len(t, sink.sent, 2)
}

func TestNotificationGate_DispatcherErrorIsSwallowed(t *testing.T) {
	sink := &capturedNotifications{err: errors.New("push service down")}
	gate := NewNotificationGate(sink, me, nil)

	assert.True(t, gate.Notify(context.Background(), Message{ConversationID: "7", AuthorID: "u2", Content: "hi"}))
	assert.Len(t, sink.sent, 1)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hello", Preview(Message{Content: "  hello "}))
	assert.Equal(t, AudioPreview, Preview(Message{AudioRef: "voice.m4a"}))
	assert.Equal(t, GenericPreview, Preview(Message{}))

	long := Preview(Message{Content: strings.Repeat("é", maxPreviewRunes+10)})
	assert.Equal(t, maxPreviewRunes+1, len([]rune(long)))
	assert.True(t, strings.HasSuffix(long, "…"))
}
