package rise

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Preview placeholders.
const (
	AudioPreview   = "Sent a voice message."
	GenericPreview = "You have a new message."
)

// maxPreviewRunes bounds the text preview.
const maxPreviewRunes = 160

// NotificationPayload is what a NotificationDispatcher delivers.
type NotificationPayload struct {
	ConversationID string `json:"conversationId"`
	SenderName     string `json:"senderName"`
	ContentPreview string `json:"contentPreview"`
	LinkURL        string `json:"linkUrl,omitempty"`
}

// NotificationDispatcher delivers a notification to the user.
type NotificationDispatcher interface {
	Send(ctx context.Context, payload NotificationPayload) error
}

// NotificationDispatcherFunc adapts a function to NotificationDispatcher.
type NotificationDispatcherFunc func(ctx context.Context, payload NotificationPayload) error

func (f NotificationDispatcherFunc) Send(ctx context.Context, payload NotificationPayload) error {
	return f(ctx, payload)
}

// ActiveConversation tracks the conversation currently open in the UI.
type ActiveConversation struct {
	mu sync.RWMutex
	id string
}

func (a *ActiveConversation) Set(conversationID string) {
	a.mu.Lock()
	a.id = conversationID
	a.mu.Unlock()
}

func (a *ActiveConversation) Clear() { a.Set("") }

func (a *ActiveConversation) Get() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

// GateOption configures a NotificationGate.
type GateOption func(*NotificationGate)

// WithLinkTemplate sets the deep link template. "{conversationId}" is
// replaced with the message's conversation.
func WithLinkTemplate(tmpl string) GateOption {
	return func(g *NotificationGate) { g.linkTemplate = tmpl }
}

func WithGateLogger(logger zerolog.Logger) GateOption {
	return func(g *NotificationGate) { g.logger = logger }
}

// NotificationGate decides whether an inbound message should notify the
// current user and hands it to the dispatcher if so.
type NotificationGate struct {
	dispatcher   NotificationDispatcher
	users        UserContextProvider
	active       *ActiveConversation
	linkTemplate string
	logger       zerolog.Logger
}

// NewNotificationGate creates a gate. active may be shared with the UI layer.
func NewNotificationGate(dispatcher NotificationDispatcher, users UserContextProvider, active *ActiveConversation, opts ...GateOption) *NotificationGate {
	if active == nil {
		active = &ActiveConversation{}
	}
	g := &NotificationGate{
		dispatcher: dispatcher,
		users:      users,
		active:     active,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With().Str("component", "notify").Logger()
	return g
}

// Active returns the active conversation tracker.
func (g *NotificationGate) Active() *ActiveConversation {
	return g.active
}

// Notify notifies about msg unless the current user wrote it or is looking
// at its conversation. It waits for the dispatcher, and dispatcher errors
// are logged and dropped. It reports whether the dispatcher was invoked.
func (g *NotificationGate) Notify(ctx context.Context, msg Message) bool {
	if user, ok := g.users.CurrentUser(); ok && msg.AuthorID == user.ID {
		return false
	}
	if active := g.active.Get(); active != "" && msg.ConversationID == active {
		return false
	}

	payload := NotificationPayload{
		ConversationID: msg.ConversationID,
		SenderName:     msg.AuthorName,
		ContentPreview: Preview(msg),
		LinkURL:        g.link(msg.ConversationID),
	}
	if err := g.dispatcher.Send(ctx, payload); err != nil {
		g.logger.Warn().Err(err).Str("conversation", msg.ConversationID).Msg("notification not delivered")
	}
	return true
}

func (g *NotificationGate) link(conversationID string) string {
	if g.linkTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(g.linkTemplate, "{conversationId}", conversationID)
}

// Preview returns the notification text for a message.
func Preview(msg Message) string {
	if text := strings.TrimSpace(msg.Content); text != "" {
		r := []rune(text)
		if len(r) > maxPreviewRunes {
			return string(r[:maxPreviewRunes]) + "…"
		}
		return text
	}
	if msg.AudioRef != "" {
		return AudioPreview
	}
	return GenericPreview
}
