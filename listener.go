package rise

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Global notification listener
// ============================================================================

// NotificationListener keeps one session joined to the user's presence group
// and to every conversation the user follows, and feeds incoming messages
// through a NotificationGate.
type NotificationListener struct {
	session *SessionManager
	gate    *NotificationGate
	userID  string
	logger  zerolog.Logger

	mu       sync.RWMutex
	followed map[string]struct{}
	onMsg    []func(Message)
}

// NewNotificationListener creates a listener for userID. Conversations can be
// followed before or after Start.
func NewNotificationListener(ctx context.Context, factory TransportFactory, gate *NotificationGate, userID string, logger zerolog.Logger) *NotificationListener {
	l := &NotificationListener{
		gate:     gate,
		userID:   userID,
		logger:   logger.With().Str("component", "notification-listener").Logger(),
		followed: make(map[string]struct{}),
	}
	l.session = NewSessionManager(ctx, factory,
		WithRequiredGroups(l.requiredGroups),
		WithSessionLogger(logger),
	)
	l.session.On(EventMessageCreated, DecodeEvent(l.handleMessage))
	return l
}

// Session returns the listener's session manager.
func (l *NotificationListener) Session() *SessionManager {
	return l.session
}

// OnMessage registers a callback for every MessageCreated event, whether or
// not it notifies.
func (l *NotificationListener) OnMessage(h func(Message)) {
	l.mu.Lock()
	l.onMsg = append(l.onMsg, h)
	l.mu.Unlock()
}

// Follow adds conversations to the fan-out. If connected they are joined at once.
func (l *NotificationListener) Follow(ctx context.Context, conversationIDs ...string) error {
	l.mu.Lock()
	for _, id := range conversationIDs {
		l.followed[id] = struct{}{}
	}
	l.mu.Unlock()
	if l.session.State() != StateConnected {
		return nil
	}
	return l.session.EnsureConnected(ctx)
}

// Unfollow removes a conversation from the fan-out.
func (l *NotificationListener) Unfollow(ctx context.Context, conversationID string) error {
	l.mu.Lock()
	delete(l.followed, conversationID)
	l.mu.Unlock()
	return l.session.LeaveGroup(ctx, ConversationGroup(conversationID))
}

// Start connects and joins every required group.
func (l *NotificationListener) Start(ctx context.Context) error {
	return l.session.EnsureConnected(ctx)
}

// Stop disposes the session.
func (l *NotificationListener) Stop(ctx context.Context) error {
	return l.session.Dispose(ctx)
}

func (l *NotificationListener) requiredGroups() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	groups := make([]string, 0, len(l.followed)+1)
	if l.userID != "" {
		groups = append(groups, ConnectionsGroup(l.userID))
	}
	for id := range l.followed {
		groups = append(groups, ConversationGroup(id))
	}
	sort.Strings(groups)
	return groups
}

func (l *NotificationListener) handleMessage(msg Message) {
	l.mu.RLock()
	handlers := append([]func(Message){}, l.onMsg...)
	l.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
	if l.gate == nil {
		return
	}
	if l.gate.Notify(context.Background(), msg) {
		l.logger.Debug().Str("conversation", msg.ConversationID).Str("message", msg.ID).Msg("notified")
	}
}

// ============================================================================
// Open conversation feed
// ============================================================================

// ConversationFeed is the session for a conversation open in the UI. Incoming
// messages are applied to its Timeline.
type ConversationFeed struct {
	session  *SessionManager
	timeline *Timeline
	id       string
}

// OpenConversation creates a feed for conversationID and connects it.
// A failed connect still returns the feed; the caller retries with
// Session().EnsureConnected.
func OpenConversation(ctx context.Context, factory TransportFactory, conversationID string, logger zerolog.Logger) (*ConversationFeed, error) {
	f := &ConversationFeed{
		timeline: NewTimeline(conversationID),
		id:       conversationID,
	}
	f.session = NewSessionManager(ctx, factory,
		WithRequiredGroups(func() []string { return []string{ConversationGroup(conversationID)} }),
		WithSessionLogger(logger),
	)
	f.session.On(EventMessageCreated, DecodeEvent(func(m Message) { f.timeline.Apply(m) }))
	return f, f.session.EnsureConnected(ctx)
}

func (f *ConversationFeed) Session() *SessionManager { return f.session }

func (f *ConversationFeed) Timeline() *Timeline { return f.timeline }

// Close disposes the feed's session.
func (f *ConversationFeed) Close(ctx context.Context) error {
	return f.session.Dispose(ctx)
}
