package rise

import (
	"context"
)

// AlertClient reads and toggles emergency alerts over a hub session.
type AlertClient struct {
	session *SessionManager
}

// NewAlertClient wraps a session manager.
func NewAlertClient(session *SessionManager) *AlertClient {
	return &AlertClient{session: session}
}

// Status returns the alert state of a conversation. A conversation that never
// had an alert reports inactive.
func (c *AlertClient) Status(ctx context.Context, conversationID string) (AlertStatus, error) {
	if err := c.session.EnsureConnected(ctx); err != nil {
		return AlertStatus{}, err
	}
	return InvokeAs[AlertStatus](ctx, c.session.Transport(), MethodGetAlertStatus, conversationID)
}

// Raise activates the alert with the caller as initiator.
func (c *AlertClient) Raise(ctx context.Context, conversationID string) (AlertStatus, error) {
	return c.set(ctx, conversationID, true)
}

// Clear deactivates the alert. It fails with *AuthorizationError unless the
// caller raised it.
func (c *AlertClient) Clear(ctx context.Context, conversationID string) (AlertStatus, error) {
	return c.set(ctx, conversationID, false)
}

func (c *AlertClient) set(ctx context.Context, conversationID string, active bool) (AlertStatus, error) {
	if err := c.session.EnsureConnected(ctx); err != nil {
		return AlertStatus{}, err
	}
	return InvokeAs[AlertStatus](ctx, c.session.Transport(), MethodSetAlertState, conversationID, active)
}

// Watch joins the conversation's group so AlertStateChanged events arrive.
func (c *AlertClient) Watch(ctx context.Context, conversationID string) error {
	if err := c.session.JoinGroup(ctx, ConversationGroup(conversationID)); err != nil {
		return err
	}
	return c.session.EnsureConnected(ctx)
}

// OnChange registers a callback for AlertStateChanged events.
func (c *AlertClient) OnChange(h func(AlertStatus)) {
	c.session.On(EventAlertStateChanged, DecodeEvent(h))
}
