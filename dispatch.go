package rise

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Message Dispatch
// ============================================================================

// DispatchStatus tells the caller how to render a sent message.
type DispatchStatus string

const (
	// DispatchConfirmed means the server has the message.
	DispatchConfirmed DispatchStatus = "confirmed"
	// DispatchPending means the message waits in the outbound queue.
	DispatchPending DispatchStatus = "pending"
)

// DispatchResult is the outcome of Dispatcher.Dispatch. Message is set for a
// confirmed send unless the server queued it; Pending is set for a pending one.
type DispatchResult struct {
	Status       DispatchStatus
	Message      *Message
	Pending      *PendingMessage
	ServerQueued bool
}

// MessageSender creates messages on the server. *Client implements it.
type MessageSender interface {
	CreateMessage(ctx context.Context, conversationID string, req CreateMessageRequest) (*Message, error)
}

// UserContextProvider returns the locally authenticated user, if any.
type UserContextProvider interface {
	CurrentUser() (UserContext, bool)
}

// StaticUser is a fixed UserContextProvider. The zero value has no user.
type StaticUser UserContext

func (u StaticUser) CurrentUser() (UserContext, bool) {
	return UserContext(u), u.ID != ""
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithDispatchLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// Dispatcher sends chat messages, diverting them into the outbound queue when
// the device is offline or the network fails mid-request.
type Dispatcher struct {
	sender MessageSender
	queue  *OutboundQueue
	probe  ConnectivityProbe
	users  UserContextProvider
	logger zerolog.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(sender MessageSender, queue *OutboundQueue, probe ConnectivityProbe, users UserContextProvider, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sender: sender,
		queue:  queue,
		probe:  probe,
		users:  users,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "dispatch").Logger()
	return d
}

// Dispatch sends req to a conversation.
//
// Offline, or on a transient network failure, the message is queued and a
// pending projection is returned. A server answer saying it stored the
// message for later delivery counts as confirmed. Every other server error
// is returned unchanged. A cancelled ctx never queues.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationID string, req CreateMessageRequest) (*DispatchResult, error) {
	if conversationID == "" {
		return nil, &ValidationError{Field: "conversationId", Message: "conversation id is required"}
	}
	if req.Empty() {
		return nil, &ValidationError{Field: "content", Message: "message must have text or audio"}
	}
	if req.ClientMessageID == "" {
		req.ClientMessageID = uuid.NewString()
	}

	log := d.logger.With().
		Str("conversation", conversationID).
		Str("clientMessageId", req.ClientMessageID).
		Logger()

	if !d.probe.IsOnline(ctx) {
		log.Debug().Msg("offline, queueing message")
		return d.enqueue(ctx, conversationID, req)
	}

	msg, err := d.sender.CreateMessage(ctx, conversationID, req)
	switch {
	case err == nil:
		return &DispatchResult{Status: DispatchConfirmed, Message: msg}, nil

	case ctx.Err() != nil:
		return nil, ctx.Err()

	case IsTransient(err):
		log.Info().Err(err).Msg("send failed, queueing message")
		return d.enqueue(ctx, conversationID, req)

	case IndicatesServerQueued(err):
		log.Info().Msg("server stored message for later delivery")
		return &DispatchResult{Status: DispatchConfirmed, ServerQueued: true}, nil

	default:
		return nil, err
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, conversationID string, req CreateMessageRequest) (*DispatchResult, error) {
	user, ok := d.users.CurrentUser()
	if !ok {
		return nil, &PreconditionError{Message: "no authenticated user to attribute the message to"}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	action := &QueuedAction{
		Method:          http.MethodPost,
		TargetPath:      MessagesPath(conversationID),
		Payload:         payload,
		ConversationID:  conversationID,
		ClientMessageID: req.ClientMessageID,
		EnqueuedAt:      d.now().UTC(),
	}
	id, err := d.queue.Enqueue(ctx, action)
	if err != nil {
		return nil, err
	}

	return &DispatchResult{
		Status: DispatchPending,
		Pending: &PendingMessage{
			ConversationID:  conversationID,
			Content:         req.Content,
			AudioRef:        req.AudioRef,
			Author:          user,
			QueuedActionID:  id,
			ClientMessageID: req.ClientMessageID,
			CreatedAt:       action.EnqueuedAt,
		},
	}, nil
}
