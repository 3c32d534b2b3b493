package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	rise "github.com/rise-support/rise-go"
)

// ============================================================================
// Store
// ============================================================================

// AlertStore holds the authoritative alert record per conversation. All
// conditional writes are atomic with respect to each other.
type AlertStore interface {
	// TryGet returns the stored record, if any.
	TryGet(ctx context.Context, conversationID string) (rise.AlertStatus, bool, error)
	// Put overwrites the record unconditionally.
	Put(ctx context.Context, status rise.AlertStatus) error
	// PutIfInactive stores status only when no active record exists.
	PutIfInactive(ctx context.Context, status rise.AlertStatus) (bool, error)
	// CompareAndClear replaces the record with cleared only when it is active
	// and was raised by initiatorID.
	CompareAndClear(ctx context.Context, conversationID, initiatorID string, cleared rise.AlertStatus) (bool, error)
}

// MemoryAlertStore is a single-process AlertStore.
type MemoryAlertStore struct {
	mu      sync.Mutex
	records map[string]rise.AlertStatus
}

var _ AlertStore = (*MemoryAlertStore)(nil)

func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{records: make(map[string]rise.AlertStatus)}
}

func (s *MemoryAlertStore) TryGet(_ context.Context, conversationID string) (rise.AlertStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.records[conversationID]
	return st, ok, nil
}

func (s *MemoryAlertStore) Put(_ context.Context, status rise.AlertStatus) error {
	s.mu.Lock()
	s.records[status.ConversationID] = status
	s.mu.Unlock()
	return nil
}

func (s *MemoryAlertStore) PutIfInactive(_ context.Context, status rise.AlertStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[status.ConversationID]; ok && cur.IsActive {
		return false, nil
	}
	s.records[status.ConversationID] = status
	return true, nil
}

func (s *MemoryAlertStore) CompareAndClear(_ context.Context, conversationID, initiatorID string, cleared rise.AlertStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[conversationID]
	if !ok || !cur.IsActive || cur.Initiator() != initiatorID {
		return false, nil
	}
	s.records[conversationID] = cleared
	return true, nil
}

// ============================================================================
// Coordinator
// ============================================================================

// ActivationPolicy decides what happens when an alert is raised while
// another member's alert is active.
type ActivationPolicy int

const (
	// LastWriterWins makes the latest activator the initiator.
	LastWriterWins ActivationPolicy = iota
	// FirstActivatorWins keeps the current initiator until the alert is cleared.
	FirstActivatorWins
)

// Broadcaster delivers an event to every connection in a group.
type Broadcaster interface {
	Broadcast(group, event string, payload any)
}

// AlertCoordinatorOption configures an AlertCoordinator.
type AlertCoordinatorOption func(*AlertCoordinator)

func WithActivationPolicy(p ActivationPolicy) AlertCoordinatorOption {
	return func(c *AlertCoordinator) { c.policy = p }
}

func WithAlertMetrics(m *Metrics) AlertCoordinatorOption {
	return func(c *AlertCoordinator) { c.metrics = m }
}

func WithAlertLogger(logger zerolog.Logger) AlertCoordinatorOption {
	return func(c *AlertCoordinator) { c.logger = logger }
}

// AlertCoordinator arbitrates the emergency alert of each conversation. Only
// the member who raised an alert may clear it.
type AlertCoordinator struct {
	store   AlertStore
	bus     Broadcaster
	policy  ActivationPolicy
	metrics *Metrics
	tracer  trace.Tracer
	logger  zerolog.Logger
	now     func() time.Time
}

// NewAlertCoordinator creates a coordinator. bus may be nil.
func NewAlertCoordinator(store AlertStore, bus Broadcaster, opts ...AlertCoordinatorOption) *AlertCoordinator {
	c := &AlertCoordinator{
		store:  store,
		bus:    bus,
		tracer: otel.Tracer("github.com/rise-support/rise-go/hub"),
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status returns the alert of a conversation, inactive if none was recorded.
func (c *AlertCoordinator) Status(ctx context.Context, conversationID string) (rise.AlertStatus, error) {
	if conversationID == "" {
		return rise.AlertStatus{}, &rise.ValidationError{Field: "conversationId", Message: "conversation id is required"}
	}
	st, ok, err := c.store.TryGet(ctx, conversationID)
	if err != nil {
		return rise.AlertStatus{}, err
	}
	if !ok {
		return rise.InactiveAlert(conversationID), nil
	}
	return st, nil
}

// SetState activates or deactivates on behalf of caller.
func (c *AlertCoordinator) SetState(ctx context.Context, conversationID, callerID string, active bool) (rise.AlertStatus, error) {
	if active {
		return c.Activate(ctx, conversationID, callerID)
	}
	return c.Deactivate(ctx, conversationID, callerID)
}

// Activate raises the alert with caller as initiator and broadcasts the new
// state to the conversation's group.
func (c *AlertCoordinator) Activate(ctx context.Context, conversationID, callerID string) (st rise.AlertStatus, err error) {
	ctx, span := c.startSpan(ctx, "alert.activate", conversationID, callerID)
	defer func() { endSpan(span, err) }()

	if err := checkAlertArgs(conversationID, callerID); err != nil {
		return rise.AlertStatus{}, err
	}

	initiator := callerID
	next := rise.AlertStatus{
		ConversationID: conversationID,
		IsActive:       true,
		InitiatorID:    &initiator,
		UpdatedBy:      callerID,
		UpdatedAt:      c.now().UTC(),
	}

	switch c.policy {
	case FirstActivatorWins:
		stored, err := c.store.PutIfInactive(ctx, next)
		if err != nil {
			return rise.AlertStatus{}, err
		}
		if !stored {
			cur, err := c.Status(ctx, conversationID)
			if err != nil {
				return rise.AlertStatus{}, err
			}
			if cur.Initiator() == callerID {
				return cur, nil
			}
			c.metrics.alert("conflict")
			return rise.AlertStatus{}, &rise.DomainConflictError{
				Code:    rise.CodeConflict,
				Message: "an alert raised by another member is already active",
			}
		}
	default:
		if err := c.store.Put(ctx, next); err != nil {
			return rise.AlertStatus{}, err
		}
	}

	c.metrics.alert("activated")
	c.logger.Info().Str("conversation", conversationID).Str("initiator", callerID).Msg("alert activated")
	c.publish(next)
	return next, nil
}

// Deactivate clears the alert. It fails with *rise.AuthorizationError unless
// an active alert exists and caller raised it; the check and the write are
// one atomic store operation.
func (c *AlertCoordinator) Deactivate(ctx context.Context, conversationID, callerID string) (st rise.AlertStatus, err error) {
	ctx, span := c.startSpan(ctx, "alert.deactivate", conversationID, callerID)
	defer func() { endSpan(span, err) }()

	if err := checkAlertArgs(conversationID, callerID); err != nil {
		return rise.AlertStatus{}, err
	}

	cleared := rise.AlertStatus{
		ConversationID: conversationID,
		IsActive:       false,
		UpdatedBy:      callerID,
		UpdatedAt:      c.now().UTC(),
	}
	ok, err := c.store.CompareAndClear(ctx, conversationID, callerID, cleared)
	if err != nil {
		return rise.AlertStatus{}, err
	}
	if !ok {
		c.metrics.alert("denied")
		c.logger.Warn().Str("conversation", conversationID).Str("caller", callerID).Msg("alert clear denied")
		return rise.AlertStatus{}, &rise.AuthorizationError{
			Message: "only the member who raised the alert can clear it",
		}
	}

	c.metrics.alert("deactivated")
	c.logger.Info().Str("conversation", conversationID).Str("by", callerID).Msg("alert deactivated")
	c.publish(cleared)
	return cleared, nil
}

func (c *AlertCoordinator) publish(st rise.AlertStatus) {
	if c.bus == nil {
		return
	}
	c.bus.Broadcast(rise.ConversationGroup(st.ConversationID), rise.EventAlertStateChanged, st)
}

func (c *AlertCoordinator) startSpan(ctx context.Context, name, conversationID, callerID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("rise.conversation_id", conversationID),
		attribute.String("rise.caller_id", callerID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func checkAlertArgs(conversationID, callerID string) error {
	if callerID == "" {
		return &rise.AuthorizationError{Message: "an authenticated member is required"}
	}
	if conversationID == "" {
		return &rise.ValidationError{Field: "conversationId", Message: "conversation id is required"}
	}
	return nil
}
