package rise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Data Types
// ============================================================================

// QueuedAction is a durable record of an action deferred for replay.
type QueuedAction struct {
	ID              uint64          `json:"id"`
	Method          string          `json:"method"`
	TargetPath      string          `json:"targetPath"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ConversationID  string          `json:"conversationId,omitempty"`
	ClientMessageID string          `json:"clientMessageId,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueuedAt"`
	AttemptCount    int             `json:"attemptCount"`
}

// OutcomeStatus is the result of one replay attempt.
type OutcomeStatus string

const (
	// OutcomeDelivered means the server accepted the action and it was removed.
	OutcomeDelivered OutcomeStatus = "delivered"
	// OutcomeRetrying means the attempt failed transiently and the entry stays.
	OutcomeRetrying OutcomeStatus = "retrying"
	// OutcomeRejected means the server refused the action for good.
	OutcomeRejected OutcomeStatus = "rejected"
	// OutcomeDropped means the retry policy gave up on the entry.
	OutcomeDropped OutcomeStatus = "dropped"
)

// ReplayOutcome reports what happened to one queued action during a drain.
type ReplayOutcome struct {
	Action       *QueuedAction
	Status       OutcomeStatus
	Message      *Message
	ServerQueued bool
	Err          error
}

// RetryPolicy bounds how long an entry may stay in the queue.
type RetryPolicy struct {
	// MaxAttempts drops an entry after this many failed attempts.
	MaxAttempts int
	// MaxAge drops an entry older than this before attempting it.
	MaxAge time.Duration
}

// DefaultRetryPolicy is used when a queue is created without one.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, MaxAge: 72 * time.Hour}

// ============================================================================
// Storage
// ============================================================================

// QueueStore is the durable backing of an OutboundQueue. ReadAll returns
// entries in ascending ID order; Append assigns a monotonic ID.
type QueueStore interface {
	Append(ctx context.Context, action *QueuedAction) (uint64, error)
	ReadAll(ctx context.Context) ([]*QueuedAction, error)
	Remove(ctx context.Context, id uint64) error
	UpdateAttempts(ctx context.Context, id uint64, attempts int) error
}

// MemoryQueueStore is a goroutine-safe in-memory QueueStore. It does not
// survive restarts and is meant for tests and ephemeral clients.
type MemoryQueueStore struct {
	mu      sync.RWMutex
	nextID  uint64
	actions map[uint64]*QueuedAction
}

// NewMemoryQueueStore creates an empty in-memory store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{actions: make(map[uint64]*QueuedAction)}
}

func (s *MemoryQueueStore) Append(_ context.Context, action *QueuedAction) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *action
	cp.ID = s.nextID
	s.actions[cp.ID] = &cp
	return cp.ID, nil
}

func (s *MemoryQueueStore) ReadAll(context.Context) ([]*QueuedAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*QueuedAction, 0, len(s.actions))
	for _, a := range s.actions {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryQueueStore) Remove(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actions, id)
	return nil
}

func (s *MemoryQueueStore) UpdateAttempts(_ context.Context, id uint64, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actions[id]; ok {
		a.AttemptCount = attempts
	}
	return nil
}

// ============================================================================
// Event Emitter
// ============================================================================

// Queue events.
const (
	EventActionQueued    = "action.queued"
	EventActionDelivered = "action.delivered"
	EventActionRetrying  = "action.retrying"
	EventActionRejected  = "action.rejected"
	EventActionDropped   = "action.dropped"
)

// QueueEventHandler handles queue events. payload is a *QueuedAction for
// action.queued and a ReplayOutcome otherwise.
type QueueEventHandler func(event string, payload any)

type queueEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]QueueEventHandler
}

func (e *queueEmitter) On(event string, handler QueueEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *queueEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append([]QueueEventHandler{}, e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

// ============================================================================
// Outbound Action Queue
// ============================================================================

// Replayer performs the network call for a queued action.
type Replayer interface {
	Replay(ctx context.Context, action *QueuedAction) (json.RawMessage, error)
}

// ReplayFunc adapts a function to Replayer.
type ReplayFunc func(ctx context.Context, action *QueuedAction) (json.RawMessage, error)

func (f ReplayFunc) Replay(ctx context.Context, action *QueuedAction) (json.RawMessage, error) {
	return f(ctx, action)
}

// QueueOption configures an OutboundQueue.
type QueueOption func(*OutboundQueue)

func WithRetryPolicy(p RetryPolicy) QueueOption {
	return func(q *OutboundQueue) { q.policy = p }
}

func WithQueueLogger(logger zerolog.Logger) QueueOption {
	return func(q *OutboundQueue) { q.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) QueueOption {
	return func(q *OutboundQueue) { q.now = now }
}

// OutboundQueue is the durable FIFO of actions attempted while offline.
type OutboundQueue struct {
	queueEmitter
	store    QueueStore
	replayer Replayer
	policy   RetryPolicy
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	draining bool
}

// NewOutboundQueue creates a queue over store that replays through replayer.
func NewOutboundQueue(store QueueStore, replayer Replayer, opts ...QueueOption) *OutboundQueue {
	q := &OutboundQueue{
		queueEmitter: queueEmitter{listeners: make(map[string][]QueueEventHandler)},
		store:        store,
		replayer:     replayer,
		policy:       DefaultRetryPolicy,
		logger:       zerolog.Nop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With().Str("component", "queue").Logger()
	return q
}

// Enqueue stores an action and returns its id.
func (q *OutboundQueue) Enqueue(ctx context.Context, action *QueuedAction) (uint64, error) {
	if action.EnqueuedAt.IsZero() {
		action.EnqueuedAt = q.now().UTC()
	}
	id, err := q.store.Append(ctx, action)
	if err != nil {
		return 0, fmt.Errorf("enqueue action: %w", err)
	}
	action.ID = id
	q.logger.Debug().Uint64("action", id).Str("path", action.TargetPath).Msg("action queued")
	q.emit(EventActionQueued, action)
	return id, nil
}

// Pending returns the queued actions in replay order.
func (q *OutboundQueue) Pending(ctx context.Context) ([]*QueuedAction, error) {
	return q.store.ReadAll(ctx)
}

// Len returns the number of queued actions.
func (q *OutboundQueue) Len(ctx context.Context) (int, error) {
	actions, err := q.store.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(actions), nil
}

// Drain replays queued actions in order. The first failed attempt ends the
// run so that no later action overtakes an earlier one. A drain that is
// already running makes this call a no-op.
func (q *OutboundQueue) Drain(ctx context.Context) ([]ReplayOutcome, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil, nil
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	actions, err := q.store.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}

	var outcomes []ReplayOutcome
	for _, action := range actions {
		if q.expired(action) {
			out, err := q.finish(ctx, action, OutcomeDropped, nil, errors.New("queued action expired"))
			if err != nil {
				return outcomes, err
			}
			outcomes = append(outcomes, out)
			continue
		}

		data, replayErr := q.replayer.Replay(ctx, action)
		if replayErr != nil && ctx.Err() != nil {
			// Cancelled by the caller: the entry is left as it was.
			return outcomes, ctx.Err()
		}

		switch {
		case replayErr == nil:
			out, err := q.finish(ctx, action, OutcomeDelivered, data, nil)
			if err != nil {
				return outcomes, err
			}
			outcomes = append(outcomes, out)

		case IndicatesServerQueued(replayErr):
			out, err := q.finish(ctx, action, OutcomeDelivered, nil, nil)
			if err != nil {
				return outcomes, err
			}
			out.ServerQueued = true
			outcomes = append(outcomes, out)

		case IsPermanent(replayErr):
			out, err := q.finish(ctx, action, OutcomeRejected, nil, replayErr)
			if err != nil {
				return outcomes, err
			}
			return append(outcomes, out), nil

		default:
			out, err := q.retry(ctx, action, replayErr)
			if err != nil {
				return outcomes, err
			}
			return append(outcomes, out), nil
		}
	}
	return outcomes, nil
}

func (q *OutboundQueue) expired(action *QueuedAction) bool {
	return q.policy.MaxAge > 0 && q.now().Sub(action.EnqueuedAt) > q.policy.MaxAge
}

// finish removes the entry and reports it.
func (q *OutboundQueue) finish(ctx context.Context, action *QueuedAction, status OutcomeStatus, data json.RawMessage, cause error) (ReplayOutcome, error) {
	if err := q.store.Remove(ctx, action.ID); err != nil {
		return ReplayOutcome{}, fmt.Errorf("remove action %d: %w", action.ID, err)
	}
	out := ReplayOutcome{Action: action, Status: status, Err: cause}
	if len(data) > 0 {
		var msg Message
		if json.Unmarshal(data, &msg) == nil && msg.ID != "" {
			out.Message = &msg
		}
	}

	ev := q.logger.Info()
	if cause != nil {
		ev = q.logger.Warn().Err(cause)
	}
	ev.Uint64("action", action.ID).Str("status", string(status)).Msg("queued action finished")

	switch status {
	case OutcomeDelivered:
		q.emit(EventActionDelivered, out)
	case OutcomeRejected:
		q.emit(EventActionRejected, out)
	case OutcomeDropped:
		q.emit(EventActionDropped, out)
	}
	return out, nil
}

// retry records a failed attempt, dropping the entry once the policy's
// attempt budget is spent.
func (q *OutboundQueue) retry(ctx context.Context, action *QueuedAction, cause error) (ReplayOutcome, error) {
	attempts := action.AttemptCount + 1
	if q.policy.MaxAttempts > 0 && attempts >= q.policy.MaxAttempts {
		action.AttemptCount = attempts
		return q.finish(ctx, action, OutcomeDropped, nil, cause)
	}
	if err := q.store.UpdateAttempts(ctx, action.ID, attempts); err != nil {
		return ReplayOutcome{}, fmt.Errorf("update action %d: %w", action.ID, err)
	}
	action.AttemptCount = attempts
	out := ReplayOutcome{Action: action, Status: OutcomeRetrying, Err: cause}
	q.logger.Debug().Err(cause).Uint64("action", action.ID).Int("attempts", attempts).Msg("replay failed, will retry")
	q.emit(EventActionRetrying, out)
	return out, nil
}
