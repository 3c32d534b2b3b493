package rise

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReplayer answers each replay by target path.
type scriptedReplayer struct {
	mu      sync.Mutex
	calls   []string
	answers map[string]func() (json.RawMessage, error)
}

func newScriptedReplayer() *scriptedReplayer {
	return &scriptedReplayer{answers: make(map[string]func() (json.RawMessage, error))}
}

func (r *scriptedReplayer) on(path string, fn func() (json.RawMessage, error)) {
	r.mu.Lock()
	r.answers[path] = fn
	r.mu.Unlock()
}

func (r *scriptedReplayer) Replay(_ context.Context, a *QueuedAction) (json.RawMessage, error) {
	r.mu.Lock()
	r.calls = append(r.calls, a.TargetPath)
	fn := r.answers[a.TargetPath]
	r.mu.Unlock()
	if fn == nil {
		return json.RawMessage(`{}`), nil
	}
	return fn()
}

func (r *scriptedReplayer) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func enqueue(t *testing.T, q *OutboundQueue, path string) uint64 {
	t.Helper()
	id, err := q.Enqueue(context.Background(), &QueuedAction{Method: "POST", TargetPath: path, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	return id
}

func transient() (json.RawMessage, error) {
	return nil, &ConnectionError{Op: "POST", Err: errors.New("connection reset")}
}

func TestOutboundQueue_DrainsInOrder(t *testing.T) {
	r := newScriptedReplayer()
	q := NewOutboundQueue(NewMemoryQueueStore(), r)
	enqueue(t, q, "/a")
	enqueue(t, q, "/b")
	enqueue(t, q, "/c")

	outcomes, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b", "/c"}, r.called())
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.Equal(t, OutcomeDelivered, o.Status)
	}
	n, _ := q.Len(context.Background())
	assert.Zero(t, n)
}

func TestOutboundQueue_TransientFailureHalts(t *testing.T) {
	r := newScriptedReplayer()
	r.on("/b", transient)
	q := NewOutboundQueue(NewMemoryQueueStore(), r)
	enqueue(t, q, "/a")
	enqueue(t, q, "/b")
	enqueue(t, q, "/c")

	outcomes, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, r.called(), "c must not overtake b")
	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeRetrying, outcomes[1].Status)

	pending, _ := q.Pending(context.Background())
	require.Len(t, pending, 2)
	assert.Equal(t, "/b", pending[0].TargetPath)
	assert.Equal(t, 1, pending[0].AttemptCount)
	assert.Equal(t, "/c", pending[1].TargetPath)

	r.on("/b", nil)
	_, err = q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b", "/b", "/c"}, r.called())
}

func TestOutboundQueue_PermanentFailureRemovesAndHalts(t *testing.T) {
	r := newScriptedReplayer()
	r.on("/a", func() (json.RawMessage, error) {
		return nil, &ValidationError{Field: "content", Message: "too long"}
	})
	q := NewOutboundQueue(NewMemoryQueueStore(), r)
	enqueue(t, q, "/a")
	enqueue(t, q, "/b")

	outcomes, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeRejected, outcomes[0].Status)
	assert.Error(t, outcomes[0].Err)

	pending, _ := q.Pending(context.Background())
	require.Len(t, pending, 1)
	assert.Equal(t, "/b", pending[0].TargetPath)
}

func TestOutboundQueue_ServerQueuedCountsAsDelivered(t *testing.T) {
	r := newScriptedReplayer()
	r.on("/a", func() (json.RawMessage, error) {
		return nil, &DomainConflictError{Message: "Message stored; it will be delivered once the connection is restored."}
	})
	q := NewOutboundQueue(NewMemoryQueueStore(), r)
	enqueue(t, q, "/a")
	enqueue(t, q, "/b")

	outcomes, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeDelivered, outcomes[0].Status)
	assert.True(t, outcomes[0].ServerQueued)
	assert.Nil(t, outcomes[0].Message)
}

func TestOutboundQueue_DeliveredMessageIsDecoded(t *testing.T) {
	r := newScriptedReplayer()
	r.on("/a", func() (json.RawMessage, error) {
		return json.RawMessage(`{"id":"m1","conversationId":"42","content":"hello","clientMessageId":"c-1"}`), nil
	})
	q := NewOutboundQueue(NewMemoryQueueStore(), r)
	enqueue(t, q, "/a")

	outcomes, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcomes[0].Message)
	assert.Equal(t, "m1", outcomes[0].Message.ID)
}

func TestOutboundQueue_RetryBudgetDrops(t *testing.T) {
	r := newScriptedReplayer()
	r.on("/a", transient)
	q := NewOutboundQueue(NewMemoryQueueStore(), r, WithRetryPolicy(RetryPolicy{MaxAttempts: 3}))
	enqueue(t, q, "/a")
	enqueue(t, q, "/b")

	var dropped []ReplayOutcome
	q.On(EventActionDropped, func(_ string, p any) { dropped = append(dropped, p.(ReplayOutcome)) })

	for i := 0; i < 2; i++ {
		outcomes, err := q.Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomeRetrying, outcomes[len(outcomes)-1].Status)
	}
	outcomes, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeDropped, outcomes[0].Status)
	assert.Equal(t, 3, outcomes[0].Action.AttemptCount)
	require.Len(t, dropped, 1)

	pending, _ := q.Pending(context.Background())
	require.Len(t, pending, 1)
	assert.Equal(t, "/b", pending[0].TargetPath)
}

func TestOutboundQueue_ExpiredEntriesAreDroppedUnattempted(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newScriptedReplayer()
	q := NewOutboundQueue(NewMemoryQueueStore(), r,
		WithRetryPolicy(RetryPolicy{MaxAge: time.Hour}),
		WithClock(func() time.Time { return now }),
	)
	_, err := q.Enqueue(context.Background(), &QueuedAction{Method: "POST", TargetPath: "/old", EnqueuedAt: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	enqueue(t, q, "/new")

	outcomes, err := q.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeDropped, outcomes[0].Status)
	assert.Equal(t, OutcomeDelivered, outcomes[1].Status)
	assert.Equal(t, []string{"/new"}, r.called())
}

func TestOutboundQueue_CancellationLeavesEntry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewOutboundQueue(NewMemoryQueueStore(), ReplayFunc(func(ctx context.Context, _ *QueuedAction) (json.RawMessage, error) {
		cancel()
		return nil, ctx.Err()
	}))
	enqueue(t, q, "/a")

	_, err := q.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	pending, _ := q.Pending(context.Background())
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].AttemptCount)
}

func TestOutboundQueue_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	q := NewOutboundQueue(NewMemoryQueueStore(), ReplayFunc(func(context.Context, *QueuedAction) (json.RawMessage, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, nil
	}))
	enqueue(t, q, "/a")

	done := make(chan []ReplayOutcome)
	go func() {
		out, _ := q.Drain(context.Background())
		done <- out
	}()
	<-started

	out, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Nil(t, out, "a concurrent drain is a no-op")

	close(release)
	assert.Len(t, <-done, 1)
}

func TestOutboundQueue_Events(t *testing.T) {
	q := NewOutboundQueue(NewMemoryQueueStore(), newScriptedReplayer())
	var events []string
	record := func(event string, _ any) { events = append(events, event) }
	q.On(EventActionQueued, record)
	q.On(EventActionDelivered, record)
	q.On(EventActionQueued, func(string, any) { panic("bad listener") })

	enqueue(t, q, "/a")
	_, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{EventActionQueued, EventActionDelivered}, events)
}

func TestMemoryQueueStore_MonotonicIDs(t *testing.T) {
	s := NewMemoryQueueStore()
	ctx := context.Background()
	id1, _ := s.Append(ctx, &QueuedAction{TargetPath: "/a"})
	id2, _ := s.Append(ctx, &QueuedAction{TargetPath: "/b"})
	require.NoError(t, s.Remove(ctx, id2))
	id3, _ := s.Append(ctx, &QueuedAction{TargetPath: "/c"})

	assert.Less(t, id1, id2)
	assert.Less(t, id2, id3)
}
