package rise

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimelineEntry is one row of a conversation view: a confirmed message or
// a pending projection.
type TimelineEntry struct {
	Message *Message
	Pending *PendingMessage
	// Failed marks a pending message the queue gave up on.
	Failed bool
}

// ClientMessageID returns the idempotency key of the entry.
func (e TimelineEntry) ClientMessageID() string {
	if e.Message != nil {
		return e.Message.ClientMessageID
	}
	return e.Pending.ClientMessageID
}

func (e TimelineEntry) createdAt() time.Time {
	if e.Message != nil {
		return e.Message.CreatedAt
	}
	return e.Pending.CreatedAt
}

// Timeline reconciles the messages of one conversation. A confirmed message
// replaces the pending projection with the same client message id, and a
// message seen twice (API response and MessageCreated event) appears once.
type Timeline struct {
	conversationID string

	mu        sync.Mutex
	confirmed map[string]*Message      // by message id
	pending   map[string]*TimelineEntry // by client message id
}

// NewTimeline creates an empty timeline for a conversation.
func NewTimeline(conversationID string) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		confirmed:      make(map[string]*Message),
		pending:        make(map[string]*TimelineEntry),
	}
}

// AddPending shows a message that waits in the outbound queue. A pending
// message without a client message id gets a local key of its own, since no
// confirmation can be matched to it.
func (t *Timeline) AddPending(p PendingMessage) {
	if p.ConversationID != t.conversationID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := p.ClientMessageID
	if key == "" {
		key = "local-" + uuid.NewString()
	} else {
		for _, m := range t.confirmed {
			if m.ClientMessageID == key {
				return
			}
		}
	}
	t.pending[key] = &TimelineEntry{Pending: &p}
}

// Apply records a confirmed message. It reports whether the message was new.
func (t *Timeline) Apply(m Message) bool {
	if m.ConversationID != t.conversationID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.confirmed[m.ID]; ok {
		return false
	}
	t.confirmed[m.ID] = &m
	if m.ClientMessageID != "" {
		delete(t.pending, m.ClientMessageID)
	}
	return true
}

// ApplyOutcomes folds the results of a queue drain into the timeline.
func (t *Timeline) ApplyOutcomes(outcomes []ReplayOutcome) {
	for _, o := range outcomes {
		if o.Action == nil || o.Action.ConversationID != t.conversationID {
			continue
		}
		switch o.Status {
		case OutcomeDelivered:
			if o.Message != nil {
				t.Apply(*o.Message)
			}
		case OutcomeRejected, OutcomeDropped:
			t.mu.Lock()
			if e, ok := t.pending[o.Action.ClientMessageID]; ok {
				e.Failed = true
			}
			t.mu.Unlock()
		}
	}
}

// Entries returns the timeline ordered by creation time.
func (t *Timeline) Entries() []TimelineEntry {
	t.mu.Lock()
	out := make([]TimelineEntry, 0, len(t.confirmed)+len(t.pending))
	for _, m := range t.confirmed {
		out = append(out, TimelineEntry{Message: m})
	}
	for _, e := range t.pending {
		out = append(out, *e)
	}
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].createdAt().Before(out[j].createdAt())
	})
	return out
}

// PendingCount returns the number of unconfirmed entries.
func (t *Timeline) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
