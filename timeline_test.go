package rise

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeline_ConfirmReplacesPending(t *testing.T) {
	tl := NewTimeline("42")
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	tl.Apply(Message{ID: "m0", ConversationID: "42", Content: "earlier", CreatedAt: base})
	tl.AddPending(PendingMessage{ConversationID: "42", Content: "hello", ClientMessageID: "c-1", CreatedAt: base.Add(time.Minute)})
	assert.Equal(t, 1, tl.PendingCount())

	entries := tl.Entries()
	require.Len(t, entries, 2)
	assert.NotNil(t, entries[1].Pending)

	assert.True(t, tl.Apply(Message{ID: "m1", ConversationID: "42", Content: "hello", ClientMessageID: "c-1", CreatedAt: base.Add(2 * time.Minute)}))
	assert.False(t, tl.Apply(Message{ID: "m1", ConversationID: "42", Content: "hello", ClientMessageID: "c-1", CreatedAt: base.Add(2 * time.Minute)}))

	entries = tl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "m0", entries[0].Message.ID)
	assert.Equal(t, "m1", entries[1].Message.ID)
	assert.Zero(t, tl.PendingCount())
}

func TestTimeline_LatePendingIgnored(t *testing.T) {
	tl := NewTimeline("42")
	tl.Apply(Message{ID: "m1", ConversationID: "42", ClientMessageID: "c-1"})
	tl.AddPending(PendingMessage{ConversationID: "42", ClientMessageID: "c-1"})
	assert.Zero(t, tl.PendingCount())
	assert.Len(t, tl.Entries(), 1)
}

func TestTimeline_OtherConversationIgnored(t *testing.T) {
	tl := NewTimeline("42")
	assert.False(t, tl.Apply(Message{ID: "m1", ConversationID: "7"}))
	tl.AddPending(PendingMessage{ConversationID: "7", ClientMessageID: "c-1"})
	assert.Empty(t, tl.Entries())
}

func TestTimeline_ApplyOutcomes(t *testing.T) {
	tl := NewTimeline("42")
	tl.AddPending(PendingMessage{ConversationID: "42", ClientMessageID: "c-1"})
	tl.AddPending(PendingMessage{ConversationID: "42", ClientMessageID: "c-2"})

	tl.ApplyOutcomes([]ReplayOutcome{
		{
			Action:  &QueuedAction{ConversationID: "42", ClientMessageID: "c-1"},
			Status:  OutcomeDelivered,
			Message: &Message{ID: "m1", ConversationID: "42", ClientMessageID: "c-1"},
		},
		{
			Action: &QueuedAction{ConversationID: "42", ClientMessageID: "c-2"},
			Status: OutcomeRejected,
		},
	})

	assert.Equal(t, 1, tl.PendingCount())
	var failed, confirmed int
	for _, e := range tl.Entries() {
		if e.Failed {
			failed++
			assert.Equal(t, "c-2", e.ClientMessageID())
		}
		if e.Message != nil {
			confirmed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, confirmed)
}

func TestTimeline_PendingWithoutClientIDAreKeptApart(t *testing.T) {
	tl := NewTimeline("42")
	tl.AddPending(PendingMessage{ConversationID: "42", Content: "one"})
	tl.AddPending(PendingMessage{ConversationID: "42", Content: "two"})

	assert.Equal(t, 2, tl.PendingCount())
	contents := []string{}
	for _, e := range tl.Entries() {
		contents = append(contents, e.Pending.Content)
	}
	assert.ElementsMatch(t, []string{"one", "two"}, contents)

	assert.True(t, tl.Apply(Message{ID: "m1", ConversationID: "42", Content: "one"}))
	assert.Equal(t, 2, tl.PendingCount(), "a message without client id supersedes nothing")
}
