//go:build integration

package hub

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rise "github.com/rise-support/rise-go"
)

// Run with: RISE_TEST_MONGO_URI=mongodb://localhost:27017 go test -tags integration ./hub/
func newMongoStore(t *testing.T) *MongoAlertStore {
	t.Helper()
	uri := os.Getenv("RISE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("RISE_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	store, disconnect, err := ConnectMongoAlertStore(ctx, uri, "rise_test")
	require.NoError(t, err)
	require.NoError(t, store.Drop(ctx))
	t.Cleanup(func() {
		_ = store.Drop(ctx)
		_ = disconnect(ctx)
	})
	return store
}

func active(conv, initiator string) rise.AlertStatus {
	return rise.AlertStatus{
		ConversationID: conv,
		IsActive:       true,
		InitiatorID:    &initiator,
		UpdatedBy:      initiator,
		UpdatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestMongoAlertStore_PutAndGet(t *testing.T) {
	store := newMongoStore(t)
	ctx := context.Background()

	_, ok, err := store.TryGet(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, active("42", "alice")))
	st, ok, err := store.TryGet(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", st.Initiator())
}

func TestMongoAlertStore_PutIfInactive(t *testing.T) {
	store := newMongoStore(t)
	ctx := context.Background()

	stored, err := store.PutIfInactive(ctx, active("42", "alice"))
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = store.PutIfInactive(ctx, active("42", "bob"))
	require.NoError(t, err)
	assert.False(t, stored)

	st, _, _ := store.TryGet(ctx, "42")
	assert.Equal(t, "alice", st.Initiator())
}

func TestMongoAlertStore_ConcurrentCompareAndClear(t *testing.T) {
	store := newMongoStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, active("42", "alice")))

	cleared := rise.AlertStatus{ConversationID: "42", UpdatedBy: "alice", UpdatedAt: time.Now().UTC()}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CompareAndClear(ctx, "42", "alice", cleared)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	st, _, _ := store.TryGet(ctx, "42")
	assert.False(t, st.IsActive)
	assert.Nil(t, st.InitiatorID)
}

func TestMongoAlertStore_Coordinator(t *testing.T) {
	c := NewAlertCoordinator(newMongoStore(t), nil)
	ctx := context.Background()

	_, err := c.Activate(ctx, "42", "alice")
	require.NoError(t, err)
	_, err = c.Deactivate(ctx, "42", "bob")
	assert.Error(t, err)
	_, err = c.Deactivate(ctx, "42", "alice")
	assert.NoError(t, err)
}
