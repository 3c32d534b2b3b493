package rise

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainScheduler_DrainsOnReconnect(t *testing.T) {
	var replays atomic.Int32
	q := NewOutboundQueue(NewMemoryQueueStore(), ReplayFunc(func(context.Context, *QueuedAction) (json.RawMessage, error) {
		replays.Add(1)
		return nil, nil
	}))
	_, err := q.Enqueue(context.Background(), &QueuedAction{Method: "POST", TargetPath: "/a"})
	require.NoError(t, err)

	monitor := NewNetworkMonitor(false)
	s := NewDrainScheduler(q, monitor, nil, DrainSchedulerConfig{DrainSchedule: "@every 1h"})
	drained := make(chan []ReplayOutcome, 1)
	s.OnDrained(func(o []ReplayOutcome) { drained <- o })
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.DrainNow()
	assert.Zero(t, replays.Load(), "no drain while offline")

	monitor.SetOnline(true)
	select {
	case o := <-drained:
		require.Len(t, o, 1)
		assert.Equal(t, OutcomeDelivered, o[0].Status)
	case <-time.After(2 * time.Second):
		t.Fatal("queue not drained after reconnect")
	}
	assert.Equal(t, int32(1), replays.Load())
}

func TestDrainScheduler_HealthCheckUpdatesMonitor(t *testing.T) {
	q := NewOutboundQueue(NewMemoryQueueStore(), ReplayFunc(func(context.Context, *QueuedAction) (json.RawMessage, error) {
		return nil, nil
	}))
	monitor := NewNetworkMonitor(false)
	s := NewDrainScheduler(q, monitor, ProbeFunc(func(context.Context) bool { return true }), DrainSchedulerConfig{
		HealthSchedule: "@every 1s",
		DrainSchedule:  "@every 1h",
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return monitor.IsOnline(context.Background()) }, 3*time.Second, 50*time.Millisecond)
}

func TestDrainScheduler_InvalidSchedule(t *testing.T) {
	q := NewOutboundQueue(NewMemoryQueueStore(), nil)
	s := NewDrainScheduler(q, NewNetworkMonitor(true), nil, DrainSchedulerConfig{DrainSchedule: "not a schedule"})
	assert.Error(t, s.Start(context.Background()))
}
