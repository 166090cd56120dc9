package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lac-hong-legacy/block-bots/dto"
	"github.com/lac-hong-legacy/block-bots/shared"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueRoundTrip(t *testing.T) {
	_, redisSvc := newTestRedis(t)
	queue := NewTaskQueueService(redisSvc)
	ctx := context.Background()

	var got dto.ProcessLogWithIPInfoTask
	queue.Register(shared.TaskProcessLogWithIPInfo, func(_ context.Context, payload []byte) error {
		return shared.Unmarshal(payload, &got)
	})

	client := dto.NewClient("203.0.113.7", "", "curl/8.0", "example.com/", 64)
	require.NoError(t, queue.Enqueue(ctx, shared.TaskProcessLogWithIPInfo, dto.ProcessLogWithIPInfoTask{
		Client: *client,
		Action: shared.ActionBlocked,
		Limit:  10,
	}))

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	ok, err := queue.ProcessOne(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, shared.ActionBlocked, got.Action)
	require.Equal(t, client.Key, got.Client.Key)
	require.Equal(t, int64(10), got.Limit)
}

func TestTaskQueueFIFO(t *testing.T) {
	_, redisSvc := newTestRedis(t)
	queue := NewTaskQueueService(redisSvc)
	ctx := context.Background()

	var order []string
	queue.Register("echo", func(_ context.Context, payload []byte) error {
		var s string
		require.NoError(t, shared.Unmarshal(payload, &s))
		order = append(order, s)
		return nil
	})

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, queue.Enqueue(ctx, "echo", s))
	}
	for i := 0; i < 3; i++ {
		_, err := queue.ProcessOne(ctx, time.Second)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTaskQueueRetriesUntilMaxAttempts(t *testing.T) {
	_, redisSvc := newTestRedis(t)
	queue := NewTaskQueueService(redisSvc)
	ctx := context.Background()

	var calls int32
	queue.Register("flaky", func(context.Context, []byte) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})
	require.NoError(t, queue.Enqueue(ctx, "flaky", map[string]string{}))

	for i := 0; i < defaultMaxAttempts; i++ {
		ok, err := queue.ProcessOne(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.Equal(t, int32(defaultMaxAttempts), atomic.LoadInt32(&calls))
	n, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTaskQueuePermanentErrorNotRetried(t *testing.T) {
	_, redisSvc := newTestRedis(t)
	queue := NewTaskQueueService(redisSvc)
	ctx := context.Background()

	queue.Register("bad", func(context.Context, []byte) error {
		return shared.Permanent(shared.ErrSignatureNotFound)
	})
	require.NoError(t, queue.Enqueue(ctx, "bad", "x"))

	_, err := queue.ProcessOne(ctx, time.Second)
	require.NoError(t, err)

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTaskQueueRecoversPanics(t *testing.T) {
	_, redisSvc := newTestRedis(t)
	queue := NewTaskQueueService(redisSvc)
	queue.maxAttempts = 1
	ctx := context.Background()

	queue.Register("panics", func(context.Context, []byte) error {
		panic("handler exploded")
	})
	require.NoError(t, queue.Enqueue(ctx, "panics", "x"))

	require.NotPanics(t, func() {
		_, err := queue.ProcessOne(ctx, time.Second)
		require.NoError(t, err)
	})
}

func TestTaskQueueEmpty(t *testing.T) {
	_, redisSvc := newTestRedis(t)
	queue := NewTaskQueueService(redisSvc)

	ok, err := queue.ProcessOne(context.Background(), time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTaskQueueRejectsGarbage(t *testing.T) {
	_, redisSvc := newTestRedis(t)
	queue := NewTaskQueueService(redisSvc)
	ctx := context.Background()

	require.NoError(t, redisSvc.LPush(ctx, shared.TaskQueueKey, "not a task"))

	ok, err := queue.ProcessOne(ctx, time.Second)
	require.True(t, ok)
	require.ErrorIs(t, err, shared.ErrInvalidTask)
}

func TestTaskQueueWorkers(t *testing.T) {
	_, redisSvc := newTestRedis(t)
	queue := NewTaskQueueService(redisSvc)
	queue.workers = 2
	ctx := context.Background()

	done := make(chan struct{}, 5)
	queue.Register("tick", func(context.Context, []byte) error {
		done <- struct{}{}
		return nil
	})

	queue.StartWorkers(ctx)
	t.Cleanup(queue.Stop)

	for i := 0; i < 5; i++ {
		require.NoError(t, queue.Enqueue(ctx, "tick", i))
	}
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("workers did not drain the queue")
		}
	}
}

func TestTaskQueueHoldsTaskUntilHandled(t *testing.T) {
	mr, redisSvc := newTestRedis(t)
	queue := NewTaskQueueService(redisSvc)
	ctx := context.Background()

	var held int
	queue.Register("inspect", func(context.Context, []byte) error {
		list, err := mr.List(queue.processingKey())
		require.NoError(t, err)
		held = len(list)
		return nil
	})
	require.NoError(t, queue.Enqueue(ctx, "inspect", "x"))

	ok, err := queue.ProcessOne(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, held)
	require.False(t, mr.Exists(queue.processingKey()))
}

func TestTaskQueueReclaimsTasksOfStoppedConsumer(t *testing.T) {
	mr, redisSvc := newTestRedis(t)
	ctx := context.Background()

	crashed := NewTaskQueueService(redisSvc)
	require.NoError(t, crashed.Enqueue(ctx, "tick", "x"))
	// Taken off the queue, then the process died before handling it.
	require.NoError(t, crashed.heartbeat(ctx))
	_, ok, err := redisSvc.BLMove(ctx, shared.TaskQueueKey, crashed.processingKey(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	survivor := NewTaskQueueService(redisSvc)
	var calls int32
	survivor.Register("tick", func(context.Context, []byte) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	moved, err := survivor.Reclaim(ctx)
	require.NoError(t, err)
	require.Zero(t, moved)

	mr.FastForward(heartbeatTTL + time.Second)
	moved, err = survivor.Reclaim(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	ok, err = survivor.ProcessOne(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.False(t, mr.Exists(crashed.processingKey()))
}

func TestTaskQueueStopWithdrawsHeartbeat(t *testing.T) {
	mr, redisSvc := newTestRedis(t)
	queue := NewTaskQueueService(redisSvc)
	queue.workers = 1
	queue.pollTimeout = time.Second

	queue.StartWorkers(context.Background())
	require.True(t, mr.Exists(shared.TaskConsumerKeyPrefix+queue.consumer))

	queue.Stop()
	require.False(t, mr.Exists(shared.TaskConsumerKeyPrefix+queue.consumer))
}
