package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := DefaultConfig()
	cfg.HistoryMaxMessages = 3
	return New(rdb, cfg, logger.Default()), mr
}

func TestHistoryAppendAndTruncate(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.AppendHistory(ctx, "t1", Message{Role: "user", Content: content}))
	}

	msgs, err := s.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "b", msgs[0].Content)
	assert.Equal(t, "d", msgs[2].Content)

	require.NoError(t, s.DeleteHistory(ctx, "t1"))
	msgs, err = s.History(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStreamingReplayCache(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	text, err := s.StreamingText(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, text)

	require.NoError(t, s.SetStreamingText(ctx, "s1", "hel"))
	require.NoError(t, s.SetStreamingText(ctx, "s1", "hello"))

	text, err = s.StreamingText(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	require.NoError(t, s.DeleteStreamingText(ctx, "s1"))
	text, err = s.StreamingText(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestCancellationFlagLifecycle(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterStream(ctx, "s1"))
	cancelled, err := s.IsCancelled(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, s.CancelStream(ctx, "s1"))
	cancelled, err = s.IsCancelled(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	require.NoError(t, s.UnregisterStream(ctx, "s1"))
	cancelled, err = s.IsCancelled(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestRunningTaskRegistry(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	require.NoError(t, s.AddRunningTask(ctx, RunningTask{
		TaskID: "42", SubtaskID: "7", ExecutorName: "task-1-42-7", TaskType: "online",
		StartedAt: started,
	}))

	tasks, err := s.RunningTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "42", tasks[0].TaskID)
	assert.Equal(t, "7", tasks[0].SubtaskID)
	assert.Equal(t, "task-1-42-7", tasks[0].ExecutorName)
	assert.Equal(t, "online", tasks[0].TaskType)
	assert.Equal(t, started, tasks[0].StartedAt)

	require.NoError(t, s.RemoveRunningTask(ctx, "42"))
	tasks, err = s.RunningTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestExecutionStatusRecord(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	status, summary, err := s.ExecutionStatus(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, status)
	assert.Empty(t, summary)

	require.NoError(t, s.UpdateExecutionStatus(ctx, "e1", "COMPLETED", "daily digest sent"))

	status, summary, err = s.ExecutionStatus(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", status)
	assert.Equal(t, "daily digest sent", summary)
}

func TestHeartbeat(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	_, ok, err := s.HeartbeatAt(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.TouchHeartbeat(ctx, "42"))
	at, ok, err := s.HeartbeatAt(ctx, "42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), at, 2*time.Second)

	// TTL expiry means the worker is dead
	mr.FastForward(s.cfg.HeartbeatTTL + time.Second)
	_, ok, err = s.HeartbeatAt(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskQueueFIFO(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	first := &event.Request{TaskID: "1", SubtaskID: "a", Prompt: "p1"}
	second := &event.Request{TaskID: "2", SubtaskID: "b", Prompt: "p2", RetryCount: 1}
	require.NoError(t, s.EnqueueTask(ctx, QueueOnline, "default", first))
	require.NoError(t, s.EnqueueTask(ctx, QueueOnline, "default", second))

	n, err := s.QueueLength(ctx, QueueOnline, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := s.DequeueTask(ctx, QueueOnline, "default", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1", got.TaskID)

	got, err = s.DequeueTask(ctx, QueueOnline, "default", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2", got.TaskID)
	assert.Equal(t, 1, got.RetryCount)
}

func TestLocks(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, HeartbeatCheckLockKey, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, HeartbeatCheckLockKey, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLock(ctx, HeartbeatCheckLockKey))
	ok, err = s.AcquireLock(ctx, HeartbeatCheckLockKey, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStreamingOwner(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	owner, err := s.StreamingOwner(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, owner)

	require.NoError(t, s.SetStreamingOwner(ctx, "42", StreamingOwner{SubtaskID: "7", UserID: "1"}))
	owner, err = s.StreamingOwner(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "7", owner.SubtaskID)

	require.NoError(t, s.ClearStreamingOwner(ctx, "42"))
	owner, err = s.StreamingOwner(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, owner)
}
