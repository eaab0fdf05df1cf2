package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weibocom/agentflow/internal/auth"
	"github.com/weibocom/agentflow/internal/builder"
	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/queue"
	"github.com/weibocom/agentflow/internal/resource"
	"github.com/weibocom/agentflow/internal/secrets"
	"github.com/weibocom/agentflow/internal/store"
	"github.com/weibocom/agentflow/internal/task/models"
	"github.com/weibocom/agentflow/internal/task/repository"
	"github.com/weibocom/agentflow/internal/task/service"
)

func newStateStore(t *testing.T) *store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return store.New(rdb, store.DefaultConfig(), logger.Default())
}

func TestSchedulerAddValidation(t *testing.T) {
	s := New(nil, logger.Default())
	assert.Error(t, s.Add(Job{Interval: time.Second, Run: func(context.Context) error { return nil }}))
	assert.Error(t, s.Add(Job{Name: "j", Run: func(context.Context) error { return nil }}))
	assert.Error(t, s.Add(Job{Name: "j", Interval: time.Second}))
	// lock without a store
	assert.Error(t, s.Add(Job{Name: "j", Interval: time.Second, LockKey: "k",
		Run: func(context.Context) error { return nil }}))
	assert.NoError(t, s.Add(Job{Name: "j", Interval: time.Second,
		Run: func(context.Context) error { return nil }}))
}

func TestSchedulerRunsJobsUntilStopped(t *testing.T) {
	s := New(nil, logger.Default())
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{
		Name:     "counter",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestTickLockExcludesReplicas(t *testing.T) {
	state := newStateStore(t)
	ctx := context.Background()

	var runs atomic.Int32
	job := Job{
		Name:     "sweep",
		Interval: time.Minute,
		LockKey:  "sweep_lock",
		LockTTL:  time.Minute,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}

	a := New(state, logger.Default())
	b := New(state, logger.Default())
	require.NoError(t, a.tick(ctx, job))
	require.NoError(t, b.tick(ctx, job))
	assert.EqualValues(t, 1, runs.Load())

	require.NoError(t, state.ReleaseLock(ctx, "sweep_lock"))
	require.NoError(t, b.tick(ctx, job))
	assert.EqualValues(t, 2, runs.Load())
}

func TestTickWindowGating(t *testing.T) {
	windows, err := queue.ParseWindows([]string{"02:00-04:00"})
	require.NoError(t, err)

	var runs atomic.Int32
	job := Job{
		Name:     "nightly",
		Interval: time.Minute,
		Windows:  windows,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}

	s := New(nil, logger.Default())
	s.now = func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, s.tick(context.Background(), job))
	assert.EqualValues(t, 0, runs.Load())

	s.now = func() time.Time { return time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC) }
	require.NoError(t, s.tick(context.Background(), job))
	assert.EqualValues(t, 1, runs.Load())
}

type pullEnv struct {
	svc    *service.Service
	puller *Puller

	mu         sync.Mutex
	dispatched []*event.Request
}

func newPullEnv(t *testing.T, cfg PullerConfig) *pullEnv {
	t.Helper()
	sec, err := secrets.NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)

	repo := repository.NewMemory()
	svc := service.New(repo, logger.Default())
	am := auth.NewManager("test-secret", time.Hour, time.Hour)
	b := builder.New(resource.NewStore(), repo, sec, am, builder.Config{}, logger.Default())

	e := &pullEnv{svc: svc}
	e.puller, err = NewPuller(cfg, svc, b, func(_ context.Context, req *event.Request) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.dispatched = append(e.dispatched, req)
		return nil
	}, logger.Default())
	require.NoError(t, err)
	return e
}

func (e *pullEnv) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dispatched)
}

func (e *pullEnv) seedPending(t *testing.T, botIDs []string) *models.Subtask {
	t.Helper()
	ctx := context.Background()
	task, err := e.svc.CreateTask(ctx, "u1", models.TaskSpec{}, nil)
	require.NoError(t, err)
	turn, err := e.svc.AppendTurn(ctx, service.TurnParams{
		TaskID: task.ID, UserID: "u1", Prompt: "do it", TriggerAI: true, BotIDs: botIDs,
	})
	require.NoError(t, err)
	return turn.Assistant
}

func TestPullDispatchesStaleTurns(t *testing.T) {
	e := newPullEnv(t, PullerConfig{MinAge: 30 * time.Second})
	assistant := e.seedPending(t, nil)

	// age the turn past MinAge
	e.puller.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, e.puller.Pull(context.Background()))

	require.Equal(t, 1, e.count())
	e.mu.Lock()
	req := e.dispatched[0]
	e.mu.Unlock()
	assert.Equal(t, assistant.ID, req.SubtaskID)
	assert.Equal(t, "do it", req.Prompt)
	assert.Equal(t, "u1", req.User.ID)
}

func TestPullSparesFreshTurns(t *testing.T) {
	e := newPullEnv(t, PullerConfig{MinAge: 30 * time.Second})
	e.seedPending(t, nil)

	require.NoError(t, e.puller.Pull(context.Background()))
	assert.Equal(t, 0, e.count())
}

func TestPullFailsUnbuildableTurn(t *testing.T) {
	e := newPullEnv(t, PullerConfig{MinAge: time.Millisecond})
	assistant := e.seedPending(t, []string{"no-such-bot"})

	e.puller.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, e.puller.Pull(context.Background()))
	assert.Equal(t, 0, e.count())

	// the turn is failed, not re-pulled forever
	st, err := e.svc.GetSubtask(context.Background(), assistant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, "request build failed")

	require.NoError(t, e.puller.Pull(context.Background()))
	assert.Equal(t, 0, e.count())
}

func TestPullerJobCarriesLock(t *testing.T) {
	e := newPullEnv(t, PullerConfig{Interval: 5 * time.Second, Windows: []string{"00:00-23:59"}})
	job := e.puller.Job()
	assert.Equal(t, "task_pull", job.Name)
	assert.Equal(t, pullLockKey, job.LockKey)
	assert.Equal(t, 5*time.Second, job.Interval)
	assert.NotEmpty(t, job.Windows)
	assert.NotNil(t, job.Run)
}
