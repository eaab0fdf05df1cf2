package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/builder"
	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/queue"
	"github.com/weibocom/agentflow/internal/task/models"
	"github.com/weibocom/agentflow/internal/task/service"
)

// pullLockKey guards the pull sweep across replicas.
const pullLockKey = "task_pull"

// DispatchFunc delivers one rebuilt request.
type DispatchFunc func(ctx context.Context, req *event.Request) error

// PullerConfig tunes the pull sweep.
type PullerConfig struct {
	Interval  time.Duration
	BatchSize int
	// MinAge leaves very fresh turns to the inline dispatch path; only turns
	// still PENDING after this long get pulled.
	MinAge time.Duration
	// Windows gate the sweep (offline deployments).
	Windows []string
}

func (c *PullerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MinAge <= 0 {
		c.MinAge = 30 * time.Second
	}
}

// Puller re-dispatches assistant turns that were persisted but never picked
// up: pull-mode deployments where no consumer drains a queue, and turns
// orphaned by a crash between persist and dispatch.
type Puller struct {
	cfg      PullerConfig
	tasks    *service.Service
	builder  *builder.Builder
	dispatch DispatchFunc
	logger   *logger.Logger
	now      func() time.Time
}

// NewPuller creates the pull sweep.
func NewPuller(cfg PullerConfig, tasks *service.Service, b *builder.Builder, dispatch DispatchFunc, log *logger.Logger) (*Puller, error) {
	cfg.applyDefaults()
	if _, err := queue.ParseWindows(cfg.Windows); err != nil {
		return nil, err
	}
	return &Puller{
		cfg:      cfg,
		tasks:    tasks,
		builder:  b,
		dispatch: dispatch,
		logger:   log.WithFields(zap.String("component", "task_puller")),
		now:      time.Now,
	}, nil
}

// Job wraps the sweep as a scheduler job.
func (p *Puller) Job() Job {
	windows, _ := queue.ParseWindows(p.cfg.Windows)
	return Job{
		Name:     "task_pull",
		Interval: p.cfg.Interval,
		LockKey:  pullLockKey,
		LockTTL:  p.cfg.Interval,
		Windows:  windows,
		Run:      p.Pull,
	}
}

// Pull scans pending assistant turns and dispatches the stale ones.
func (p *Puller) Pull(ctx context.Context) error {
	pending, err := p.tasks.Repo().PendingAssistantSubtasks(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}
	cutoff := p.now().Add(-p.cfg.MinAge)
	for _, st := range pending {
		if st.CreatedAt.After(cutoff) {
			continue
		}
		if err := p.pullOne(ctx, st); err != nil {
			p.logger.Warn("pull dispatch failed",
				zap.String("task_id", st.TaskID),
				zap.String("subtask_id", st.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (p *Puller) pullOne(ctx context.Context, st *models.Subtask) error {
	task, err := p.tasks.GetTask(ctx, st.TaskID)
	if err != nil {
		return err
	}
	userTurn, err := p.tasks.Repo().UserSubtaskByMessageID(ctx, st.TaskID, st.ParentID)
	if err != nil {
		return err
	}

	req, err := p.builder.Build(ctx, builder.Params{
		Task:      task,
		Assistant: st,
		UserTurn:  userTurn,
		Requester: event.User{ID: st.UserID},
	})
	if err != nil {
		// the turn can never dispatch; fail it instead of re-pulling forever
		if fErr := p.tasks.FailSubtask(ctx, st.ID, "request build failed: "+err.Error()); fErr != nil {
			p.logger.Error("fail subtask errored", zap.Error(fErr))
		}
		return err
	}
	return p.dispatch(ctx, req)
}
