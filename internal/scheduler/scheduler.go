// Package scheduler runs the control plane's periodic jobs: heartbeat
// sweeps, pull-mode draining, and anything else that ticks. Jobs can be
// guarded by a Redis lock so only one replica fires per interval, and gated
// to daily time windows for offline work.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/queue"
	"github.com/weibocom/agentflow/internal/store"
)

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	// LockKey, when set, makes the tick exclusive across replicas via a
	// Redis lock. LockTTL defaults to Interval.
	LockKey string
	LockTTL time.Duration
	// Windows restricts ticks to daily time ranges; empty means always on.
	Windows queue.WindowSet
	Run     func(ctx context.Context) error
}

// Scheduler drives a set of jobs, one goroutine each.
type Scheduler struct {
	state  *store.Store
	jobs   []Job
	logger *logger.Logger
	now    func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an empty scheduler. state may be nil when no job uses a lock.
func New(state *store.Store, log *logger.Logger) *Scheduler {
	return &Scheduler{
		state:  state,
		logger: log.WithFields(zap.String("component", "scheduler")),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("scheduler: job %q needs a positive interval", job.Name)
	}
	if job.LockKey != "" && s.state == nil {
		return fmt.Errorf("scheduler: job %q wants a lock but no store is configured", job.Name)
	}
	if job.LockTTL <= 0 {
		job.LockTTL = job.Interval
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches one loop per registered job.
func (s *Scheduler) Start() {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(job)
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop signals every loop and waits for them.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.tick(context.Background(), job); err != nil {
				s.logger.Error("job failed",
					zap.String("job", job.Name), zap.Error(err))
			}
		}
	}
}

// tick runs one iteration of a job, honoring its window and lock.
func (s *Scheduler) tick(ctx context.Context, job Job) error {
	if !job.Windows.Contains(s.now()) {
		return nil
	}
	if job.LockKey != "" {
		locked, err := s.state.AcquireLock(ctx, job.LockKey, job.LockTTL)
		if err != nil {
			return fmt.Errorf("acquire %q lock: %w", job.Name, err)
		}
		if !locked {
			return nil
		}
	}
	return job.Run(ctx)
}
