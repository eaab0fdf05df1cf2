package callback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/emitter"
	"github.com/weibocom/agentflow/internal/store"
	"github.com/weibocom/agentflow/internal/task/service"
	ws "github.com/weibocom/agentflow/pkg/websocket"
)

// crashMessage is shown to the user when a worker stops heartbeating.
const crashMessage = "Executor crashed unexpectedly (possible OOM). Please check if your task requires more memory."

const heartbeatLockKey = store.HeartbeatCheckLockKey

// ContainerReaper removes the container assigned to a task. Satisfied by the
// container executor; nil disables container cleanup.
type ContainerReaper interface {
	RemoveByTaskID(ctx context.Context, taskID string) error
}

// MonitorConfig tunes the heartbeat monitor.
type MonitorConfig struct {
	Interval time.Duration // how often the registry is scanned
	Timeout  time.Duration // silence longer than this fails the task
	Grace    time.Duration // new workers get this long before the first check
}

func (c *MonitorConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Minute
	}
}

// Monitor fails tasks whose workers went silent. One instance per process;
// the Redis lock keeps replicas from double-reaping.
type Monitor struct {
	cfg        MonitorConfig
	state      *store.Store
	tasks      *service.Service
	sender     emitter.RoomSender
	containers ContainerReaper
	logger     *logger.Logger
	now        func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates the heartbeat monitor. containers may be nil.
func NewMonitor(cfg MonitorConfig, state *store.Store, tasks *service.Service, sender emitter.RoomSender, containers ContainerReaper, log *logger.Logger) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:        cfg,
		state:      state,
		tasks:      tasks,
		sender:     sender,
		containers: containers,
		logger:     log.WithFields(zap.String("component", "heartbeat_monitor")),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the scan loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Info("heartbeat monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("timeout", m.cfg.Timeout))
}

// Stop signals the loop and waits for it.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("heartbeat monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.Check(context.Background()); err != nil {
				m.logger.Error("heartbeat check failed", zap.Error(err))
			}
		}
	}
}

// Check scans the running registry once and reaps silent workers. It is safe
// to call concurrently across replicas; only the lock holder scans.
func (m *Monitor) Check(ctx context.Context) error {
	locked, err := m.state.AcquireLock(ctx, heartbeatLockKey, m.cfg.Interval)
	if err != nil {
		return err
	}
	if !locked {
		return nil
	}

	running, err := m.state.RunningTasks(ctx)
	if err != nil {
		return err
	}
	now := m.now()

	// reaping involves DB writes, container removal and socket broadcasts;
	// do a few tasks at a time so one slow removal can't stall the scan
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, rt := range running {
		if now.Sub(rt.StartedAt) < m.cfg.Grace {
			continue
		}
		g.Go(func() error {
			last, ok, err := m.state.HeartbeatAt(gctx, rt.TaskID)
			if err != nil {
				m.logger.Warn("heartbeat read failed",
					zap.String("task_id", rt.TaskID), zap.Error(err))
				return nil
			}
			if !ok {
				last = rt.StartedAt
			}
			if now.Sub(last) <= m.cfg.Timeout {
				return nil
			}
			m.reap(gctx, rt, last)
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) reap(ctx context.Context, rt store.RunningTask, last time.Time) {
	m.logger.Warn("worker went silent, failing task",
		zap.String("task_id", rt.TaskID),
		zap.String("subtask_id", rt.SubtaskID),
		zap.String("executor", rt.ExecutorName),
		zap.Time("last_heartbeat", last))

	st, err := m.tasks.GetSubtask(ctx, rt.SubtaskID)
	if err != nil {
		m.logger.Error("subtask lookup failed", zap.Error(err))
	}
	if err := m.tasks.FailSubtask(ctx, rt.SubtaskID, crashMessage); err != nil {
		m.logger.Error("fail subtask errored", zap.Error(err))
	}

	if err := m.state.DeleteHeartbeat(ctx, rt.TaskID); err != nil {
		m.logger.Debug("heartbeat cleanup failed", zap.Error(err))
	}
	if err := m.state.RemoveRunningTask(ctx, rt.TaskID); err != nil {
		m.logger.Debug("registry cleanup failed", zap.Error(err))
	}
	if m.containers != nil {
		if err := m.containers.RemoveByTaskID(ctx, rt.TaskID); err != nil {
			m.logger.Warn("container removal failed",
				zap.String("task_id", rt.TaskID), zap.Error(err))
		}
	}

	payload := map[string]any{
		"task_id":    rt.TaskID,
		"subtask_id": rt.SubtaskID,
		"error":      crashMessage,
	}
	if st != nil {
		payload["message_id"] = st.MessageID
	}
	m.sender.BroadcastToRoom(ws.NamespaceChat, "task:"+rt.TaskID, ws.ActionChatError, payload)
	if st != nil && st.UserID != "" {
		m.sender.BroadcastToRoom(ws.NamespaceChat, "user:"+st.UserID, ws.ActionTaskStatus, map[string]any{
			"task_id": rt.TaskID,
			"status":  "FAILED",
			"error":   crashMessage,
		})
	}
}
