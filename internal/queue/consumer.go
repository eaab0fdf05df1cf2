// Package queue implements the push-mode delivery path: producers LPUSH
// execution requests onto Redis lists and a consumer loop drains them with
// capacity-based backpressure against the container executor.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/appctx"
	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/emitter"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/store"
	"github.com/weibocom/agentflow/internal/task/service"
	ws "github.com/weibocom/agentflow/pkg/websocket"
)

// Capacity reports how many workers the container executor is running.
type Capacity interface {
	GetExecutorCount(ctx context.Context) (int, error)
}

// DispatchFunc delivers one dequeued request.
type DispatchFunc func(ctx context.Context, req *event.Request) error

// Config tunes one consumer loop.
type Config struct {
	Class             store.QueueClass
	Pool              string
	MaxConcurrent     int
	MaxRetries        int
	BlockTimeout      time.Duration
	BackpressureSleep time.Duration
	OfflineIdleSleep  time.Duration
	// DispatchTimeout bounds one dequeued request's dispatch, streaming
	// included.
	DispatchTimeout time.Duration
	// Windows are "HH:MM-HH:MM" ranges (inclusive). Only offline consumers
	// set them; an empty list means always on.
	Windows []string
}

func (c *Config) applyDefaults() {
	if c.Pool == "" {
		c.Pool = "default"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.BackpressureSleep <= 0 {
		c.BackpressureSleep = time.Second
	}
	if c.OfflineIdleSleep <= 0 {
		c.OfflineIdleSleep = time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 5 * time.Minute
	}
}

// Consumer drains one task queue.
type Consumer struct {
	cfg      Config
	windows  WindowSet
	state    *store.Store
	capacity Capacity
	dispatch DispatchFunc
	tasks    *service.Service
	sender   emitter.RoomSender
	logger   *logger.Logger
	now      func() time.Time

	// executor count cache, refreshed at most once a second
	capMu    sync.Mutex
	capCount int
	capAt    time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer loop. capacity may be nil to disable
// backpressure (device-relay deployments without a container executor).
func NewConsumer(cfg Config, state *store.Store, capacity Capacity, dispatch DispatchFunc, tasks *service.Service, sender emitter.RoomSender, log *logger.Logger) (*Consumer, error) {
	cfg.applyDefaults()
	windows, err := ParseWindows(cfg.Windows)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		cfg:      cfg,
		windows:  windows,
		state:    state,
		capacity: capacity,
		dispatch: dispatch,
		tasks:    tasks,
		sender:   sender,
		logger: log.WithFields(
			zap.String("component", "queue_consumer"),
			zap.String("class", string(cfg.Class)),
			zap.String("pool", cfg.Pool)),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the consume loop.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.run()
	c.logger.Info("queue consumer started")
}

// Stop signals the loop and waits for it to drain.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("queue consumer stopped")
}

func (c *Consumer) run() {
	defer c.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if !c.windows.Contains(c.now()) {
			c.sleep(c.cfg.OfflineIdleSleep)
			continue
		}

		if c.atCapacity(ctx) {
			c.sleep(c.cfg.BackpressureSleep)
			continue
		}

		req, err := c.state.DequeueTask(ctx, c.cfg.Class, c.cfg.Pool, c.cfg.BlockTimeout)
		if err != nil {
			c.logger.Warn("dequeue failed", zap.Error(err))
			c.sleep(c.cfg.BackpressureSleep)
			continue
		}
		if req == nil {
			continue
		}
		c.handle(ctx, req)
	}
}

// atCapacity checks the executor's running count against the concurrency
// limit without touching Redis. The count is cached for about a second.
func (c *Consumer) atCapacity(ctx context.Context) bool {
	if c.capacity == nil {
		return false
	}
	c.capMu.Lock()
	defer c.capMu.Unlock()
	if c.now().Sub(c.capAt) >= time.Second {
		count, err := c.capacity.GetExecutorCount(ctx)
		if err != nil {
			c.logger.Warn("executor count failed", zap.Error(err))
			return false
		}
		c.capCount = count
		c.capAt = c.now()
	}
	return c.capCount >= c.cfg.MaxConcurrent
}

func (c *Consumer) handle(ctx context.Context, req *event.Request) {
	// dispatch outlives neither the timeout nor a consumer shutdown
	dctx, cancel := appctx.Detached(ctx, c.stopCh, c.cfg.DispatchTimeout)
	defer cancel()
	err := c.dispatch(dctx, req)
	if err == nil {
		return
	}
	c.logger.Warn("dispatch from queue failed",
		zap.String("task_id", req.TaskID),
		zap.String("subtask_id", req.SubtaskID),
		zap.Int("retry_count", req.RetryCount),
		zap.Error(err))

	req.RetryCount++
	if req.RetryCount <= c.cfg.MaxRetries {
		if qErr := c.state.EnqueueTask(ctx, c.cfg.Class, c.cfg.Pool, req); qErr != nil {
			c.logger.Error("requeue failed", zap.Error(qErr))
			c.fail(ctx, req, err)
		}
		return
	}
	c.fail(ctx, req, err)
}

// fail marks the subtask FAILED after retries are exhausted and notifies
// the task room and the owner.
func (c *Consumer) fail(ctx context.Context, req *event.Request, cause error) {
	msg := fmt.Sprintf("task dispatch failed after %d retries: %v", c.cfg.MaxRetries, cause)
	if err := c.tasks.FailSubtask(ctx, req.SubtaskID, msg); err != nil {
		c.logger.Error("mark subtask failed errored", zap.Error(err))
	}
	if c.sender == nil {
		return
	}
	c.sender.BroadcastToRoom(ws.NamespaceChat, "task:"+req.TaskID, ws.ActionChatError, map[string]any{
		"task_id":    req.TaskID,
		"subtask_id": req.SubtaskID,
		"message_id": req.MessageID,
		"error":      msg,
	})
	c.sender.BroadcastToRoom(ws.NamespaceChat, "user:"+req.User.ID, ws.ActionTaskStatus, map[string]any{
		"task_id": req.TaskID,
		"status":  "FAILED",
		"error":   msg,
	})
}

func (c *Consumer) sleep(d time.Duration) {
	select {
	case <-c.stopCh:
	case <-time.After(d):
	}
}

// window is a minute-of-day range, inclusive on both ends.
type window struct {
	from, to int
}

func (w window) contains(minute int) bool {
	if w.from <= w.to {
		return minute >= w.from && minute <= w.to
	}
	// range wraps midnight
	return minute >= w.from || minute <= w.to
}

// WindowSet gates work to a set of daily time ranges. The scheduler shares it
// with the offline consumers.
type WindowSet []window

// Contains reports whether now falls inside any window. An empty set is
// always on.
func (ws WindowSet) Contains(now time.Time) bool {
	if len(ws) == 0 {
		return true
	}
	minutes := now.Hour()*60 + now.Minute()
	for _, w := range ws {
		if w.contains(minutes) {
			return true
		}
	}
	return false
}

// ParseWindows parses "HH:MM-HH:MM" specs. A range whose end precedes its
// start wraps midnight.
func ParseWindows(specs []string) (WindowSet, error) {
	var out WindowSet
	for _, spec := range specs {
		var fh, fm, th, tm int
		if _, err := fmt.Sscanf(spec, "%d:%d-%d:%d", &fh, &fm, &th, &tm); err != nil {
			return nil, fmt.Errorf("bad time window %q: %w", spec, err)
		}
		if fh < 0 || fh > 23 || th < 0 || th > 23 || fm < 0 || fm > 59 || tm < 0 || tm > 59 {
			return nil, fmt.Errorf("bad time window %q", spec)
		}
		out = append(out, window{from: fh*60 + fm, to: th*60 + tm})
	}
	return out, nil
}
