package events

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/emitter"
	"github.com/weibocom/agentflow/internal/events/bus"
	"github.com/weibocom/agentflow/internal/task/models"
	"github.com/weibocom/agentflow/internal/task/service"
	ws "github.com/weibocom/agentflow/pkg/websocket"
)

// Publisher pushes task lifecycle notifications onto the bus. Wire its
// TaskStatusChanged to the task service's status hook.
type Publisher struct {
	bus    bus.Bus
	source string
	logger *logger.Logger
}

// NewPublisher creates a publisher. source names the emitting process.
func NewPublisher(b bus.Bus, source string, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    b,
		source: source,
		logger: log.WithFields(zap.String("component", "event_publisher")),
	}
}

// TaskStatusChanged publishes a mirror change to the task's status subject.
func (p *Publisher) TaskStatusChanged(ctx context.Context, taskID string, status models.TaskStatus) {
	data := map[string]any{
		"task_id":  taskID,
		"status":   strings.ToUpper(string(status.Status)),
		"progress": status.Progress,
	}
	if status.ErrorMessage != "" {
		data["error"] = status.ErrorMessage
	}
	ev := bus.NewEvent(TaskStatusChanged, p.source, data)
	if err := p.bus.Publish(ctx, TaskStatusSubject(taskID), ev); err != nil {
		p.logger.Warn("status publish failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// Forwarder subscribes to task status traffic and pushes task:updated frames
// to every member of the task. Replicas each run one; the frames a member
// sees come from whichever replica holds their socket.
type Forwarder struct {
	bus    bus.Bus
	tasks  *service.Service
	sender emitter.RoomSender
	logger *logger.Logger

	sub bus.Subscription
}

// NewForwarder creates the bus-to-socket bridge.
func NewForwarder(b bus.Bus, tasks *service.Service, sender emitter.RoomSender, log *logger.Logger) *Forwarder {
	return &Forwarder{
		bus:    b,
		tasks:  tasks,
		sender: sender,
		logger: log.WithFields(zap.String("component", "event_forwarder")),
	}
}

// Start subscribes to every task's status subject.
func (f *Forwarder) Start() error {
	sub, err := f.bus.Subscribe(TaskStatusWildcard(), f.handle)
	if err != nil {
		return err
	}
	f.sub = sub
	return nil
}

// Stop drops the subscription.
func (f *Forwarder) Stop() {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
}

func (f *Forwarder) handle(ctx context.Context, ev *bus.Event) error {
	taskID, _ := ev.Data["task_id"].(string)
	if taskID == "" {
		f.logger.Warn("status event without task_id dropped")
		return nil
	}
	members, err := f.tasks.Repo().MemberIDs(ctx, taskID)
	if err != nil {
		return err
	}
	for _, userID := range members {
		f.sender.BroadcastToRoom(ws.NamespaceChat, "user:"+userID, ws.ActionTaskUpdated, ev.Data)
	}
	return nil
}
