package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/events/bus"
	"github.com/weibocom/agentflow/internal/task/models"
	"github.com/weibocom/agentflow/internal/task/repository"
	"github.com/weibocom/agentflow/internal/task/service"
)

type recordedFrame struct {
	namespace string
	room      string
	action    string
	payload   any
}

type frameSink struct {
	mu     sync.Mutex
	frames []recordedFrame
}

func (f *frameSink) BroadcastToRoom(namespace, room, action string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, recordedFrame{namespace, room, action, payload})
}

func (f *frameSink) snapshot() []recordedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

func TestStatusChangeReachesEveryMember(t *testing.T) {
	ctx := context.Background()
	svc := service.New(repository.NewMemory(), logger.Default())
	task, err := svc.CreateTask(ctx, "owner", models.TaskSpec{}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Repo().ShareTask(ctx, task.ID, "friend"))

	b := bus.NewMemoryBus(logger.Default())
	sink := &frameSink{}
	fwd := NewForwarder(b, svc, sink, logger.Default())
	require.NoError(t, fwd.Start())
	defer fwd.Stop()

	pub := NewPublisher(b, "test", logger.Default())
	svc.OnStatusChange(pub.TaskStatusChanged)

	// a full turn lifecycle triggers two mirror writes: RUNNING, COMPLETED
	turn, err := svc.AppendTurn(ctx, service.TurnParams{
		TaskID: task.ID, UserID: "owner", Prompt: "hi", TriggerAI: true,
	})
	require.NoError(t, err)
	require.NoError(t, svc.SetRunning(ctx, turn.Assistant.ID))
	require.NoError(t, svc.CompleteSubtask(ctx, turn.Assistant.ID, nil))

	rooms := func(status string) map[string]bool {
		out := make(map[string]bool)
		for _, fr := range sink.snapshot() {
			data, ok := fr.payload.(map[string]any)
			if ok && data["status"] == status && fr.action == "task:updated" {
				out[fr.room] = true
			}
		}
		return out
	}
	assert.Eventually(t, func() bool {
		done := rooms("COMPLETED")
		return done["user:owner"] && done["user:friend"]
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		running := rooms("RUNNING")
		return running["user:owner"] && running["user:friend"]
	}, time.Second, 5*time.Millisecond)
}

func TestForwarderDropsAnonymousEvents(t *testing.T) {
	b := bus.NewMemoryBus(logger.Default())
	sink := &frameSink{}
	svc := service.New(repository.NewMemory(), logger.Default())
	fwd := NewForwarder(b, svc, sink, logger.Default())
	require.NoError(t, fwd.Start())
	defer fwd.Stop()

	require.NoError(t, b.Publish(context.Background(), TaskStatusSubject("ghost"),
		bus.NewEvent(TaskStatusChanged, "test", nil)))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
}
