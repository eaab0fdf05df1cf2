package emitter

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/store"
)

// StatusSink writes terminal subtask state. The task service implements it;
// terminal writes also refresh the task-status mirror.
type StatusSink interface {
	CompleteSubtask(ctx context.Context, subtaskID string, result event.Result) error
	FailSubtask(ctx context.Context, subtaskID, errorMessage string) error
	CancelSubtask(ctx context.Context, subtaskID, partialContent string) error
}

// StreamState is the Redis-side bookkeeping touched along a stream: replay
// cache, cancel flag, running registry, session history, cross-replica
// publish. *store.Store implements it; nil disables the bookkeeping.
type StreamState interface {
	SetStreamingText(ctx context.Context, subtaskID, text string) error
	DeleteStreamingText(ctx context.Context, subtaskID string) error
	UnregisterStream(ctx context.Context, subtaskID string) error
	RemoveRunningTask(ctx context.Context, taskID string) error
	ClearStreamingOwner(ctx context.Context, taskID string) error
	AppendHistory(ctx context.Context, taskID string, msg store.Message) error
	PublishStreamDone(ctx context.Context, subtaskID string, result map[string]any) error
}

// StatusUpdatingEmitter is the mandatory decorator the dispatcher installs
// around any caller-provided emitter. It accumulates chunk text, writes the
// subtask's terminal status exactly once, maintains the replay cache, and
// forwards every event to the wrapped emitter unchanged.
type StatusUpdatingEmitter struct {
	inner  Emitter
	sink   StatusSink
	state  StreamState
	ref    event.Ref
	logger *logger.Logger

	mu       sync.Mutex
	content  strings.Builder
	terminal bool
}

// NewStatusUpdating wraps inner with terminal status writing for the given
// subtask. state may be nil.
func NewStatusUpdating(inner Emitter, sink StatusSink, state StreamState, ref event.Ref, log *logger.Logger) *StatusUpdatingEmitter {
	return &StatusUpdatingEmitter{
		inner:  inner,
		sink:   sink,
		state:  state,
		ref:    ref,
		logger: log.WithFields(zap.String("component", "status_emitter"), zap.String("subtask_id", ref.SubtaskID)),
	}
}

// Emit updates persisted state for the event, then forwards it.
func (e *StatusUpdatingEmitter) Emit(ctx context.Context, ev *event.Event) error {
	switch {
	case ev.Type == event.TypeChunk:
		e.onChunk(ctx, ev)
	case ev.Type.Terminal():
		e.onTerminal(ctx, ev)
	}
	return e.inner.Emit(ctx, ev)
}

func (e *StatusUpdatingEmitter) onChunk(ctx context.Context, ev *event.Event) {
	e.mu.Lock()
	if e.terminal {
		e.mu.Unlock()
		return
	}
	e.content.WriteString(ev.Content)
	accumulated := e.content.String()
	e.mu.Unlock()

	if e.state != nil {
		if err := e.state.SetStreamingText(ctx, e.ref.SubtaskID, accumulated); err != nil {
			e.logger.Debug("replay cache write failed", zap.Error(err))
		}
	}
}

// onTerminal writes subtask status at most once per emitter lifetime, then
// cleans up the stream's Redis footprint.
func (e *StatusUpdatingEmitter) onTerminal(ctx context.Context, ev *event.Event) {
	e.mu.Lock()
	if e.terminal {
		e.mu.Unlock()
		return
	}
	e.terminal = true
	accumulated := e.content.String()
	e.mu.Unlock()

	switch ev.Type {
	case event.TypeDone:
		result := ev.Result.Clone()
		if result == nil {
			result = event.Result{}
		}
		if result.Value() == "" && accumulated != "" {
			result.SetValue(accumulated)
		}
		if err := e.sink.CompleteSubtask(ctx, e.ref.SubtaskID, result); err != nil {
			e.logger.Error("complete subtask failed", zap.Error(err))
		}
		if e.state != nil && result.Value() != "" {
			if err := e.state.AppendHistory(ctx, e.ref.TaskID, store.Message{Role: "assistant", Content: result.Value()}); err != nil {
				e.logger.Debug("history append failed", zap.Error(err))
			}
		}
		if e.state != nil {
			if err := e.state.PublishStreamDone(ctx, e.ref.SubtaskID, result.WithoutInternal()); err != nil {
				e.logger.Debug("stream done publish failed", zap.Error(err))
			}
		}

	case event.TypeError:
		if err := e.sink.FailSubtask(ctx, e.ref.SubtaskID, ev.Error); err != nil {
			e.logger.Error("fail subtask failed", zap.Error(err))
		}
		if e.state != nil {
			if err := e.state.PublishStreamDone(ctx, e.ref.SubtaskID, map[string]any{"error": ev.Error}); err != nil {
				e.logger.Debug("stream done publish failed", zap.Error(err))
			}
		}

	case event.TypeCancelled:
		// partial content stays visible: the row lands in COMPLETED and the
		// cancellation travels as its own wire event
		if err := e.sink.CancelSubtask(ctx, e.ref.SubtaskID, accumulated); err != nil {
			e.logger.Error("cancel subtask failed", zap.Error(err))
		}
		if e.state != nil {
			if err := e.state.PublishStreamDone(ctx, e.ref.SubtaskID, map[string]any{"value": accumulated, "cancelled": true}); err != nil {
				e.logger.Debug("stream done publish failed", zap.Error(err))
			}
		}
	}

	if e.state != nil {
		e.cleanup(ctx)
	}
}

func (e *StatusUpdatingEmitter) cleanup(ctx context.Context) {
	if err := e.state.DeleteStreamingText(ctx, e.ref.SubtaskID); err != nil {
		e.logger.Debug("replay cache delete failed", zap.Error(err))
	}
	if err := e.state.UnregisterStream(ctx, e.ref.SubtaskID); err != nil {
		e.logger.Debug("cancel flag delete failed", zap.Error(err))
	}
	if err := e.state.RemoveRunningTask(ctx, e.ref.TaskID); err != nil {
		e.logger.Debug("running registry remove failed", zap.Error(err))
	}
	if err := e.state.ClearStreamingOwner(ctx, e.ref.TaskID); err != nil {
		e.logger.Debug("streaming owner clear failed", zap.Error(err))
	}
}

// Close closes the wrapped emitter.
func (e *StatusUpdatingEmitter) Close() error { return e.inner.Close() }
