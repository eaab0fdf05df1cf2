package emitter

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
)

// Background execution terminal states.
const (
	ExecutionCompleted       = "COMPLETED"
	ExecutionCompletedSilent = "COMPLETED_SILENT"
	ExecutionFailed          = "FAILED"
	ExecutionCancelled       = "CANCELLED"
)

// ExecutionRecorder persists the terminal state of a background execution.
type ExecutionRecorder interface {
	UpdateExecutionStatus(ctx context.Context, executionID, status, summary string) error
}

// ResultLookup fetches the persisted result of a subtask, used to catch a
// silent_exit flag that was written to the row but not carried on the event.
type ResultLookup func(ctx context.Context, subtaskID string) (event.Result, error)

// StatusChangedFunc is notified once when the execution reaches a terminal
// state.
type StatusChangedFunc func(status, summary string, isSilent bool)

// SubscriptionEmitter records the outcome of a subscription (background) run.
// It accumulates chunk text and writes the BackgroundExecution row on the
// terminal event; COMPLETED_SILENT when the agent chose not to surface
// output.
type SubscriptionEmitter struct {
	executionID     string
	recorder        ExecutionRecorder
	lookup          ResultLookup
	onStatusChanged StatusChangedFunc
	logger          *logger.Logger

	mu      sync.Mutex
	content strings.Builder
	done    bool
}

// NewSubscription creates a subscription emitter. lookup and onStatusChanged
// may be nil.
func NewSubscription(executionID string, recorder ExecutionRecorder, lookup ResultLookup, onStatusChanged StatusChangedFunc, log *logger.Logger) *SubscriptionEmitter {
	return &SubscriptionEmitter{
		executionID:     executionID,
		recorder:        recorder,
		lookup:          lookup,
		onStatusChanged: onStatusChanged,
		logger:          log.WithFields(zap.String("component", "subscription_emitter"), zap.String("execution_id", executionID)),
	}
}

// Emit accumulates chunks and records the terminal outcome.
func (e *SubscriptionEmitter) Emit(ctx context.Context, ev *event.Event) error {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return nil
	}
	if ev.Type == event.TypeChunk {
		e.content.WriteString(ev.Content)
		e.mu.Unlock()
		return nil
	}
	if !ev.Type.Terminal() {
		e.mu.Unlock()
		return nil
	}
	e.done = true
	accumulated := e.content.String()
	e.mu.Unlock()

	var status, summary string
	silent := false
	switch ev.Type {
	case event.TypeDone:
		silent = ev.Result.SilentExit()
		if !silent && e.lookup != nil {
			if persisted, err := e.lookup(ctx, ev.SubtaskID); err == nil {
				silent = persisted.SilentExit()
			}
		}
		status = ExecutionCompleted
		if silent {
			status = ExecutionCompletedSilent
		}
		summary = ev.Result.Value()
		if summary == "" {
			summary = accumulated
		}
	case event.TypeError:
		status = ExecutionFailed
		summary = ev.Error
	case event.TypeCancelled:
		status = ExecutionCancelled
		summary = accumulated
	}

	if err := e.recorder.UpdateExecutionStatus(ctx, e.executionID, status, summary); err != nil {
		e.logger.Error("record execution status failed",
			zap.String("status", status),
			zap.Error(err))
	}
	if e.onStatusChanged != nil {
		e.onStatusChanged(status, summary, silent)
	}
	return nil
}

// Close is a no-op.
func (e *SubscriptionEmitter) Close() error { return nil }
