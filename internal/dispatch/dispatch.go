// Package dispatch drives one execution request through its transport:
// in-process SSE streaming, device delivery over the socket hub, or
// hand-off to the executor manager with events returning via /callback.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/emitter"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/router"
	"github.com/weibocom/agentflow/internal/store"
	"github.com/weibocom/agentflow/internal/task/service"
)

// Task types recorded in the running registry.
const (
	TaskTypeOnline       = "online"
	TaskTypeOffline      = "offline"
	TaskTypeSubscription = "subscription"
)

// Submitter runs callback-mode requests in locally managed worker
// containers instead of handing them to a remote executor manager.
type Submitter interface {
	SubmitExecutor(ctx context.Context, req *event.Request, taskType string) error
	CancelTask(ctx context.Context, taskID string) error
}

// Dispatcher selects the transport for a request and feeds the resulting
// events into the emitter chain.
type Dispatcher struct {
	router    *router.Router
	tasks     *service.Service
	state     *store.Store
	sender    emitter.RoomSender
	client    *http.Client
	submitter Submitter
	logger    *logger.Logger
}

// New creates a dispatcher. client may be nil; a 300s-timeout client is used
// for the long-lived streaming POST.
func New(rt *router.Router, tasks *service.Service, state *store.Store, sender emitter.RoomSender, client *http.Client, log *logger.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 300 * time.Second}
	}
	return &Dispatcher{
		router: rt,
		tasks:  tasks,
		state:  state,
		sender: sender,
		client: client,
		logger: log.WithFields(zap.String("component", "dispatcher")),
	}
}

// UseContainers switches the callback transport to a local container
// backend. Deployments without an external executor manager set this.
func (d *Dispatcher) UseContainers(s Submitter) { d.submitter = s }

// callbackWrapper is the body POSTed to the executor manager.
type callbackWrapper struct {
	TaskID       string         `json:"task_id"`
	SubtaskID    string         `json:"subtask_id"`
	ExecutorName string         `json:"executor_name,omitempty"`
	ShellType    string         `json:"shell_type"`
	Payload      *event.Request `json:"payload"`
}

// Dispatch routes and executes the request. em may be nil, in which case a
// websocket emitter bound to the task room is constructed. The emitter is
// always wrapped in the status-updating decorator and always closed.
func (d *Dispatcher) Dispatch(ctx context.Context, req *event.Request, em emitter.Emitter, deviceID string) error {
	target := d.router.Route(req, deviceID)
	if em == nil {
		wsEm := emitter.NewWebSocket(d.sender, req.Ref(), req.User.ID, d.logger)
		if req.IsSubscription {
			// subscription runs also record their outcome, so consumers can
			// tell a silent completion from a failure after the stream ends
			sub := emitter.NewSubscription(req.SubtaskID, d.state, d.lookupResult, nil, d.logger)
			em = emitter.NewComposite(d.logger, wsEm, sub)
		} else {
			em = wsEm
		}
	}
	em = emitter.NewStatusUpdating(em, d.tasks, d.state, req.Ref(), d.logger)
	defer em.Close()

	if err := d.tasks.SetRunning(ctx, req.SubtaskID); err != nil {
		return fmt.Errorf("set running: %w", err)
	}
	if err := d.state.RegisterStream(ctx, req.SubtaskID); err != nil {
		d.logger.Warn("register stream failed", zap.Error(err))
	}

	var err error
	switch target.Mode {
	case router.ModeSSE:
		err = d.dispatchSSE(ctx, req, target, em)
	case router.ModeWebSocket:
		err = d.dispatchWebSocket(ctx, req, target, em, deviceID)
	case router.ModeHTTPCallback:
		err = d.dispatchHTTPCallback(ctx, req, target, em)
	default:
		err = fmt.Errorf("unknown transport mode %q", target.Mode)
	}
	if err != nil {
		d.logger.Error("dispatch failed",
			zap.String("task_id", req.TaskID),
			zap.String("subtask_id", req.SubtaskID),
			zap.String("mode", target.Mode),
			zap.Error(err))
		if emitErr := emitter.EmitError(ctx, em, req.Ref(), err.Error()); emitErr != nil {
			d.logger.Warn("emit error failed", zap.Error(emitErr))
		}
	}
	return err
}

// dispatchSSE streams the chat provider's response inline, checking the
// cancellation flag at every frame.
func (d *Dispatcher) dispatchSSE(ctx context.Context, req *event.Request, target router.Target, em emitter.Emitter) error {
	if err := emitter.EmitStart(ctx, em, req.Ref(), req.ShellType()); err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Address(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat provider returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	emitted := 0
	for scanner.Scan() {
		cancelled, cErr := d.state.IsCancelled(ctx, req.SubtaskID)
		if cErr != nil {
			d.logger.Debug("cancel flag check failed", zap.Error(cErr))
		}
		if cancelled {
			return emitter.EmitCancelled(ctx, em, req.Ref())
		}

		ev, pErr := event.ParseSSELine(scanner.Text())
		if pErr != nil {
			// bad frame: skip, stream continues
			d.logger.Warn("unparseable SSE frame", zap.Error(pErr))
			continue
		}
		if ev == nil {
			continue
		}
		fillRef(ev, req)
		if ev.Type == event.TypeChunk {
			// providers that don't send offsets get cumulative ones, so
			// clients can always de-duplicate on replay
			if ev.Offset == 0 && emitted > 0 {
				ev.Offset = emitted
			}
			if end := ev.Offset + len(ev.Content); end > emitted {
				emitted = end
			}
		}
		if err := em.Emit(ctx, ev); err != nil {
			d.logger.Warn("emit failed", zap.String("type", string(ev.Type)), zap.Error(err))
		}
		if ev.Type.Terminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream ended without terminal event")
}

// dispatchWebSocket persists the executor identity, emits START on this
// side, and pushes the request to the device room. Progress and completion
// arrive out-of-band through the device namespace handlers.
func (d *Dispatcher) dispatchWebSocket(ctx context.Context, req *event.Request, target router.Target, em emitter.Emitter, deviceID string) error {
	// ownership check on inbound device events depends on these fields
	req.ExecutorName = "device-" + deviceID
	req.ExecutorNamespace = "user-" + req.User.ID
	if err := d.tasks.SetExecutor(ctx, req.SubtaskID, req.ExecutorName, req.ExecutorNamespace); err != nil {
		return fmt.Errorf("persist executor: %w", err)
	}

	// START must leave before the device's first chunk can race it
	if err := emitter.EmitStart(ctx, em, req.Ref(), req.ShellType()); err != nil {
		return err
	}
	d.sender.BroadcastToRoom(target.Namespace, target.Room, target.Event, req)
	return nil
}

// dispatchHTTPCallback hands the request to the executor manager (or, in
// container mode, to the local container backend) and registers the worker
// for heartbeat tracking. Events arrive at /callback.
func (d *Dispatcher) dispatchHTTPCallback(ctx context.Context, req *event.Request, target router.Target, em emitter.Emitter) error {
	taskType := TaskTypeOnline
	if req.IsSubscription {
		taskType = TaskTypeSubscription
	}

	if d.submitter != nil {
		if err := d.submitter.SubmitExecutor(ctx, req, taskType); err != nil {
			return fmt.Errorf("submit to container executor: %w", err)
		}
	} else {
		wrapper := callbackWrapper{
			TaskID:       req.TaskID,
			SubtaskID:    req.SubtaskID,
			ExecutorName: req.ExecutorName,
			ShellType:    req.ShellType(),
			Payload:      req,
		}
		body, err := json.Marshal(wrapper)
		if err != nil {
			return fmt.Errorf("marshal wrapper: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Address(), bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("submit to executor manager: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("executor manager returned %d", resp.StatusCode)
		}
	}

	if err := d.state.AddRunningTask(ctx, store.RunningTask{
		TaskID:       req.TaskID,
		SubtaskID:    req.SubtaskID,
		ExecutorName: req.ExecutorName,
		TaskType:     taskType,
	}); err != nil {
		d.logger.Warn("running registry add failed", zap.Error(err))
	}

	return emitter.EmitStart(ctx, em, req.Ref(), req.ShellType())
}

// Cancel aborts a dispatched request: sets the producer-side flag and calls
// the transport's cancel path.
func (d *Dispatcher) Cancel(ctx context.Context, req *event.Request, deviceID string) error {
	if err := d.state.CancelStream(ctx, req.SubtaskID); err != nil {
		d.logger.Warn("cancel flag set failed", zap.Error(err))
	}

	target := d.router.CancelTarget(req, deviceID)
	if target.Mode == router.ModeWebSocket {
		d.sender.BroadcastToRoom(target.Namespace, target.Room, target.Event, map[string]any{
			"task_id":    req.TaskID,
			"subtask_id": req.SubtaskID,
		})
		return nil
	}

	if d.submitter != nil && target.Mode == router.ModeHTTPCallback {
		if err := d.submitter.CancelTask(ctx, req.TaskID); err != nil {
			return fmt.Errorf("container cancel: %w", err)
		}
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"task_id":    req.TaskID,
		"subtask_id": req.SubtaskID,
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Address(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transport cancel: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transport cancel returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) lookupResult(ctx context.Context, subtaskID string) (event.Result, error) {
	st, err := d.tasks.GetSubtask(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	return st.Result, nil
}

func fillRef(ev *event.Event, req *event.Request) {
	if ev.TaskID == "" {
		ev.TaskID = req.TaskID
	}
	if ev.SubtaskID == "" {
		ev.SubtaskID = req.SubtaskID
	}
	if ev.MessageID == 0 {
		ev.MessageID = req.MessageID
	}
}
