package livesocket

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/store"
	"github.com/weibocom/agentflow/internal/task/models"
	"github.com/weibocom/agentflow/internal/task/service"
	ws "github.com/weibocom/agentflow/pkg/websocket"
)

// devicePresenceTTL bounds how long a silent device counts as online.
const devicePresenceTTL = 2 * time.Minute

// DeviceHandlers implements the /local-executor namespace: device presence
// and the progress/complete relay for device-executed tasks.
type DeviceHandlers struct {
	hub    *Hub
	tasks  *service.Service
	state  *store.Store
	logger *logger.Logger
}

// NewDeviceHandlers wires the device actions into the hub's /local-executor
// dispatcher and hooks disconnect handling.
func NewDeviceHandlers(hub *Hub, tasks *service.Service, state *store.Store, log *logger.Logger) *DeviceHandlers {
	h := &DeviceHandlers{
		hub:    hub,
		tasks:  tasks,
		state:  state,
		logger: log.WithFields(zap.String("component", "device_handlers")),
	}
	dsp := hub.Dispatcher(ws.NamespaceLocalExecutor)
	dsp.RegisterFunc(ws.ActionDeviceRegister, h.handleRegister)
	dsp.RegisterFunc(ws.ActionDeviceHeartbeat, h.handleHeartbeat)
	dsp.RegisterFunc(ws.ActionDeviceStatus, h.handleStatus)
	dsp.RegisterFunc(ws.ActionTaskProgress, h.handleProgress)
	dsp.RegisterFunc(ws.ActionTaskComplete, h.handleComplete)
	hub.OnDisconnect(ws.NamespaceLocalExecutor, h.HandleDisconnect)
	return h
}

type registerPayload struct {
	Name string `json:"name,omitempty"`
}

func (h *DeviceHandlers) handleRegister(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, ok := ClientFrom(ctx)
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "no client in context", nil)
	}
	var p registerPayload
	if err := msg.ParsePayload(&p); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "bad payload", nil)
	}

	if err := h.state.SetFlag(ctx, presenceKey(client), "1", devicePresenceTTL); err != nil {
		h.logger.Warn("device presence set failed", zap.Error(err))
	}
	h.hub.BroadcastToRoom(ws.NamespaceChat, UserRoom(client.UserID), ws.ActionDeviceStatus, map[string]any{
		"device_id": client.DeviceID,
		"name":      p.Name,
		"online":    true,
	})
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{
		"device_id": client.DeviceID,
		"room":      DeviceRoom(client.UserID, client.DeviceID),
	})
}

type heartbeatPayload struct {
	TaskID string `json:"task_id,omitempty"`
}

func (h *DeviceHandlers) handleHeartbeat(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, ok := ClientFrom(ctx)
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "no client in context", nil)
	}
	var p heartbeatPayload
	if err := msg.ParsePayload(&p); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "bad payload", nil)
	}

	if err := h.state.SetFlag(ctx, presenceKey(client), "1", devicePresenceTTL); err != nil {
		h.logger.Warn("device presence refresh failed", zap.Error(err))
	}
	if p.TaskID != "" {
		if err := h.state.TouchHeartbeat(ctx, p.TaskID); err != nil {
			h.logger.Warn("task heartbeat touch failed", zap.Error(err))
		}
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
}

func (h *DeviceHandlers) handleStatus(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, ok := ClientFrom(ctx)
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "no client in context", nil)
	}
	var p map[string]any
	if err := msg.ParsePayload(&p); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "bad payload", nil)
	}
	if p == nil {
		p = map[string]any{}
	}
	p["device_id"] = client.DeviceID
	h.hub.BroadcastToRoom(ws.NamespaceChat, UserRoom(client.UserID), ws.ActionDeviceStatus, p)
	return nil, nil
}

// deviceEventPayload carries progress and completion frames from devices.
// Result is cumulative; the server computes chunk deltas from the persisted
// emitted-offset bookmark.
type deviceEventPayload struct {
	TaskID    string       `json:"task_id"`
	SubtaskID string       `json:"subtask_id"`
	Status    string       `json:"status,omitempty"`
	Progress  int          `json:"progress,omitempty"`
	Result    event.Result `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// handleProgress relays one cumulative snapshot: only the unseen suffix goes
// out as chat:chunk. A COMPLETED status inside a progress frame completes the
// turn; some device runtimes never send task:complete.
func (h *DeviceHandlers) handleProgress(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, p, st, errMsg := h.ownedSubtask(ctx, msg)
	if errMsg != nil {
		return errMsg, nil
	}
	if st.Status.Terminal() {
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": false, "status": st.Status})
	}

	if err := h.state.TouchHeartbeat(ctx, p.TaskID); err != nil {
		h.logger.Debug("heartbeat touch failed", zap.Error(err))
	}

	full := p.Result.Value()
	prev := st.Result.LastEmittedOffset()
	if len(full) > prev {
		h.hub.BroadcastToRoom(ws.NamespaceChat, TaskRoom(p.TaskID), ws.ActionChatChunk, map[string]any{
			"task_id":    p.TaskID,
			"subtask_id": p.SubtaskID,
			"message_id": st.MessageID,
			"content":    full[prev:],
			"offset":     prev,
		})
		if err := h.state.SetStreamingText(ctx, p.SubtaskID, full); err != nil {
			h.logger.Debug("streaming text write failed", zap.Error(err))
		}
	}

	next := p.Result.Clone()
	if next == nil {
		next = event.Result{}
	}
	next.SetLastEmittedOffset(len(full))
	if err := h.tasks.UpdateResult(ctx, p.SubtaskID, next); err != nil {
		return nil, err
	}
	if p.Progress > 0 {
		if err := h.tasks.UpdateProgress(ctx, p.SubtaskID, p.Progress); err != nil {
			h.logger.Debug("progress update failed", zap.Error(err))
		}
	}

	if strings.EqualFold(p.Status, "COMPLETED") {
		// reload so finish sees the offset advanced above and does not
		// re-emit the suffix
		updated, gErr := h.tasks.GetSubtask(ctx, p.SubtaskID)
		if gErr != nil {
			return nil, gErr
		}
		h.finish(ctx, client, p, updated, false)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
}

// handleComplete closes the turn with the device's final result.
func (h *DeviceHandlers) handleComplete(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, p, st, errMsg := h.ownedSubtask(ctx, msg)
	if errMsg != nil {
		return errMsg, nil
	}
	if st.Status.Terminal() {
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": false, "status": st.Status})
	}

	failed := strings.EqualFold(p.Status, "FAILED") || p.Error != ""
	h.finish(ctx, client, p, st, failed)
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
}

// finish flushes the unemitted suffix, writes the terminal state, and
// notifies the task and user rooms.
func (h *DeviceHandlers) finish(ctx context.Context, client *Client, p *deviceEventPayload, st *models.Subtask, failed bool) {
	room := TaskRoom(p.TaskID)
	ref := map[string]any{
		"task_id":    p.TaskID,
		"subtask_id": p.SubtaskID,
		"message_id": st.MessageID,
	}

	if failed {
		errText := p.Error
		if errText == "" {
			errText = "execution failed on device"
		}
		if err := h.tasks.FailSubtask(ctx, p.SubtaskID, errText); err != nil {
			h.logger.Error("fail subtask errored", zap.Error(err))
		}
		payload := map[string]any{}
		for k, v := range ref {
			payload[k] = v
		}
		payload["error"] = errText
		h.hub.BroadcastToRoom(ws.NamespaceChat, room, ws.ActionChatError, payload)
		h.hub.BroadcastToRoom(ws.NamespaceChat, UserRoom(client.UserID), ws.ActionTaskStatus, map[string]any{
			"task_id": p.TaskID,
			"status":  "FAILED",
			"error":   errText,
		})
		h.cleanup(ctx, p.TaskID, p.SubtaskID)
		return
	}

	full := p.Result.Value()
	prev := st.Result.LastEmittedOffset()
	if len(full) > prev {
		h.hub.BroadcastToRoom(ws.NamespaceChat, room, ws.ActionChatChunk, map[string]any{
			"task_id":    p.TaskID,
			"subtask_id": p.SubtaskID,
			"message_id": st.MessageID,
			"content":    full[prev:],
			"offset":     prev,
		})
	}

	final := p.Result.WithoutInternal()
	if final == nil {
		final = event.Result{}
	}
	if final.Value() == "" {
		final.SetValue(st.Result.Value())
	}
	if err := h.tasks.CompleteSubtask(ctx, p.SubtaskID, final); err != nil {
		h.logger.Error("complete subtask errored", zap.Error(err))
	}
	if final.Value() != "" {
		if err := h.state.AppendHistory(ctx, p.TaskID, store.Message{Role: "assistant", Content: final.Value()}); err != nil {
			h.logger.Debug("history append failed", zap.Error(err))
		}
	}
	if err := h.state.PublishStreamDone(ctx, p.SubtaskID, final); err != nil {
		h.logger.Debug("stream done publish failed", zap.Error(err))
	}

	payload := map[string]any{}
	for k, v := range ref {
		payload[k] = v
	}
	payload["result"] = final
	h.hub.BroadcastToRoom(ws.NamespaceChat, room, ws.ActionChatDone, payload)
	h.hub.BroadcastToRoom(ws.NamespaceChat, UserRoom(client.UserID), ws.ActionTaskStatus, map[string]any{
		"task_id": p.TaskID,
		"status":  "COMPLETED",
	})
	h.cleanup(ctx, p.TaskID, p.SubtaskID)
}

// HandleDisconnect fails every running subtask the vanished device owned.
func (h *DeviceHandlers) HandleDisconnect(c *Client) {
	ctx := context.Background()
	executor := "device-" + c.DeviceID
	running, err := h.tasks.Repo().RunningSubtasksByExecutor(ctx, executor)
	if err != nil {
		h.logger.Error("running subtask lookup failed",
			zap.String("executor", executor), zap.Error(err))
		return
	}
	for _, st := range running {
		const reason = "Device disconnected unexpectedly"
		if err := h.tasks.FailSubtask(ctx, st.ID, reason); err != nil {
			h.logger.Error("fail subtask errored", zap.Error(err))
			continue
		}
		h.hub.BroadcastToRoom(ws.NamespaceChat, TaskRoom(st.TaskID), ws.ActionChatError, map[string]any{
			"task_id":    st.TaskID,
			"subtask_id": st.ID,
			"message_id": st.MessageID,
			"error":      reason,
		})
		h.hub.BroadcastToRoom(ws.NamespaceChat, UserRoom(c.UserID), ws.ActionTaskStatus, map[string]any{
			"task_id": st.TaskID,
			"status":  "FAILED",
			"error":   reason,
		})
		h.cleanup(ctx, st.TaskID, st.ID)
	}
	h.hub.BroadcastToRoom(ws.NamespaceChat, UserRoom(c.UserID), ws.ActionDeviceStatus, map[string]any{
		"device_id": c.DeviceID,
		"online":    false,
	})
}

func (h *DeviceHandlers) cleanup(ctx context.Context, taskID, subtaskID string) {
	if err := h.state.DeleteStreamingText(ctx, subtaskID); err != nil {
		h.logger.Debug("streaming text cleanup failed", zap.Error(err))
	}
	if err := h.state.UnregisterStream(ctx, subtaskID); err != nil {
		h.logger.Debug("stream unregister failed", zap.Error(err))
	}
	if err := h.state.RemoveRunningTask(ctx, taskID); err != nil {
		h.logger.Debug("running registry cleanup failed", zap.Error(err))
	}
	if err := h.state.DeleteHeartbeat(ctx, taskID); err != nil {
		h.logger.Debug("heartbeat cleanup failed", zap.Error(err))
	}
	if err := h.state.ClearStreamingOwner(ctx, taskID); err != nil {
		h.logger.Debug("streaming owner cleanup failed", zap.Error(err))
	}
}

// ownedSubtask parses the payload and verifies the sending device owns the
// subtask's execution.
func (h *DeviceHandlers) ownedSubtask(ctx context.Context, msg *ws.Message) (*Client, *deviceEventPayload, *models.Subtask, *ws.Message) {
	client, ok := ClientFrom(ctx)
	if !ok {
		errMsg, _ := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "no client in context", nil)
		return nil, nil, nil, errMsg
	}
	var p deviceEventPayload
	if err := msg.ParsePayload(&p); err != nil || p.TaskID == "" || p.SubtaskID == "" {
		errMsg, _ := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "task_id and subtask_id are required", nil)
		return nil, nil, nil, errMsg
	}
	st, err := h.tasks.GetSubtask(ctx, p.SubtaskID)
	if err != nil {
		errMsg, _ := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "subtask not found", nil)
		return nil, nil, nil, errMsg
	}
	if st.ExecutorName != "device-"+client.DeviceID {
		errMsg, _ := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeForbidden, "subtask is not assigned to this device", nil)
		return nil, nil, nil, errMsg
	}
	return client, &p, st, nil
}

func presenceKey(c *Client) string {
	return "device:online:" + c.UserID + ":" + c.DeviceID
}
