package emitter

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
	ws "github.com/weibocom/agentflow/pkg/websocket"
)

// RoomSender pushes a named wire event to every socket in a room. The
// livesocket hub implements it.
type RoomSender interface {
	BroadcastToRoom(namespace, room, action string, payload any)
}

// WebSocketEmitter translates execution events into chat wire events on the
// task room, plus task:status pushes to the owning user's room.
type WebSocketEmitter struct {
	sender RoomSender
	ref    event.Ref
	userID string
	logger *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewWebSocket creates a websocket emitter bound to one subtask.
func NewWebSocket(sender RoomSender, ref event.Ref, userID string, log *logger.Logger) *WebSocketEmitter {
	return &WebSocketEmitter{
		sender: sender,
		ref:    ref,
		userID: userID,
		logger: log.WithFields(zap.String("component", "ws_emitter"), zap.String("subtask_id", ref.SubtaskID)),
	}
}

// Emit maps the event onto the chat wire protocol and broadcasts it.
func (e *WebSocketEmitter) Emit(_ context.Context, ev *event.Event) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	taskRoom := "task:" + e.ref.TaskID
	base := map[string]any{
		"task_id":    e.ref.TaskID,
		"subtask_id": e.ref.SubtaskID,
		"message_id": e.ref.MessageID,
	}

	switch ev.Type {
	case event.TypeStart:
		base["shell_type"] = ev.ShellType()
		e.sender.BroadcastToRoom(ws.NamespaceChat, taskRoom, ws.ActionChatStart, base)

	case event.TypeChunk, event.TypeThinking:
		base["content"] = ev.Content
		base["offset"] = ev.Offset
		if ev.Result != nil {
			base["result"] = ev.Result.WithoutInternal()
		}
		if blockID := ev.DataString("block_id"); blockID != "" {
			base["block_id"] = blockID
			base["block_offset"] = ev.Data["block_offset"]
		}
		e.sender.BroadcastToRoom(ws.NamespaceChat, taskRoom, ws.ActionChatChunk, base)

	case event.TypeToolStart:
		base["block"] = map[string]any{
			"id":         ev.ToolUseID,
			"type":       "tool",
			"tool_name":  ev.ToolName,
			"tool_input": ev.ToolInput,
			"display":    ev.ToolDisplay,
			"status":     "pending",
		}
		e.sender.BroadcastToRoom(ws.NamespaceChat, taskRoom, ws.ActionChatBlockCreated, base)

	case event.TypeToolResult:
		status := "done"
		if ev.DataString("status") == "error" {
			status = "error"
		}
		base["block"] = map[string]any{
			"id":          ev.ToolUseID,
			"tool_output": ev.ToolOutput,
			"status":      status,
		}
		e.sender.BroadcastToRoom(ws.NamespaceChat, taskRoom, ws.ActionChatBlockUpdated, base)

	case event.TypeProgress:
		base["progress"] = ev.Progress
		if ev.Status != "" {
			base["status"] = ev.Status
		}
		e.sender.BroadcastToRoom(ws.NamespaceChat, "user:"+e.userID, ws.ActionTaskStatus, base)

	case event.TypeDone:
		base["result"] = ev.Result.WithoutInternal()
		e.sender.BroadcastToRoom(ws.NamespaceChat, taskRoom, ws.ActionChatDone, base)

	case event.TypeError:
		base["error"] = ev.Error
		e.sender.BroadcastToRoom(ws.NamespaceChat, taskRoom, ws.ActionChatError, base)

	case event.TypeCancelled:
		e.sender.BroadcastToRoom(ws.NamespaceChat, taskRoom, ws.ActionChatCancelled, base)

	default:
		e.logger.Warn("unhandled event type", zap.String("type", string(ev.Type)))
	}
	return nil
}

// Close marks the emitter closed; later events are dropped.
func (e *WebSocketEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
