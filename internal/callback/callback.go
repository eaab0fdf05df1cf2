// Package callback receives execution events from manager-run workers over
// HTTP and feeds them into the emitter chain, and watches worker heartbeats.
package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/emitter"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/store"
	"github.com/weibocom/agentflow/internal/task/service"
	ws "github.com/weibocom/agentflow/pkg/websocket"
)

// Task types that bypass the subtask lifecycle. Their events fan out to the
// requesting user but never touch a subtask row.
const (
	TaskTypeValidation = "validation"
	TaskTypeSandbox    = "sandbox"
)

// Handler turns callback POSTs back into a live event stream. One emitter
// chain lives per subtask across posts so chunk accumulation and the
// at-most-once terminal write behave exactly as on the inline paths.
type Handler struct {
	sender emitter.RoomSender
	tasks  *service.Service
	state  *store.Store
	logger *logger.Logger

	mu      sync.Mutex
	streams map[string]emitter.Emitter
}

// NewHandler creates the callback handler.
func NewHandler(sender emitter.RoomSender, tasks *service.Service, state *store.Store, log *logger.Logger) *Handler {
	return &Handler{
		sender:  sender,
		tasks:   tasks,
		state:   state,
		logger:  log.WithFields(zap.String("component", "callback")),
		streams: make(map[string]emitter.Emitter),
	}
}

// HandleCallback is POST /internal/callback: one event per request.
func (h *Handler) HandleCallback(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	ev, err := event.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unparseable event"})
		return
	}
	if err := h.process(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// HandleBatch is POST /internal/callback/batch: a JSON array of events,
// processed in order.
func (h *Handler) HandleBatch(c *gin.Context) {
	var raw []json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unparseable batch"})
		return
	}
	for _, item := range raw {
		ev, err := event.Parse(item)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unparseable event in batch"})
			return
		}
		if err := h.process(c.Request.Context(), ev); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "processed": len(raw)})
}

func (h *Handler) process(ctx context.Context, ev *event.Event) error {
	if ev.TaskID == "" || ev.SubtaskID == "" {
		// infrastructure task events carry their own addressing
		if h.routeSideChannel(ev) {
			return nil
		}
		h.logger.Warn("event without subtask reference dropped",
			zap.String("type", string(ev.Type)))
		return nil
	}

	if h.routeSideChannel(ev) {
		return nil
	}

	if err := h.state.TouchHeartbeat(ctx, ev.TaskID); err != nil {
		h.logger.Debug("heartbeat touch failed", zap.Error(err))
	}

	em, err := h.streamFor(ctx, ev)
	if err != nil {
		return err
	}
	if err := em.Emit(ctx, ev); err != nil {
		h.logger.Warn("emit failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}

	if ev.Type.Terminal() {
		h.closeStream(ctx, ev)
	}
	return nil
}

// routeSideChannel fans validation and sandbox task events straight out to
// the owning user, skipping the subtask lifecycle entirely.
func (h *Handler) routeSideChannel(ev *event.Event) bool {
	switch ev.TaskType() {
	case TaskTypeValidation, TaskTypeSandbox:
	default:
		return false
	}
	userID := ev.DataString("user_id")
	if userID == "" {
		h.logger.Warn("side-channel event without user_id dropped",
			zap.String("task_type", ev.TaskType()))
		return true
	}
	h.sender.BroadcastToRoom(ws.NamespaceChat, "user:"+userID, ws.ActionTaskStatus, ev)
	return true
}

// streamFor returns the subtask's emitter chain, creating it on the first
// event.
func (h *Handler) streamFor(ctx context.Context, ev *event.Event) (emitter.Emitter, error) {
	h.mu.Lock()
	if em, ok := h.streams[ev.SubtaskID]; ok {
		h.mu.Unlock()
		return em, nil
	}
	h.mu.Unlock()

	st, err := h.tasks.GetSubtask(ctx, ev.SubtaskID)
	if err != nil {
		return nil, err
	}

	em := emitter.NewStatusUpdating(
		emitter.NewWebSocket(h.sender, ev.Ref(), st.UserID, h.logger),
		h.tasks, h.state, ev.Ref(), h.logger)

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.streams[ev.SubtaskID]; ok {
		return existing, nil
	}
	h.streams[ev.SubtaskID] = em
	return em, nil
}

func (h *Handler) closeStream(ctx context.Context, ev *event.Event) {
	h.mu.Lock()
	em, ok := h.streams[ev.SubtaskID]
	delete(h.streams, ev.SubtaskID)
	h.mu.Unlock()

	if ok {
		if err := em.Close(); err != nil {
			h.logger.Debug("stream close failed", zap.Error(err))
		}
	}
	if err := h.state.DeleteHeartbeat(ctx, ev.TaskID); err != nil {
		h.logger.Debug("heartbeat cleanup failed", zap.Error(err))
	}
}

// SetupRoutes registers the callback endpoints.
func SetupRoutes(r *gin.RouterGroup, h *Handler) {
	r.POST("/callback", h.HandleCallback)
	r.POST("/callback/batch", h.HandleBatch)
}
