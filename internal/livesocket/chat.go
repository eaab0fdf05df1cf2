package livesocket

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/builder"
	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/emitter"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/resource"
	"github.com/weibocom/agentflow/internal/store"
	"github.com/weibocom/agentflow/internal/task/models"
	"github.com/weibocom/agentflow/internal/task/repository"
	"github.com/weibocom/agentflow/internal/task/service"
	ws "github.com/weibocom/agentflow/pkg/websocket"
)

// TaskDispatcher executes built requests. Satisfied by dispatch.Dispatcher.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, req *event.Request, em emitter.Emitter, deviceID string) error
	Cancel(ctx context.Context, req *event.Request, deviceID string) error
}

// ChatHandlers implements the /chat namespace actions.
type ChatHandlers struct {
	hub        *Hub
	tasks      *service.Service
	state      *store.Store
	resources  resource.Service
	builder    *builder.Builder
	dispatcher TaskDispatcher
	logger     *logger.Logger
}

// NewChatHandlers wires the chat actions into the hub's /chat dispatcher.
func NewChatHandlers(hub *Hub, tasks *service.Service, state *store.Store, resources resource.Service, b *builder.Builder, d TaskDispatcher, log *logger.Logger) *ChatHandlers {
	h := &ChatHandlers{
		hub:        hub,
		tasks:      tasks,
		state:      state,
		resources:  resources,
		builder:    b,
		dispatcher: d,
		logger:     log.WithFields(zap.String("component", "chat_handlers")),
	}
	dsp := hub.Dispatcher(ws.NamespaceChat)
	dsp.RegisterFunc(ws.ActionTaskJoin, h.handleJoin)
	dsp.RegisterFunc(ws.ActionTaskLeave, h.handleLeave)
	dsp.RegisterFunc(ws.ActionChatSend, h.handleSend)
	dsp.RegisterFunc(ws.ActionChatCancel, h.handleCancel)
	dsp.RegisterFunc(ws.ActionChatRetry, h.handleRetry)
	dsp.RegisterFunc(ws.ActionChatResume, h.handleResume)
	dsp.RegisterFunc(ws.ActionHistorySync, h.handleHistorySync)
	return h
}

type joinPayload struct {
	TaskID string `json:"task_id"`
}

// handleJoin puts the client in the task room and reports whether a response
// is mid-stream so the client can render the partial text before live chunks
// resume.
func (h *ChatHandlers) handleJoin(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, p, errMsg := h.authorize(ctx, msg)
	if errMsg != nil {
		return errMsg, nil
	}

	h.hub.JoinRoom(client, TaskRoom(p.TaskID))

	// streaming is null when nothing is in flight; a populated object means
	// the client should render cached_content and expect chunks from offset
	resp := map[string]any{"task_id": p.TaskID, "joined": true, "streaming": nil}
	latest, err := h.tasks.Repo().LatestAssistantSubtask(ctx, p.TaskID)
	if err == nil && latest.Status == models.StatusRunning {
		text, sErr := h.state.StreamingText(ctx, latest.ID)
		if sErr != nil {
			h.logger.Debug("streaming text read failed", zap.Error(sErr))
		}
		resp["streaming"] = map[string]any{
			"subtask_id":     latest.ID,
			"message_id":     latest.MessageID,
			"offset":         len(text),
			"cached_content": text,
		}
	}
	return ws.NewResponse(msg.ID, msg.Action, resp)
}

func (h *ChatHandlers) handleLeave(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, ok := ClientFrom(ctx)
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "no client in context", nil)
	}
	var p joinPayload
	if err := msg.ParsePayload(&p); err != nil || p.TaskID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "task_id is required", nil)
	}
	h.hub.LeaveRoom(client, TaskRoom(p.TaskID))
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"task_id": p.TaskID, "left": true})
}

type sendPayload struct {
	// TaskID may be empty: the first message of a conversation creates the
	// task implicitly and the response carries the new id.
	TaskID      string   `json:"task_id,omitempty"`
	Prompt      string   `json:"prompt"`
	Title       string   `json:"title,omitempty"`
	IsGroupChat bool     `json:"is_group_chat,omitempty"`
	BotIDs      []string `json:"bot_ids,omitempty"`
	TeamID      string   `json:"team_id,omitempty"`
	DeviceID    string   `json:"device_id,omitempty"`
	TriggerAI   *bool    `json:"trigger_ai,omitempty"`

	EnableTools         bool `json:"enable_tools,omitempty"`
	EnableWebSearch     bool `json:"enable_web_search,omitempty"`
	EnableClarification bool `json:"enable_clarification,omitempty"`
	EnableDeepThinking  bool `json:"enable_deep_thinking,omitempty"`

	Attachments      []event.Attachment   `json:"attachments,omitempty"`
	KnowledgeBaseIDs []string             `json:"knowledge_base_ids,omitempty"`
	DocumentIDs      []string             `json:"document_ids,omitempty"`
	TableContexts    []event.TableContext `json:"table_contexts,omitempty"`
	PreloadSkills    []string             `json:"preload_skills,omitempty"`
}

// handleSend appends the turn, echoes the user message to other room members,
// and kicks off execution in the background. In group chats the assistant only
// responds when mentioned.
func (h *ChatHandlers) handleSend(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, ok := ClientFrom(ctx)
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "no client in context", nil)
	}
	var p sendPayload
	if err := msg.ParsePayload(&p); err != nil || p.Prompt == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "prompt is required", nil)
	}

	var task *models.Task
	if p.TaskID == "" {
		created, cErr := h.tasks.CreateTask(ctx, client.UserID, models.TaskSpec{
			Title:       p.Title,
			TeamID:      p.TeamID,
			IsGroupChat: p.IsGroupChat,
		}, nil)
		if cErr != nil {
			return nil, cErr
		}
		task = created
		p.TaskID = created.ID
		h.hub.JoinRoom(client, TaskRoom(created.ID))
	} else {
		if err := h.tasks.RequireAccess(ctx, p.TaskID, client.UserID); err != nil {
			return h.accessError(msg, err)
		}
		t, gErr := h.tasks.GetTask(ctx, p.TaskID)
		if gErr != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "task not found", nil)
		}
		task = t
	}

	triggerAI := true
	if task.Spec.IsGroupChat {
		triggerAI = h.assistantMentioned(ctx, task, &p)
	}
	if p.TriggerAI != nil {
		triggerAI = *p.TriggerAI
	}

	teamID := p.TeamID
	if teamID == "" {
		teamID = task.Spec.TeamID
	}
	turn, err := h.tasks.AppendTurn(ctx, service.TurnParams{
		TaskID:    p.TaskID,
		UserID:    client.UserID,
		Prompt:    p.Prompt,
		TriggerAI: triggerAI,
		BotIDs:    p.BotIDs,
		TeamID:    teamID,
	})
	if err != nil {
		return nil, err
	}

	h.hub.BroadcastToRoomExcept(ws.NamespaceChat, TaskRoom(p.TaskID), ws.ActionChatMessage, map[string]any{
		"task_id":    p.TaskID,
		"subtask_id": turn.User.ID,
		"message_id": turn.User.MessageID,
		"role":       "user",
		"prompt":     p.Prompt,
		"user_id":    client.UserID,
		"user_name":  client.UserName,
	}, client)

	resp := map[string]any{
		"task_id":    p.TaskID,
		"subtask_id": turn.User.ID,
		"message_id": turn.User.MessageID,
	}
	if turn.Assistant != nil {
		req, bErr := h.builder.Build(ctx, builder.Params{
			Task:      task,
			Assistant: turn.Assistant,
			UserTurn:  turn.User,
			Requester: event.User{ID: client.UserID, Name: client.UserName},
			Flags: builder.Flags{
				EnableTools:         p.EnableTools,
				EnableWebSearch:     p.EnableWebSearch,
				EnableClarification: p.EnableClarification,
				EnableDeepThinking:  p.EnableDeepThinking,
			},
			Attachments:      p.Attachments,
			KnowledgeBaseIDs: p.KnowledgeBaseIDs,
			DocumentIDs:      p.DocumentIDs,
			TableContexts:    p.TableContexts,
			PreloadSkills:    p.PreloadSkills,
		})
		if bErr != nil {
			h.logger.Error("request build failed", zap.String("task_id", p.TaskID), zap.Error(bErr))
			if fErr := h.tasks.FailSubtask(ctx, turn.Assistant.ID, bErr.Error()); fErr != nil {
				h.logger.Error("fail subtask errored", zap.Error(fErr))
			}
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, bErr.Error(), nil)
		}
		resp["assistant_subtask_id"] = turn.Assistant.ID
		h.dispatchAsync(req, p.DeviceID)
	}
	return ws.NewResponse(msg.ID, msg.Action, resp)
}

// assistantMentioned reports whether a group-chat message @-mentions the
// team or one of the addressed bots by name. A bare "@" anywhere (an email
// address, say) does not wake the assistant.
func (h *ChatHandlers) assistantMentioned(ctx context.Context, task *models.Task, p *sendPayload) bool {
	if !strings.Contains(p.Prompt, "@") {
		return false
	}
	teamID := p.TeamID
	if teamID == "" {
		teamID = task.Spec.TeamID
	}
	if teamID != "" {
		team, err := h.resources.GetTeam(ctx, teamID)
		if err == nil && team.Name != "" && strings.Contains(p.Prompt, "@"+team.Name) {
			return true
		}
	}
	for _, botID := range p.BotIDs {
		bot, err := h.resources.GetBot(ctx, botID)
		if err != nil {
			continue
		}
		if bot.Name != "" && strings.Contains(p.Prompt, "@"+bot.Name) {
			return true
		}
	}
	return false
}

type cancelPayload struct {
	TaskID    string `json:"task_id"`
	SubtaskID string `json:"subtask_id"`
	// PartialContent is the client's view of the streamed text at the moment
	// of cancel; when present it wins over the server-side replay cache.
	PartialContent string `json:"partial_content,omitempty"`
}

// handleCancel stops a running response. The subtask lands in COMPLETED with
// the partial text; cancellation itself travels as chat:cancelled.
func (h *ChatHandlers) handleCancel(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, ok := ClientFrom(ctx)
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "no client in context", nil)
	}
	var p cancelPayload
	if err := msg.ParsePayload(&p); err != nil || p.TaskID == "" || p.SubtaskID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "task_id and subtask_id are required", nil)
	}
	if err := h.tasks.RequireAccess(ctx, p.TaskID, client.UserID); err != nil {
		return h.accessError(msg, err)
	}
	st, err := h.tasks.GetSubtask(ctx, p.SubtaskID)
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "subtask not found", nil)
	}
	if st.Status.Terminal() {
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"cancelled": false, "status": st.Status})
	}

	if err := h.state.CancelStream(ctx, p.SubtaskID); err != nil {
		h.logger.Warn("cancel flag set failed", zap.Error(err))
	}

	partial := p.PartialContent
	if partial == "" {
		partial, _ = h.state.StreamingText(ctx, p.SubtaskID)
	}
	if err := h.tasks.CancelSubtask(ctx, p.SubtaskID, partial); err != nil {
		return nil, err
	}

	// stop the transport side; non-device executors cancel through the
	// executor manager
	req := &event.Request{
		TaskID:       p.TaskID,
		SubtaskID:    p.SubtaskID,
		MessageID:    st.MessageID,
		ExecutorName: st.ExecutorName,
		User:         event.User{ID: client.UserID},
	}
	deviceID := ""
	if rest, isDevice := strings.CutPrefix(st.ExecutorName, "device-"); isDevice {
		deviceID = rest
	} else if st.ExecutorName != "" {
		req.Bots = []event.Bot{{ShellType: event.ShellClaudeCode}}
	}
	if err := h.dispatcher.Cancel(context.WithoutCancel(ctx), req, deviceID); err != nil {
		h.logger.Warn("transport cancel failed", zap.Error(err))
	}

	h.cleanupStream(ctx, p.TaskID, p.SubtaskID)

	room := TaskRoom(p.TaskID)
	ref := map[string]any{
		"task_id":    p.TaskID,
		"subtask_id": p.SubtaskID,
		"message_id": st.MessageID,
	}
	h.hub.BroadcastToRoom(ws.NamespaceChat, room, ws.ActionChatCancelled, ref)
	h.hub.BroadcastToRoom(ws.NamespaceChat, room, ws.ActionChatDone, map[string]any{
		"task_id":    p.TaskID,
		"subtask_id": p.SubtaskID,
		"message_id": st.MessageID,
		"result":     map[string]any{"value": partial},
	})
	h.hub.BroadcastToRoom(ws.NamespaceChat, UserRoom(client.UserID), ws.ActionTaskUpdated, map[string]any{
		"task_id": p.TaskID,
		"status":  "COMPLETED",
	})

	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"cancelled": true})
}

type retryPayload struct {
	TaskID    string `json:"task_id"`
	SubtaskID string `json:"subtask_id"`
	// ModelID present (even empty) overrides the model selection for this
	// run; empty means "bot default, drop any forced override".
	ModelID *string `json:"model_id,omitempty"`
}

// handleRetry re-runs a failed assistant turn in place: same subtask id, same
// message id.
func (h *ChatHandlers) handleRetry(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, ok := ClientFrom(ctx)
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "no client in context", nil)
	}
	var p retryPayload
	if err := msg.ParsePayload(&p); err != nil || p.TaskID == "" || p.SubtaskID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "task_id and subtask_id are required", nil)
	}
	if err := h.tasks.RequireAccess(ctx, p.TaskID, client.UserID); err != nil {
		return h.accessError(msg, err)
	}

	turn, err := h.tasks.ResetForRetry(ctx, p.TaskID, p.SubtaskID)
	if err != nil {
		if errors.Is(err, service.ErrNotRetryable) || errors.Is(err, service.ErrNotAssistant) {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
		}
		return nil, err
	}

	task, err := h.tasks.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	params := builder.Params{
		Task:      task,
		Assistant: turn.Assistant,
		UserTurn:  turn.User,
		Requester: event.User{ID: client.UserID, Name: client.UserName},
	}
	if p.ModelID != nil {
		params.UseModelOverride = true
		params.OverrideModelID = *p.ModelID
	}
	req, err := h.builder.Build(ctx, params)
	if err != nil {
		if fErr := h.tasks.FailSubtask(ctx, turn.Assistant.ID, err.Error()); fErr != nil {
			h.logger.Error("fail subtask errored", zap.Error(fErr))
		}
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
	}

	h.hub.BroadcastToRoom(ws.NamespaceChat, UserRoom(client.UserID), ws.ActionTaskUpdated, map[string]any{
		"task_id": p.TaskID,
		"status":  "PENDING",
	})
	h.dispatchAsync(req, "")

	return ws.NewResponse(msg.ID, msg.Action, map[string]any{
		"task_id":    p.TaskID,
		"subtask_id": turn.Assistant.ID,
		"message_id": turn.Assistant.MessageID,
	})
}

type resumePayload struct {
	SubtaskID string `json:"subtask_id"`
	Offset    int    `json:"offset"`
}

// handleResume returns the streamed text the client missed past its offset.
func (h *ChatHandlers) handleResume(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var p resumePayload
	if err := msg.ParsePayload(&p); err != nil || p.SubtaskID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "subtask_id is required", nil)
	}
	text, err := h.state.StreamingText(ctx, p.SubtaskID)
	if err != nil {
		h.logger.Debug("streaming text read failed", zap.Error(err))
	}
	tail := ""
	if p.Offset < len(text) {
		tail = text[p.Offset:]
	}
	resp := map[string]any{
		"subtask_id": p.SubtaskID,
		"offset":     p.Offset,
		"content":    tail,
	}
	if st, sErr := h.tasks.GetSubtask(ctx, p.SubtaskID); sErr == nil {
		resp["status"] = st.Status
		resp["streaming"] = st.Status == models.StatusRunning
	}
	return ws.NewResponse(msg.ID, msg.Action, resp)
}

type historySyncPayload struct {
	TaskID         string `json:"task_id"`
	AfterMessageID int64  `json:"after_message_id"`
}

// handleHistorySync returns turns past the client's watermark.
func (h *ChatHandlers) handleHistorySync(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	client, ok := ClientFrom(ctx)
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "no client in context", nil)
	}
	var p historySyncPayload
	if err := msg.ParsePayload(&p); err != nil || p.TaskID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "task_id is required", nil)
	}
	if err := h.tasks.RequireAccess(ctx, p.TaskID, client.UserID); err != nil {
		return h.accessError(msg, err)
	}
	subtasks, err := h.tasks.HistorySince(ctx, p.TaskID, p.AfterMessageID)
	if err != nil {
		return nil, err
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{
		"task_id":  p.TaskID,
		"subtasks": subtasks,
	})
}

func (h *ChatHandlers) dispatchAsync(req *event.Request, deviceID string) {
	go func() {
		ctx := context.Background()
		if err := h.dispatcher.Dispatch(ctx, req, nil, deviceID); err != nil {
			h.logger.Error("background dispatch failed",
				zap.String("task_id", req.TaskID),
				zap.String("subtask_id", req.SubtaskID),
				zap.Error(err))
		}
	}()
}

func (h *ChatHandlers) cleanupStream(ctx context.Context, taskID, subtaskID string) {
	if err := h.state.DeleteStreamingText(ctx, subtaskID); err != nil {
		h.logger.Debug("streaming text cleanup failed", zap.Error(err))
	}
	if err := h.state.UnregisterStream(ctx, subtaskID); err != nil {
		h.logger.Debug("stream unregister failed", zap.Error(err))
	}
	if err := h.state.RemoveRunningTask(ctx, taskID); err != nil {
		h.logger.Debug("running registry cleanup failed", zap.Error(err))
	}
	if err := h.state.ClearStreamingOwner(ctx, taskID); err != nil {
		h.logger.Debug("streaming owner cleanup failed", zap.Error(err))
	}
}

// authorize parses the common task_id payload and checks access.
func (h *ChatHandlers) authorize(ctx context.Context, msg *ws.Message) (*Client, *joinPayload, *ws.Message) {
	client, ok := ClientFrom(ctx)
	if !ok {
		errMsg, _ := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "no client in context", nil)
		return nil, nil, errMsg
	}
	var p joinPayload
	if err := msg.ParsePayload(&p); err != nil || p.TaskID == "" {
		errMsg, _ := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "task_id is required", nil)
		return nil, nil, errMsg
	}
	if err := h.tasks.RequireAccess(ctx, p.TaskID, client.UserID); err != nil {
		errMsg := h.mustAccessError(msg, err)
		return nil, nil, errMsg
	}
	return client, &p, nil
}

func (h *ChatHandlers) accessError(msg *ws.Message, err error) (*ws.Message, error) {
	return h.mustAccessError(msg, err), nil
}

func (h *ChatHandlers) mustAccessError(msg *ws.Message, err error) *ws.Message {
	code := ws.ErrorCodeInternalError
	switch {
	case errors.Is(err, service.ErrPermission):
		code = ws.ErrorCodeForbidden
	case errors.Is(err, repository.ErrNotFound):
		code = ws.ErrorCodeNotFound
	}
	errMsg, _ := ws.NewError(msg.ID, msg.Action, code, err.Error(), nil)
	return errMsg
}
