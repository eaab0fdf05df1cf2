// Package service implements task and subtask lifecycle operations: turn
// creation, status transitions, the task-status mirror, and same-ID retry.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/task/models"
	"github.com/weibocom/agentflow/internal/task/repository"
)

var (
	// ErrNotAssistant is returned when an operation requires an assistant turn.
	ErrNotAssistant = errors.New("subtask is not an assistant turn")
	// ErrNotRetryable is returned when retrying a subtask that is not failed.
	ErrNotRetryable = errors.New("subtask is not in a retryable state")
	// ErrPermission is returned when a user has no access to a task.
	ErrPermission = errors.New("permission denied")
)

// StatusListener observes every task-status mirror write.
type StatusListener func(ctx context.Context, taskID string, status models.TaskStatus)

// Service coordinates the persisted task graph.
type Service struct {
	repo     repository.Repository
	logger   *logger.Logger
	onStatus StatusListener
}

// New creates the task service.
func New(repo repository.Repository, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: log.WithFields(zap.String("component", "task_service")),
	}
}

// Repo exposes the repository for collaborators that need raw reads.
func (s *Service) Repo() repository.Repository { return s.repo }

// OnStatusChange registers a mirror-change listener. Register before serving
// traffic; there is no locking around the slot.
func (s *Service) OnStatusChange(fn StatusListener) { s.onStatus = fn }

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.repo.GetTask(ctx, id)
}

// GetSubtask returns a subtask by id.
func (s *Service) GetSubtask(ctx context.Context, id string) (*models.Subtask, error) {
	return s.repo.GetSubtask(ctx, id)
}

// RequireAccess verifies the user may read and write the task.
func (s *Service) RequireAccess(ctx context.Context, taskID, userID string) error {
	ok, err := s.repo.HasAccess(ctx, taskID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPermission
	}
	return nil
}

// CreateTask creates a conversation container.
func (s *Service) CreateTask(ctx context.Context, userID string, spec models.TaskSpec, labels map[string]string) (*models.Task, error) {
	task := &models.Task{
		Kind:   models.KindTask,
		UserID: userID,
		Spec:   spec,
		Labels: labels,
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// Turn is the result of appending a user message: the persisted user subtask
// and, when the message triggers AI, the paired assistant subtask.
type Turn struct {
	User      *models.Subtask
	Assistant *models.Subtask
}

// TurnParams describes a user message to append.
type TurnParams struct {
	TaskID    string
	UserID    string
	Prompt    string
	TriggerAI bool
	BotIDs    []string
	TeamID    string
	Metadata  map[string]any
}

// AppendTurn persists the user subtask and, when the message should trigger
// AI, the assistant subtask sharing the same message id. The assistant's
// parent_id is the user's message_id.
func (s *Service) AppendTurn(ctx context.Context, p TurnParams) (*Turn, error) {
	messageID, err := s.repo.NextMessageID(ctx, p.TaskID)
	if err != nil {
		return nil, fmt.Errorf("allocate message id: %w", err)
	}

	user := &models.Subtask{
		TaskID:    p.TaskID,
		MessageID: messageID,
		Role:      models.RoleUser,
		Status:    models.StatusCompleted,
		Prompt:    p.Prompt,
		Metadata:  p.Metadata,
		TeamID:    p.TeamID,
		UserID:    p.UserID,
	}
	if err := s.repo.CreateSubtask(ctx, user); err != nil {
		return nil, fmt.Errorf("create user subtask: %w", err)
	}

	turn := &Turn{User: user}
	if p.TriggerAI {
		assistant := &models.Subtask{
			TaskID:    p.TaskID,
			MessageID: messageID,
			Role:      models.RoleAssistant,
			Status:    models.StatusPending,
			ParentID:  messageID,
			BotIDs:    p.BotIDs,
			TeamID:    p.TeamID,
			UserID:    p.UserID,
		}
		if err := s.repo.CreateSubtask(ctx, assistant); err != nil {
			return nil, fmt.Errorf("create assistant subtask: %w", err)
		}
		turn.Assistant = assistant
	}
	return turn, nil
}

// SetRunning moves a subtask to RUNNING. Called by the dispatcher before any
// transport work.
func (s *Service) SetRunning(ctx context.Context, subtaskID string) error {
	st, err := s.repo.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	st.Status = models.StatusRunning
	if err := s.repo.UpdateSubtask(ctx, st); err != nil {
		return err
	}
	return s.syncTaskStatus(ctx, st.TaskID)
}

// SetExecutor binds a subtask to a worker identity, required for ownership
// checks on inbound device events.
func (s *Service) SetExecutor(ctx context.Context, subtaskID, name, namespace string) error {
	st, err := s.repo.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	st.ExecutorName = name
	st.ExecutorNamespace = namespace
	return s.repo.UpdateSubtask(ctx, st)
}

// UpdateProgress records a progress percentage on a running subtask.
func (s *Service) UpdateProgress(ctx context.Context, subtaskID string, progress int) error {
	st, err := s.repo.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return nil
	}
	st.Progress = progress
	return s.repo.UpdateSubtask(ctx, st)
}

// UpdateResult overwrites the subtask's result bag without changing status
// (offset bookkeeping during device streaming).
func (s *Service) UpdateResult(ctx context.Context, subtaskID string, result event.Result) error {
	st, err := s.repo.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	st.Result = result
	return s.repo.UpdateSubtask(ctx, st)
}

// CompleteSubtask writes a terminal COMPLETED with the final result and
// refreshes the task mirror. Terminal states are write-once.
func (s *Service) CompleteSubtask(ctx context.Context, subtaskID string, result event.Result) error {
	return s.finish(ctx, subtaskID, models.StatusCompleted, result, "")
}

// FailSubtask writes a terminal FAILED with the error message.
func (s *Service) FailSubtask(ctx context.Context, subtaskID, errorMessage string) error {
	return s.finish(ctx, subtaskID, models.StatusFailed, nil, errorMessage)
}

// CancelSubtask records a user-triggered cancel. The subtask lands in
// COMPLETED with the partial content preserved; the cancelled signal travels
// as a separate wire event. Deliberate: partial responses stay visible.
func (s *Service) CancelSubtask(ctx context.Context, subtaskID, partialContent string) error {
	result := event.Result{}
	result.SetValue(partialContent)
	return s.finish(ctx, subtaskID, models.StatusCompleted, result, "")
}

func (s *Service) finish(ctx context.Context, subtaskID string, status models.SubtaskStatus, result event.Result, errorMessage string) error {
	st, err := s.repo.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		s.logger.Debug("subtask already terminal, skipping transition",
			zap.String("subtask_id", subtaskID),
			zap.String("status", string(st.Status)))
		return nil
	}
	now := time.Now().UTC()
	st.Status = status
	st.CompletedAt = &now
	if result != nil {
		st.Result = result
	}
	if errorMessage != "" {
		st.ErrorMessage = errorMessage
	}
	if status == models.StatusCompleted {
		st.Progress = 100
	}
	if err := s.repo.UpdateSubtask(ctx, st); err != nil {
		return err
	}
	return s.syncTaskStatus(ctx, st.TaskID)
}

// syncTaskStatus derives the task-status mirror from the latest assistant
// subtask.
func (s *Service) syncTaskStatus(ctx context.Context, taskID string) error {
	latest, err := s.repo.LatestAssistantSubtask(ctx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	status := models.TaskStatus{UpdatedAt: now}
	switch latest.Status {
	case models.StatusRunning:
		status.Status = models.StatusRunning
		status.Progress = latest.Progress
	case models.StatusCompleted:
		status.Status = models.StatusCompleted
		status.Progress = 100
		status.CompletedAt = &now
		status.Result = latest.Result
	case models.StatusFailed:
		status.Status = models.StatusFailed
		status.ErrorMessage = latest.ErrorMessage
	default:
		status.Status = latest.Status
		status.Progress = latest.Progress
	}
	if err := s.repo.UpdateTaskStatus(ctx, taskID, status); err != nil {
		return err
	}
	if s.onStatus != nil {
		s.onStatus(ctx, taskID, status)
	}
	return nil
}

// ResetForRetry implements same-ID retry: verify the assistant subtask is
// failed, resolve the triggering user turn via parent_id, and reset the same
// row to PENDING with result and error cleared. No new subtask is created.
func (s *Service) ResetForRetry(ctx context.Context, taskID, subtaskID string) (*Turn, error) {
	assistant, err := s.repo.GetSubtask(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	if assistant.Role != models.RoleAssistant {
		return nil, ErrNotAssistant
	}
	if assistant.Status != models.StatusFailed {
		return nil, ErrNotRetryable
	}

	user, err := s.repo.UserSubtaskByMessageID(ctx, taskID, assistant.ParentID)
	if err != nil {
		return nil, fmt.Errorf("resolve triggering user subtask: %w", err)
	}

	assistant.Status = models.StatusPending
	assistant.Result = nil
	assistant.ErrorMessage = ""
	assistant.Progress = 0
	assistant.CompletedAt = nil
	if err := s.repo.UpdateSubtask(ctx, assistant); err != nil {
		return nil, err
	}
	return &Turn{User: user, Assistant: assistant}, nil
}

// HistorySince returns subtasks with message_id greater than the watermark,
// ascending (history:sync).
func (s *Service) HistorySince(ctx context.Context, taskID string, afterMessageID int64) ([]*models.Subtask, error) {
	return s.repo.ListSubtasksAfter(ctx, taskID, afterMessageID)
}
