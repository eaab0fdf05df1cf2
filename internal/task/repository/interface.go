// Package repository provides storage backends for tasks and subtasks.
package repository

import (
	"context"
	"errors"

	"github.com/weibocom/agentflow/internal/task/models"
)

var (
	// ErrNotFound is returned when a task or subtask does not exist.
	ErrNotFound = errors.New("not found")
)

// Repository defines the storage operations the control plane needs.
type Repository interface {
	// Task operations
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error

	// Access: sharing and membership
	ShareTask(ctx context.Context, taskID, userID string) error
	AddMember(ctx context.Context, taskID, userID string, active bool) error
	HasAccess(ctx context.Context, taskID, userID string) (bool, error)
	MemberIDs(ctx context.Context, taskID string) ([]string, error)

	// Subtask operations
	CreateSubtask(ctx context.Context, subtask *models.Subtask) error
	GetSubtask(ctx context.Context, id string) (*models.Subtask, error)
	UpdateSubtask(ctx context.Context, subtask *models.Subtask) error
	ListSubtasks(ctx context.Context, taskID string) ([]*models.Subtask, error)
	ListSubtasksAfter(ctx context.Context, taskID string, afterMessageID int64) ([]*models.Subtask, error)

	// NextMessageID allocates the next monotonic message id for a task.
	NextMessageID(ctx context.Context, taskID string) (int64, error)

	// LatestAssistantSubtask returns the assistant subtask with the highest
	// message_id, or ErrNotFound when the task has none.
	LatestAssistantSubtask(ctx context.Context, taskID string) (*models.Subtask, error)

	// UserSubtaskByMessageID resolves the user turn with the given message id.
	UserSubtaskByMessageID(ctx context.Context, taskID string, messageID int64) (*models.Subtask, error)

	// CountAssistantSubtasks returns the number of assistant turns in a task
	// (pipeline index for team member selection).
	CountAssistantSubtasks(ctx context.Context, taskID string) (int, error)

	// RunningSubtasksByExecutor lists RUNNING subtasks owned by an executor
	// (device disconnect handling).
	RunningSubtasksByExecutor(ctx context.Context, executorName string) ([]*models.Subtask, error)

	// PendingAssistantSubtasks lists PENDING assistant turns oldest first,
	// up to limit (pull-mode draining).
	PendingAssistantSubtasks(ctx context.Context, limit int) ([]*models.Subtask, error)

	Close() error
}
