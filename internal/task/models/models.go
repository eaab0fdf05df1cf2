// Package models defines the persisted task and subtask records.
package models

import (
	"time"

	"github.com/weibocom/agentflow/internal/event"
)

// SubtaskStatus is the lifecycle state of one conversation turn.
type SubtaskStatus string

const (
	StatusPending   SubtaskStatus = "pending"
	StatusRunning   SubtaskStatus = "running"
	StatusCompleted SubtaskStatus = "completed"
	StatusFailed    SubtaskStatus = "failed"
	StatusCancelled SubtaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
// Retry resets the same subtask back to pending rather than creating a
// new row (same-ID retry).
func (s SubtaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Role distinguishes user turns from assistant turns.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Subtask is one turn in a conversation. message_id is monotonic per task;
// an assistant subtask's ParentID is the message_id of the user subtask that
// triggered it (not the user's row id), which is load-bearing for retry.
type Subtask struct {
	ID                string         `json:"id"`
	TaskID            string         `json:"task_id"`
	MessageID         int64          `json:"message_id"`
	Role              Role           `json:"role"`
	Status            SubtaskStatus  `json:"status"`
	Result            event.Result   `json:"result,omitempty"`
	Progress          int            `json:"progress,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	ExecutorName      string         `json:"executor_name,omitempty"`
	ExecutorNamespace string         `json:"executor_namespace,omitempty"`
	Prompt            string         `json:"prompt,omitempty"`
	ParentID          int64          `json:"parent_id,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	BotIDs            []string       `json:"bot_ids,omitempty"`
	TeamID            string         `json:"team_id,omitempty"`
	UserID            string         `json:"user_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// TaskStatus mirrors the latest assistant subtask on the task row.
type TaskStatus struct {
	Status       SubtaskStatus `json:"status,omitempty"`
	Progress     int           `json:"progress,omitempty"`
	Result       event.Result  `json:"result,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt,omitempty"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
}

// TaskSpec is the user-authored part of the task document.
type TaskSpec struct {
	Title       string `json:"title,omitempty"`
	TeamID      string `json:"team_id,omitempty"`
	ModelID     string `json:"model_id,omitempty"`
	IsGroupChat bool   `json:"is_group_chat,omitempty"`
}

// Task is the conversation container. The spec/status/labels document is
// persisted as one JSON column (CRD-like layout).
type Task struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	UserID    string            `json:"user_id"`
	Spec      TaskSpec          `json:"spec"`
	Status    TaskStatus        `json:"status"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Task label keys consulted by the request builder.
const (
	LabelForceOverrideBotModel = "forceOverrideBotModel"
	LabelModelID               = "modelId"
	LabelAdditionalSkills      = "additionalSkills"
	LabelTaskType              = "taskType"
)

// KindTask is the document kind for conversation containers.
const KindTask = "Task"
