package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weibocom/agentflow/internal/event"
	"github.com/weibocom/agentflow/internal/task/models"
)

const subtaskColumns = `id, task_id, message_id, role, status, result, progress,
	error_message, executor_name, executor_namespace, prompt, parent_id,
	metadata, bot_ids, team_id, user_id, created_at, updated_at, completed_at`

// CreateSubtask inserts a subtask row.
func (r *SQLRepository) CreateSubtask(ctx context.Context, subtask *models.Subtask) error {
	if subtask.ID == "" {
		subtask.ID = uuid.New().String()
	}
	if subtask.Status == "" {
		subtask.Status = models.StatusPending
	}
	now := time.Now().UTC()
	subtask.CreatedAt = now
	subtask.UpdatedAt = now

	resultJSON, metadataJSON, botIDsJSON, err := encodeSubtaskJSON(subtask)
	if err != nil {
		return err
	}
	_, err = r.writer().ExecContext(ctx, r.writer().Rebind(`
		INSERT INTO subtasks (`+subtaskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		subtask.ID, subtask.TaskID, subtask.MessageID, subtask.Role, subtask.Status,
		resultJSON, subtask.Progress, subtask.ErrorMessage, subtask.ExecutorName,
		subtask.ExecutorNamespace, subtask.Prompt, subtask.ParentID, metadataJSON,
		botIDsJSON, subtask.TeamID, subtask.UserID, subtask.CreatedAt,
		subtask.UpdatedAt, subtask.CompletedAt,
	)
	return err
}

// GetSubtask retrieves a subtask by id.
func (r *SQLRepository) GetSubtask(ctx context.Context, id string) (*models.Subtask, error) {
	row := r.reader().QueryRowContext(ctx, r.reader().Rebind(`
		SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?
	`), id)
	return scanSubtask(row)
}

// UpdateSubtask rewrites a subtask row.
func (r *SQLRepository) UpdateSubtask(ctx context.Context, subtask *models.Subtask) error {
	subtask.UpdatedAt = time.Now().UTC()

	resultJSON, metadataJSON, botIDsJSON, err := encodeSubtaskJSON(subtask)
	if err != nil {
		return err
	}
	res, err := r.writer().ExecContext(ctx, r.writer().Rebind(`
		UPDATE subtasks SET status = ?, result = ?, progress = ?, error_message = ?,
			executor_name = ?, executor_namespace = ?, prompt = ?, parent_id = ?,
			metadata = ?, bot_ids = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`),
		subtask.Status, resultJSON, subtask.Progress, subtask.ErrorMessage,
		subtask.ExecutorName, subtask.ExecutorNamespace, subtask.Prompt,
		subtask.ParentID, metadataJSON, botIDsJSON, subtask.UpdatedAt,
		subtask.CompletedAt, subtask.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListSubtasks returns every turn of a task in message order.
func (r *SQLRepository) ListSubtasks(ctx context.Context, taskID string) ([]*models.Subtask, error) {
	return r.listSubtasks(ctx, `
		SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ?
		ORDER BY message_id ASC, role DESC
	`, taskID)
}

// ListSubtasksAfter returns turns with message_id > afterMessageID ascending
// (history:sync).
func (r *SQLRepository) ListSubtasksAfter(ctx context.Context, taskID string, afterMessageID int64) ([]*models.Subtask, error) {
	return r.listSubtasks(ctx, `
		SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ? AND message_id > ?
		ORDER BY message_id ASC, role DESC
	`, taskID, afterMessageID)
}

// NextMessageID allocates the next message id on the writer connection so
// concurrent turns in a task serialize.
func (r *SQLRepository) NextMessageID(ctx context.Context, taskID string) (int64, error) {
	var next int64
	err := r.writer().QueryRowContext(ctx, r.writer().Rebind(`
		SELECT COALESCE(MAX(message_id), 0) + 1 FROM subtasks WHERE task_id = ?
	`), taskID).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// LatestAssistantSubtask returns the assistant turn with the highest message id.
func (r *SQLRepository) LatestAssistantSubtask(ctx context.Context, taskID string) (*models.Subtask, error) {
	row := r.reader().QueryRowContext(ctx, r.reader().Rebind(`
		SELECT `+subtaskColumns+` FROM subtasks
		WHERE task_id = ? AND role = ?
		ORDER BY message_id DESC LIMIT 1
	`), taskID, models.RoleAssistant)
	return scanSubtask(row)
}

// UserSubtaskByMessageID resolves a user turn by its message id.
func (r *SQLRepository) UserSubtaskByMessageID(ctx context.Context, taskID string, messageID int64) (*models.Subtask, error) {
	row := r.reader().QueryRowContext(ctx, r.reader().Rebind(`
		SELECT `+subtaskColumns+` FROM subtasks
		WHERE task_id = ? AND message_id = ? AND role = ?
	`), taskID, messageID, models.RoleUser)
	return scanSubtask(row)
}

// CountAssistantSubtasks returns the number of assistant turns in a task.
func (r *SQLRepository) CountAssistantSubtasks(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.reader().QueryRowContext(ctx, r.reader().Rebind(`
		SELECT COUNT(1) FROM subtasks WHERE task_id = ? AND role = ?
	`), taskID, models.RoleAssistant).Scan(&n)
	return n, err
}

// PendingAssistantSubtasks lists PENDING assistant turns oldest first.
func (r *SQLRepository) PendingAssistantSubtasks(ctx context.Context, limit int) ([]*models.Subtask, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listSubtasks(ctx, `
		SELECT `+subtaskColumns+` FROM subtasks WHERE role = ? AND status = ?
		ORDER BY created_at ASC, message_id ASC LIMIT ?
	`, models.RoleAssistant, models.StatusPending, limit)
}

// RunningSubtasksByExecutor lists RUNNING subtasks bound to an executor.
func (r *SQLRepository) RunningSubtasksByExecutor(ctx context.Context, executorName string) ([]*models.Subtask, error) {
	return r.listSubtasks(ctx, `
		SELECT `+subtaskColumns+` FROM subtasks WHERE executor_name = ? AND status = ?
	`, executorName, models.StatusRunning)
}

func (r *SQLRepository) listSubtasks(ctx context.Context, query string, args ...any) ([]*models.Subtask, error) {
	rows, err := r.reader().QueryContext(ctx, r.reader().Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func encodeSubtaskJSON(subtask *models.Subtask) (result, metadata, botIDs sql.NullString, err error) {
	if subtask.Result != nil {
		data, merr := json.Marshal(subtask.Result)
		if merr != nil {
			return result, metadata, botIDs, fmt.Errorf("marshal subtask result: %w", merr)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}
	if subtask.Metadata != nil {
		data, merr := json.Marshal(subtask.Metadata)
		if merr != nil {
			return result, metadata, botIDs, fmt.Errorf("marshal subtask metadata: %w", merr)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}
	if subtask.BotIDs != nil {
		data, merr := json.Marshal(subtask.BotIDs)
		if merr != nil {
			return result, metadata, botIDs, fmt.Errorf("marshal subtask bot ids: %w", merr)
		}
		botIDs = sql.NullString{String: string(data), Valid: true}
	}
	return result, metadata, botIDs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubtask(row rowScanner) (*models.Subtask, error) {
	st := &models.Subtask{}
	var resultJSON, metadataJSON, botIDsJSON sql.NullString
	err := row.Scan(
		&st.ID, &st.TaskID, &st.MessageID, &st.Role, &st.Status, &resultJSON,
		&st.Progress, &st.ErrorMessage, &st.ExecutorName, &st.ExecutorNamespace,
		&st.Prompt, &st.ParentID, &metadataJSON, &botIDsJSON, &st.TeamID,
		&st.UserID, &st.CreatedAt, &st.UpdatedAt, &st.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var res event.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return nil, fmt.Errorf("unmarshal subtask result: %w", err)
		}
		st.Result = res
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &st.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal subtask metadata: %w", err)
		}
	}
	if botIDsJSON.Valid && botIDsJSON.String != "" {
		if err := json.Unmarshal([]byte(botIDsJSON.String), &st.BotIDs); err != nil {
			return nil, fmt.Errorf("unmarshal subtask bot ids: %w", err)
		}
	}
	return st, nil
}
