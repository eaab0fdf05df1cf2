package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/weibocom/agentflow/internal/db"
	"github.com/weibocom/agentflow/internal/db/dialect"
	"github.com/weibocom/agentflow/internal/task/models"
)

// SQLRepository stores tasks and subtasks via sqlx. It works against both
// SQLite and PostgreSQL through the db.Pool reader/writer split.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQL creates a repository on an existing pool and initializes the schema.
func NewSQL(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *SQLRepository) Close() error { return nil }

func (r *SQLRepository) writer() *sqlx.DB { return r.pool.Writer() }
func (r *SQLRepository) reader() *sqlx.DB { return r.pool.Reader() }

func (r *SQLRepository) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL DEFAULT 'Task',
			user_id TEXT NOT NULL,
			doc TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_shares (
			task_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (task_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS task_members (
			task_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (task_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS subtasks (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			message_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			progress INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			executor_name TEXT NOT NULL DEFAULT '',
			executor_namespace TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			parent_id INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			bot_ids TEXT,
			team_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_task_id ON subtasks(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_executor ON subtasks(executor_name, status)`,
		// at most one assistant subtask per (task_id, message_id)
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_subtasks_turn ON subtasks(task_id, message_id, role)`,
	}
	for _, stmt := range stmts {
		if _, err := r.writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// taskDoc is the JSON column layout: {spec, status, metadata: {labels}}.
type taskDoc struct {
	Spec     models.TaskSpec   `json:"spec"`
	Status   models.TaskStatus `json:"status"`
	Metadata struct {
		Labels map[string]string `json:"labels,omitempty"`
	} `json:"metadata"`
}

func encodeTaskDoc(task *models.Task) (string, error) {
	var doc taskDoc
	doc.Spec = task.Spec
	doc.Status = task.Status
	doc.Metadata.Labels = task.Labels
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal task doc: %w", err)
	}
	return string(data), nil
}

func decodeTaskDoc(task *models.Task, raw string) error {
	if raw == "" {
		return nil
	}
	var doc taskDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("unmarshal task doc: %w", err)
	}
	task.Spec = doc.Spec
	task.Status = doc.Status
	task.Labels = doc.Metadata.Labels
	return nil
}

// CreateTask inserts a task row.
func (r *SQLRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Kind == "" {
		task.Kind = models.KindTask
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	doc, err := encodeTaskDoc(task)
	if err != nil {
		return err
	}
	_, err = r.writer().ExecContext(ctx, r.writer().Rebind(`
		INSERT INTO tasks (id, kind, user_id, doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), task.ID, task.Kind, task.UserID, doc, task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by id.
func (r *SQLRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task := &models.Task{}
	var doc string
	err := r.reader().QueryRowContext(ctx, r.reader().Rebind(`
		SELECT id, kind, user_id, doc, created_at, updated_at FROM tasks WHERE id = ?
	`), id).Scan(&task.ID, &task.Kind, &task.UserID, &doc, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeTaskDoc(task, doc); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask rewrites the task document.
func (r *SQLRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()
	doc, err := encodeTaskDoc(task)
	if err != nil {
		return err
	}
	res, err := r.writer().ExecContext(ctx, r.writer().Rebind(`
		UPDATE tasks SET doc = ?, updated_at = ? WHERE id = ?
	`), doc, task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateTaskStatus rewrites only the status mirror inside the document.
func (r *SQLRepository) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	task, err := r.GetTask(ctx, id)
	if err != nil {
		return err
	}
	task.Status = status
	return r.UpdateTask(ctx, task)
}

// ShareTask grants another user access to the task.
func (r *SQLRepository) ShareTask(ctx context.Context, taskID, userID string) error {
	_, err := r.writer().ExecContext(ctx, r.writer().Rebind(`
		INSERT INTO task_shares (task_id, user_id) VALUES (?, ?)
		ON CONFLICT (task_id, user_id) DO NOTHING
	`), taskID, userID)
	return err
}

// AddMember records a room membership.
func (r *SQLRepository) AddMember(ctx context.Context, taskID, userID string, active bool) error {
	_, err := r.writer().ExecContext(ctx, r.writer().Rebind(`
		INSERT INTO task_members (task_id, user_id, active) VALUES (?, ?, ?)
		ON CONFLICT (task_id, user_id) DO UPDATE SET active = excluded.active
	`), taskID, userID, dialect.BoolToInt(active))
	return err
}

// HasAccess reports whether the user owns the task, received a share, or is
// an active member.
func (r *SQLRepository) HasAccess(ctx context.Context, taskID, userID string) (bool, error) {
	var n int
	err := r.reader().QueryRowContext(ctx, r.reader().Rebind(`
		SELECT COUNT(1) FROM (
			SELECT 1 FROM tasks WHERE id = ? AND user_id = ?
			UNION
			SELECT 1 FROM task_shares WHERE task_id = ? AND user_id = ?
			UNION
			SELECT 1 FROM task_members WHERE task_id = ? AND user_id = ? AND active = 1
		) AS access
	`), taskID, userID, taskID, userID, taskID, userID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemberIDs returns the owner plus every shared user and active member.
func (r *SQLRepository) MemberIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.reader().QueryContext(ctx, r.reader().Rebind(`
		SELECT user_id FROM tasks WHERE id = ?
		UNION
		SELECT user_id FROM task_shares WHERE task_id = ?
		UNION
		SELECT user_id FROM task_members WHERE task_id = ? AND active = 1
	`), taskID, taskID, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
