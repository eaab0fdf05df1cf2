package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weibocom/agentflow/internal/task/models"
)

// MemoryRepository provides in-memory storage for tests and single-process
// development runs.
type MemoryRepository struct {
	tasks    map[string]*models.Task
	subtasks map[string]*models.Subtask
	shares   map[string]map[string]bool
	members  map[string]map[string]bool // only active members recorded
	mu       sync.RWMutex
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		tasks:    make(map[string]*models.Task),
		subtasks: make(map[string]*models.Subtask),
		shares:   make(map[string]map[string]bool),
		members:  make(map[string]map[string]bool),
	}
}

// Close is a no-op.
func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) CreateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Kind == "" {
		task.Kind = models.KindTask
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (r *MemoryRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	task.UpdatedAt = time.Now().UTC()
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) ShareTask(ctx context.Context, taskID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shares[taskID] == nil {
		r.shares[taskID] = make(map[string]bool)
	}
	r.shares[taskID][userID] = true
	return nil
}

func (r *MemoryRepository) AddMember(ctx context.Context, taskID, userID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[taskID] == nil {
		r.members[taskID] = make(map[string]bool)
	}
	r.members[taskID][userID] = active
	return nil
}

func (r *MemoryRepository) HasAccess(ctx context.Context, taskID, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if task, ok := r.tasks[taskID]; ok && task.UserID == userID {
		return true, nil
	}
	if r.shares[taskID][userID] {
		return true, nil
	}
	if active, ok := r.members[taskID][userID]; ok && active {
		return true, nil
	}
	return false, nil
}

func (r *MemoryRepository) MemberIDs(ctx context.Context, taskID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if task, ok := r.tasks[taskID]; ok {
		add(task.UserID)
	}
	for id := range r.shares[taskID] {
		add(id)
	}
	for id, active := range r.members[taskID] {
		if active {
			add(id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRepository) CreateSubtask(ctx context.Context, subtask *models.Subtask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subtask.ID == "" {
		subtask.ID = uuid.New().String()
	}
	if subtask.Status == "" {
		subtask.Status = models.StatusPending
	}
	now := time.Now().UTC()
	subtask.CreatedAt = now
	subtask.UpdatedAt = now
	cp := *subtask
	r.subtasks[subtask.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetSubtask(ctx context.Context, id string) (*models.Subtask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.subtasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (r *MemoryRepository) UpdateSubtask(ctx context.Context, subtask *models.Subtask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subtasks[subtask.ID]; !ok {
		return ErrNotFound
	}
	subtask.UpdatedAt = time.Now().UTC()
	cp := *subtask
	r.subtasks[subtask.ID] = &cp
	return nil
}

func (r *MemoryRepository) ListSubtasks(ctx context.Context, taskID string) ([]*models.Subtask, error) {
	return r.ListSubtasksAfter(ctx, taskID, 0)
}

func (r *MemoryRepository) ListSubtasksAfter(ctx context.Context, taskID string, afterMessageID int64) ([]*models.Subtask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*models.Subtask
	for _, st := range r.subtasks {
		if st.TaskID == taskID && st.MessageID > afterMessageID {
			cp := *st
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].MessageID != result[j].MessageID {
			return result[i].MessageID < result[j].MessageID
		}
		// user turn before the assistant turn of the same message id
		return result[i].Role == models.RoleUser && result[j].Role == models.RoleAssistant
	})
	return result, nil
}

func (r *MemoryRepository) NextMessageID(ctx context.Context, taskID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max int64
	for _, st := range r.subtasks {
		if st.TaskID == taskID && st.MessageID > max {
			max = st.MessageID
		}
	}
	return max + 1, nil
}

func (r *MemoryRepository) LatestAssistantSubtask(ctx context.Context, taskID string) (*models.Subtask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *models.Subtask
	for _, st := range r.subtasks {
		if st.TaskID == taskID && st.Role == models.RoleAssistant {
			if latest == nil || st.MessageID > latest.MessageID {
				latest = st
			}
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *MemoryRepository) UserSubtaskByMessageID(ctx context.Context, taskID string, messageID int64) (*models.Subtask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.subtasks {
		if st.TaskID == taskID && st.Role == models.RoleUser && st.MessageID == messageID {
			cp := *st
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) CountAssistantSubtasks(ctx context.Context, taskID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, st := range r.subtasks {
		if st.TaskID == taskID && st.Role == models.RoleAssistant {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) PendingAssistantSubtasks(ctx context.Context, limit int) ([]*models.Subtask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*models.Subtask
	for _, st := range r.subtasks {
		if st.Role == models.RoleAssistant && st.Status == models.StatusPending {
			cp := *st
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].MessageID < result[j].MessageID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryRepository) RunningSubtasksByExecutor(ctx context.Context, executorName string) ([]*models.Subtask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*models.Subtask
	for _, st := range r.subtasks {
		if st.ExecutorName == executorName && st.Status == models.StatusRunning {
			cp := *st
			result = append(result, &cp)
		}
	}
	return result, nil
}
