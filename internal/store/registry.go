package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunningTask is the registry record for a task currently assigned to a
// container worker. The heartbeat checker iterates these.
type RunningTask struct {
	TaskID       string    `redis:"task_id" json:"task_id"`
	SubtaskID    string    `redis:"subtask_id" json:"subtask_id"`
	ExecutorName string    `redis:"executor_name" json:"executor_name"`
	TaskType     string    `redis:"task_type" json:"task_type"`
	StartedAt    time.Time `redis:"-" json:"started_at"`
}

// AddRunningTask registers a worker in the sorted set (score = start time)
// and writes its metadata hash.
func (s *Store) AddRunningTask(ctx context.Context, rt RunningTask) error {
	if rt.StartedAt.IsZero() {
		rt.StartedAt = time.Now().UTC()
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, runningTasksKey, redis.Z{
		Score:  float64(rt.StartedAt.Unix()),
		Member: rt.TaskID,
	})
	pipe.HSet(ctx, runningMetaKey(rt.TaskID), map[string]any{
		"task_id":       rt.TaskID,
		"subtask_id":    rt.SubtaskID,
		"executor_name": rt.ExecutorName,
		"task_type":     rt.TaskType,
	})
	pipe.Expire(ctx, runningMetaKey(rt.TaskID), s.cfg.RunningMetaTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveRunningTask drops the worker from the registry.
func (s *Store) RemoveRunningTask(ctx context.Context, taskID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, runningTasksKey, taskID)
	pipe.Del(ctx, runningMetaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// RunningTasks returns every registered worker with its start time.
func (s *Store) RunningTasks(ctx context.Context) ([]RunningTask, error) {
	entries, err := s.rdb.ZRangeWithScores(ctx, runningTasksKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]RunningTask, 0, len(entries))
	for _, entry := range entries {
		taskID, _ := entry.Member.(string)
		if taskID == "" {
			continue
		}
		meta, err := s.rdb.HGetAll(ctx, runningMetaKey(taskID)).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		rt := RunningTask{
			TaskID:       taskID,
			SubtaskID:    meta["subtask_id"],
			ExecutorName: meta["executor_name"],
			TaskType:     meta["task_type"],
			StartedAt:    time.Unix(int64(entry.Score), 0).UTC(),
		}
		tasks = append(tasks, rt)
	}
	return tasks, nil
}

// TouchHeartbeat refreshes the worker's liveness timestamp. Workers call
// this through the callback API on a short interval; the TTL outlives the
// interval by a small margin.
func (s *Store) TouchHeartbeat(ctx context.Context, taskID string) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return s.rdb.Set(ctx, heartbeatKey(taskID), ts, s.cfg.HeartbeatTTL).Err()
}

// HeartbeatAt returns the worker's last heartbeat time. ok is false when the
// key has expired or was never written.
func (s *Store) HeartbeatAt(ctx context.Context, taskID string) (time.Time, bool, error) {
	v, err := s.rdb.Get(ctx, heartbeatKey(taskID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	unix, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(unix, 0).UTC(), true, nil
}

// DeleteHeartbeat removes the liveness key after a worker is reaped.
func (s *Store) DeleteHeartbeat(ctx context.Context, taskID string) error {
	return s.rdb.Del(ctx, heartbeatKey(taskID)).Err()
}
