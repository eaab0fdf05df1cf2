package store

import (
	"context"
	"time"
)

// UpdateExecutionStatus records the terminal outcome of a subscription
// (background) run. The subtask row keeps the durable copy; this record
// is what the subscription consumers poll, and it expires with the
// running-meta TTL.
func (s *Store) UpdateExecutionStatus(ctx context.Context, executionID, status, summary string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, executionKey(executionID), map[string]any{
		"status":      status,
		"summary":     summary,
		"finished_at": time.Now().UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, executionKey(executionID), s.cfg.RunningMetaTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ExecutionStatus reads a recorded subscription outcome. Both values are
// empty when no outcome has been recorded.
func (s *Store) ExecutionStatus(ctx context.Context, executionID string) (status, summary string, err error) {
	meta, err := s.rdb.HGetAll(ctx, executionKey(executionID)).Result()
	if err != nil {
		return "", "", err
	}
	return meta["status"], meta["summary"], nil
}
