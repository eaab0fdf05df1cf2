package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weibocom/agentflow/internal/event"
)

// QueueClass separates interactive work from time-gated batch work.
type QueueClass string

const (
	QueueOnline  QueueClass = "online"
	QueueOffline QueueClass = "offline"
)

// EnqueueTask pushes a request onto a task queue (LPUSH; consumers BRPOP, so
// the list behaves FIFO).
func (s *Store) EnqueueTask(ctx context.Context, class QueueClass, pool string, req *event.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal queued request: %w", err)
	}
	return s.rdb.LPush(ctx, queueKey(class, pool), data).Err()
}

// DequeueTask blocks up to the given duration for the next request. Returns
// nil without error on timeout.
func (s *Store) DequeueTask(ctx context.Context, class QueueClass, pool string, block time.Duration) (*event.Request, error) {
	res, err := s.rdb.BRPop(ctx, block, queueKey(class, pool)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected brpop reply length %d", len(res))
	}
	req, err := event.ParseRequest([]byte(res[1]))
	if err != nil {
		return nil, fmt.Errorf("decode queued request: %w", err)
	}
	return req, nil
}

// QueueLength returns the number of waiting requests.
func (s *Store) QueueLength(ctx context.Context, class QueueClass, pool string) (int64, error) {
	return s.rdb.LLen(ctx, queueKey(class, pool)).Result()
}
