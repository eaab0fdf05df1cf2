// Package store provides the Redis-backed state layer: session history,
// streaming replay cache, cancellation flags, heartbeats, the running-task
// registry, distributed locks, and the push-mode task queues.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
)

// Config holds TTLs and limits for the state layer.
type Config struct {
	HistoryTTL         time.Duration
	HistoryMaxMessages int
	StreamingTTL       time.Duration
	CancelTTL          time.Duration
	TaskStreamingTTL   time.Duration
	HeartbeatTTL       time.Duration
	RunningMetaTTL     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HistoryTTL:         24 * time.Hour,
		HistoryMaxMessages: 50,
		StreamingTTL:       10 * time.Minute,
		CancelTTL:          5 * time.Minute,
		TaskStreamingTTL:   time.Hour,
		HeartbeatTTL:       20 * time.Second,
		RunningMetaTTL:     24 * time.Hour,
	}
}

// Store wraps a Redis client with the key layout used by the control plane.
type Store struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *logger.Logger
}

// New creates a Store on top of an existing Redis client.
func New(rdb redis.UniversalClient, cfg Config, log *logger.Logger) *Store {
	if cfg.HistoryMaxMessages <= 0 {
		cfg.HistoryMaxMessages = DefaultConfig().HistoryMaxMessages
	}
	return &Store{
		rdb:    rdb,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "store")),
	}
}

// Client exposes the underlying Redis client for collaborators that need
// raw access (pub/sub subscriptions).
func (s *Store) Client() redis.UniversalClient { return s.rdb }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// AcquireLock takes a distributed lock via SET NX. Returns true when this
// caller owns the lock for the TTL.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}

// ReleaseLock drops a lock early.
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// SetFlag writes a marker key with a TTL (zero TTL means no expiry).
func (s *Store) SetFlag(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// GetFlag reads a marker key; empty string when absent.
func (s *Store) GetFlag(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}
