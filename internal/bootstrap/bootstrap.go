// Package bootstrap runs the one-time startup work: shared migrations and
// the resource seed. A Redis lock elects one replica to do the shared steps;
// the others wait for the completion marker.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/resource"
	"github.com/weibocom/agentflow/internal/store"
)

// Config tunes the startup sequence.
type Config struct {
	// SeedPath is the YAML resource seed; empty skips seeding.
	SeedPath string
	// LockTTL bounds how long a crashed leader blocks the others.
	LockTTL time.Duration
	// DoneTTL is the lifetime of the completion marker. Zero never expires.
	DoneTTL time.Duration
	// WaitTimeout is how long a follower waits for the leader to finish.
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
}

// Run executes startup. migrate holds the cluster-shared steps (schema
// migrations); it runs on exactly one replica per DoneTTL window. The YAML
// seed loads on every replica since the resource store is in-process.
func Run(ctx context.Context, cfg Config, state *store.Store, resources *resource.Store, migrate func(context.Context) error, log *logger.Logger) error {
	cfg.applyDefaults()
	logger := log.WithFields(zap.String("component", "bootstrap"))

	if cfg.SeedPath != "" {
		if err := resources.LoadFile(cfg.SeedPath); err != nil {
			return fmt.Errorf("load resource seed: %w", err)
		}
		logger.Info("resource seed loaded", zap.String("path", cfg.SeedPath))
	}

	done, err := state.GetFlag(ctx, store.StartupDoneKey)
	if err != nil {
		return fmt.Errorf("read startup marker: %w", err)
	}
	if done != "" {
		return nil
	}

	locked, err := state.AcquireLock(ctx, store.StartupLockKey, cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire startup lock: %w", err)
	}
	if !locked {
		return waitForLeader(ctx, cfg, state, logger)
	}

	defer func() {
		if err := state.ReleaseLock(ctx, store.StartupLockKey); err != nil {
			logger.Debug("startup lock release failed", zap.Error(err))
		}
	}()

	if migrate != nil {
		if err := migrate(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	if err := state.SetFlag(ctx, store.StartupDoneKey, "1", cfg.DoneTTL); err != nil {
		return fmt.Errorf("write startup marker: %w", err)
	}
	logger.Info("startup bootstrap completed")
	return nil
}

// waitForLeader polls the completion marker until it appears.
func waitForLeader(ctx context.Context, cfg Config, state *store.Store, log *logger.Logger) error {
	log.Info("another replica is bootstrapping, waiting")
	deadline := time.Now().Add(cfg.WaitTimeout)
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := state.GetFlag(ctx, store.StartupDoneKey)
			if err != nil {
				return fmt.Errorf("read startup marker: %w", err)
			}
			if done != "" {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("startup leader did not finish within %s", cfg.WaitTimeout)
			}
		}
	}
}
