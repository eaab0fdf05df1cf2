package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weibocom/agentflow/internal/common/config"
	"github.com/weibocom/agentflow/internal/common/logger"
)

func TestProvideSQLite(t *testing.T) {
	cfg := config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "agentflow.db"),
	}
	pool, cleanup, err := Provide(cfg, logger.Default())
	require.NoError(t, err)
	defer func() { require.NoError(t, cleanup()) }()

	require.NoError(t, pool.Writer().Ping())
	require.NoError(t, pool.Reader().Ping())
	assert.NotSame(t, pool.Writer(), pool.Reader())
}

func TestProvideUnknownDriver(t *testing.T) {
	_, _, err := Provide(config.DatabaseConfig{Driver: "oracle"}, logger.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestExpandHome(t *testing.T) {
	assert.Equal(t, "/tmp/x.db", expandHome("/tmp/x.db"))
	expanded := expandHome("~/x.db")
	assert.NotContains(t, expanded, "~")
	assert.Contains(t, expanded, "x.db")
}
