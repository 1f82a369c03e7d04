package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":3000", cfg.ListenAddr)
	assert.Equal(t, 128, cfg.MaxConcurrentRequests)
	assert.Equal(t, 1000, cfg.MaxInputLength)
	assert.Equal(t, 32, cfg.MaxBatchSize)
	assert.Equal(t, 20, cfg.MaxWaitingTokens)
	assert.Equal(t, 2, cfg.ValidationWorkers)
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	// GIVEN a config file setting only a few fields
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen_addr: \":8080\"\nmax_batch_size: 4\nshard_addrs: [\"shard-0:50051\", \"shard-1:50051\"]\n"), 0o644))

	// WHEN it is loaded
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// THEN the file values override the defaults and the rest survive
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.MaxBatchSize)
	assert.Equal(t, []string{"shard-0:50051", "shard-1:50051"}, cfg.ShardAddrs)
	assert.Equal(t, 20, cfg.MaxWaitingTokens)
	assert.Equal(t, 128, cfg.MaxConcurrentRequests)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
