package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "migrations", cfg.Postgres.MigrationsDir)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, uint32(256), cfg.Engine.SettleChunkSize)
	assert.Equal(t, 50, cfg.Persist.BatchSize)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
postgres:
  dsn: postgres://test@db:5432/escrow
engine:
  settle_chunk_size: 64
  persist_chan_size: 16
http:
  addr: ":9999"
  rate_limit: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://test@db:5432/escrow", cfg.Postgres.DSN)
	assert.Equal(t, uint32(64), cfg.Engine.SettleChunkSize)
	assert.Equal(t, 16, cfg.Engine.PersistChanSize)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, 5.0, cfg.HTTP.RateLimit)
	// Unset keys still fall back.
	assert.Equal(t, 2048, cfg.Engine.ProjectionChanSize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nats:\n  url: nats://file:4222\n"), 0o644))

	t.Setenv("ESCROW_NATS_URL", "nats://env:4222")
	t.Setenv("ESCROW_SETTLE_CHUNK_SIZE", "32")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, uint32(32), cfg.Engine.SettleChunkSize)
}

func TestLoad_MissingFile_Fails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}
