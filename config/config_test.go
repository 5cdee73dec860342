package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "./uploads", cfg.UploadRoot)
	assert.Equal(t, filepath.Join("./uploads", ".meta"), cfg.MetadataPath)
	assert.Equal(t, 50*time.Millisecond, cfg.LockWaitInitial)
	assert.Equal(t, time.Second, cfg.LockWaitMax)

	size, err := cfg.MaxChunkBytes()
	require.NoError(t, err)
	assert.EqualValues(t, 64*1024*1024, size)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
port: 9000
upload_root: /srv/uploads
max_chunk_size: 2MiB
compress_chunks: true
lock_wait_attempts: 4
lock_wait_initial: 5ms
`), 0644))
	t.Setenv("CHUNKDOCK_PORT", "9100")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "/srv/uploads", cfg.UploadRoot)
	assert.Equal(t, "/srv/uploads/.meta", cfg.MetadataPath)
	assert.True(t, cfg.CompressChunks)
	assert.Equal(t, 4, cfg.LockWaitAttempts)
	assert.Equal(t, 5*time.Millisecond, cfg.LockWaitInitial)
	assert.Equal(t, ":9100", cfg.Addr())

	size, err := cfg.MaxChunkBytes()
	require.NoError(t, err)
	assert.EqualValues(t, 2*1024*1024, size)
}

func TestLoadConfigRejectsBadSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("max_chunk_size: lots\n"), 0644))
	_, err := LoadConfig(dir)
	assert.Error(t, err)
}
