package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, int64(50<<20), cfg.API.MaxUploadBytes)
	assert.Equal(t, DispatchLocal, cfg.API.Dispatch)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, 120*time.Second, cfg.Worker.Timeout)
	assert.Equal(t, "python3", cfg.Worker.Command)
	assert.Equal(t, []string{"scripts/convert_pdf.py"}, cfg.Worker.Args)
	assert.Equal(t, 24*time.Hour, cfg.Store.RetentionTTL)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("MDFLOW_API_ADDR", ":9999")
	t.Setenv("MDFLOW_STORE", "SQLite")
	t.Setenv("WORKER_TIMEOUT", "45s")
	t.Setenv("WORKER_ARGS", "-m  mdconvert.cli")
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_REQUESTS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.API.Addr)
	assert.Equal(t, StoreSQLite, cfg.Store.Backend)
	assert.Equal(t, 45*time.Second, cfg.Worker.Timeout)
	assert.Equal(t, []string{"-m", "mdconvert.cli"}, cfg.Worker.Args)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 5, cfg.RateLimit.Requests)
}

func TestLoadConfigFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mdflow.yaml"), []byte("worker_command: /usr/local/bin/pdf2md\nmdflow_max_upload_bytes: 1024\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/pdf2md", cfg.Worker.Command)
	assert.Equal(t, int64(1024), cfg.API.MaxUploadBytes)
}

func TestLoadRejectsQueueWithMemoryStore(t *testing.T) {
	chdirTemp(t)
	t.Setenv("MDFLOW_DISPATCH", "queue")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared store")
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Config{
		API:    APIConfig{Dispatch: "carrier-pigeon"},
		Store:  StoreConfig{Backend: "memory"},
		Worker: WorkerConfig{Command: "", Timeout: 0, MaxActiveJobs: 0},
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"MDFLOW_DISPATCH", "MDFLOW_MAX_UPLOAD_BYTES", "WORKER_COMMAND", "WORKER_TIMEOUT", "WORKER_MAX_ACTIVE_JOBS"} {
		assert.Contains(t, err.Error(), want)
	}
}
