package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(New())
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Version)
	assert.Equal(t, "labrun.db", cfg.StorePath)
	assert.Equal(t, filepath.Join(".labrun", "local"), cfg.LocalDir)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, time.Second, cfg.WriterDelay)
	assert.Equal(t, 5*time.Second, cfg.WriterMaxWait)
	assert.Equal(t, 10*time.Second, cfg.WriterFlushTimeout)
	assert.Equal(t, time.Minute, cfg.CacheRefresh)
	assert.Equal(t, "https://api.prolific.com/api/v1", cfg.Prolific.BaseURL)
	assert.Equal(t, 5, cfg.Prolific.PageSize)
	assert.Equal(t, 2*time.Second, cfg.Prolific.StatusTimeout)
	assert.Equal(t, ":3000", cfg.ServerAddr)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "labrun.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
version: v2.1
writer:
  delay: 250ms
  max_wait: 2s
prolific:
  project_id: project-0123456789
  base_url: https://example.test/api/v1/
server:
  addr: 127.0.0.1:8080
`), 0o644))
	t.Setenv("LABRUN_SERVER_ADDR", ":9999")
	t.Setenv("LABRUN_PROLIFIC_TOKEN", "secret-token")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, file, cfg.File)
	assert.Equal(t, "v2.1", cfg.Version)
	assert.Equal(t, 250*time.Millisecond, cfg.WriterDelay)
	assert.Equal(t, 2*time.Second, cfg.WriterMaxWait)
	assert.Equal(t, "project-0123456789", cfg.Prolific.ProjectID)
	assert.Equal(t, "https://example.test/api/v1", cfg.Prolific.BaseURL)
	assert.Equal(t, "secret-token", cfg.Prolific.Token)
	assert.Equal(t, ":9999", cfg.ServerAddr, "environment beats file")
	assert.Equal(t, "labrun.db", cfg.StorePath, "unset keys keep defaults")
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err, "an explicit file must exist")

	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err, "no labrun.yaml in the working directory is fine")
	assert.Empty(t, cfg.File)
}

func TestValidate(t *testing.T) {
	v := New()
	v.Set(KeyWriterDelay, 3*time.Second)
	v.Set(KeyWriterMaxWait, time.Second)
	v.Set(KeyProlificPageSize, 0)

	_, err := FromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), KeyWriterMaxWait)
	assert.Contains(t, err.Error(), KeyProlificPageSize)
}
