package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
	assert.Equal(t, "gin", cfg.Server.Engine)
	assert.Equal(t, 5*time.Second, cfg.Capture.Grace)
	assert.Equal(t, 24*time.Hour, cfg.Capture.UnlimitedTimeout)
	assert.Equal(t, 5*time.Second, cfg.Capture.ListTimeout)
	assert.Equal(t, 64<<10, cfg.Capture.DiagLimitBytes)
	assert.Equal(t, filepath.Join("public", ".captures.json"), cfg.Capture.RegistryPath())
	assert.Equal(t, "public", cfg.Capture.StopDirectory())
	assert.Equal(t, 10, cfg.Log.File.MaxSizeMB)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "capturectl.toml", `
[server]
listen = ":9090"
engine = "echo"

[capture]
public_dir = "out"
worker = "/opt/worker"
grace = "2s"
unlimited_timeout = "1h"
diag_limit_bytes = 4096
stop_dir = "/run/capturectl"

[log]
level = "debug"
format = "json"
  [log.file]
  dir = "/var/log/capturectl"
  max_backups = 9

[history]
enabled = true
dsn = ["sqlite:///tmp/h.db", "opensearch://localhost:9200/captures"]
`)
	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "echo", cfg.Server.Engine)
	assert.Equal(t, filepath.Join(dir, "out"), cfg.Capture.PublicDir)
	assert.Equal(t, "/opt/worker", cfg.Capture.Worker)
	assert.Equal(t, 2*time.Second, cfg.Capture.Grace)
	assert.Equal(t, time.Hour, cfg.Capture.UnlimitedTimeout)
	assert.Equal(t, 4096, cfg.Capture.DiagLimitBytes)
	assert.Equal(t, "/run/capturectl", cfg.Capture.StopDirectory())
	assert.Equal(t, filepath.Join(dir, "out", ".captures.json"), cfg.Capture.RegistryPath())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/log/capturectl", cfg.Log.File.Dir)
	assert.Equal(t, 9, cfg.Log.File.MaxBackups)
	assert.Equal(t, 10, cfg.Log.File.MaxSizeMB)
	assert.True(t, cfg.History.Enabled)
	assert.Len(t, cfg.History.DSN, 2)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAPTURECTL_SERVER_LISTEN", "0.0.0.0:7000")
	t.Setenv("CAPTURECTL_CAPTURE_GRACE", "750ms")
	dir := t.TempDir()
	file := writeFile(t, dir, "c.toml", "[server]\nlisten = \":1\"\n")
	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7000", cfg.Server.Listen)
	assert.Equal(t, 750*time.Millisecond, cfg.Capture.Grace)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.toml", "[server]\nengine = \"nginx\"\n")
	_, err = Load(bad)
	assert.ErrorContains(t, err, "server.engine")

	neg := writeFile(t, dir, "neg.toml", "[capture]\ngrace = \"-1s\"\n")
	_, err = Load(neg)
	assert.Error(t, err)
}

func TestWorkerEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, "worker.env", "# comment\nA=1\n\nB = two\nBROKEN\n")
	c := CaptureConfig{EnvFiles: []string{envFile}, Env: []string{"B=override", "C=3", "=skip"}}
	env, err := c.WorkerEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=override", "C=3"}, env)

	c.EnvFiles = append(c.EnvFiles, filepath.Join(dir, "nope.env"))
	_, err = c.WorkerEnv()
	assert.Error(t, err)
}
