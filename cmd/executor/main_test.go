package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "executor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("project_name: demo\npoll_interval: 3\n"), 0o644))

	t.Setenv(configEnv, path)
	configPath = ""

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.ProjectName)
	assert.Equal(t, 3, cfg.PollInterval)
}

func TestLoadConfig_FlagWins(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "env.yaml")
	flagPath := filepath.Join(dir, "flag.json")
	require.NoError(t, os.WriteFile(envPath, []byte("project_name: from_env\n"), 0o644))
	require.NoError(t, os.WriteFile(flagPath, []byte(`{"project_name":"from_flag"}`), 0o644))

	t.Setenv(configEnv, envPath)
	configPath = flagPath
	t.Cleanup(func() { configPath = "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from_flag", cfg.ProjectName)
}

func TestApplyRunFlags(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(configEnv, "")
	configPath = filepath.Join(dir, "executor.yaml")
	t.Cleanup(func() { configPath = "" })
	require.NoError(t, os.WriteFile(configPath, []byte("actuator: command\nactuator_commands:\n  send_text: [\"xdotool\", \"type\"]\n"), 0o644))

	cfg, err := loadConfig()
	require.NoError(t, err)

	runNoUI, runNoVision, runDryRun = true, true, true
	t.Cleanup(func() { runNoUI, runNoVision, runDryRun = false, false, false })
	applyRunFlags(cfg)

	assert.True(t, cfg.NoUI)
	assert.True(t, cfg.DisableVision)
	assert.Equal(t, "dry-run", cfg.Actuator)
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.True(t, strings.HasPrefix(buf.String(), "executor dev"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestFormatUnix(t *testing.T) {
	assert.Equal(t, "-", formatUnix(0))
	assert.NotEqual(t, "-", formatUnix(1700000000))
}
