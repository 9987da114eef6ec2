package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "squadforge.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[projects.demo]
enabled = true
path = "repo"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "info", cfg.General.LogLevel)
	require.Equal(t, 3, cfg.Squads.HealthFailureThreshold)
	require.Equal(t, "docker", cfg.Backend.Driver)
	require.Equal(t, "127.0.0.1:8787", cfg.API.Addr)
	require.Equal(t, 3, cfg.Nodes.MissThreshold)

	require.True(t, filepath.IsAbs(cfg.Projects["demo"].Path))
	require.True(t, filepath.IsAbs(cfg.General.StateDB))
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
[squads]
health_check_interval = "5s"
restart_max_delay = "90s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "5s", cfg.Squads.HealthCheckInterval.String())
	require.Equal(t, "1m30s", cfg.Squads.RestartMaxDelay.String())
}

func TestLoadRejectsInvalidBackendDriver(t *testing.T) {
	path := writeConfig(t, `
[backend]
driver = "ssh"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsEnabledProjectWithoutPath(t *testing.T) {
	path := writeConfig(t, `
[projects.demo]
enabled = true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
