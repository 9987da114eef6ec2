package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerGetReturnsIndependentClone(t *testing.T) {
	path := writeConfig(t, `
[general]
log_level = "debug"
`)
	mgr, err := LoadManager(path)
	require.NoError(t, err)

	first := mgr.Get()
	first.General.LogLevel = "mutated"

	second := mgr.Get()
	require.Equal(t, "debug", second.General.LogLevel)
}

func TestManagerReloadSwapsConfig(t *testing.T) {
	path := writeConfig(t, `
[general]
log_level = "debug"
`)
	mgr, err := LoadManager(path)
	require.NoError(t, err)
	require.Equal(t, "debug", mgr.Get().General.LogLevel)

	require.NoError(t, os.WriteFile(path, []byte(`
[general]
log_level = "warn"
`), 0o644))

	require.NoError(t, mgr.Reload(path))
	require.Equal(t, "warn", mgr.Get().General.LogLevel)
}

func TestManagerReloadPropagatesLoadErrors(t *testing.T) {
	path := writeConfig(t, `
[general]
log_level = "debug"
`)
	mgr, err := LoadManager(path)
	require.NoError(t, err)

	require.Error(t, mgr.Reload(filepath.Join(t.TempDir(), "missing.toml")))
	require.Equal(t, "debug", mgr.Get().General.LogLevel)
}
