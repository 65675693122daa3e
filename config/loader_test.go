package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoaderLayersUserProjectAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeYAML(t, filepath.Join(home, UserConfigDir, UserConfigFile),
		"llm:\n  model: user-model\n  endpoint: http://user:1111/v1\ngateway:\n  history_size: 50\n")

	project := t.TempDir()
	writeYAML(t, filepath.Join(project, ProjectConfigFile),
		"llm:\n  model: project-model\n")
	t.Chdir(project)

	t.Setenv("LLM_MODEL", "env-model")

	cfg, err := NewLoader(nil).Load()
	require.NoError(t, err)

	assert.Equal(t, "env-model", cfg.LLM.Model, "env beats project beats user")
	assert.Equal(t, "http://user:1111/v1", cfg.LLM.Endpoint, "user config survives where project is silent")
	assert.Equal(t, 50, cfg.Gateway.HistorySize)
	assert.Equal(t, ":8080", cfg.Gateway.Listen, "defaults fill everything else")
}

func TestLoaderFindsProjectConfigInParent(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	root := t.TempDir()
	writeYAML(t, filepath.Join(root, ProjectConfigFile), "llm:\n  model: parent-model\n")

	nested := filepath.Join(root, "src", "deep")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Chdir(nested)

	cfg, err := NewLoader(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, "parent-model", cfg.LLM.Model)
}

func TestLoaderDefaultsWhenNothingOnDisk(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, err := NewLoader(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().LLM.Model, cfg.LLM.Model)
	assert.True(t, cfg.NATS.Embedded)
}

func TestEnsureUserConfigWritesDefaultOnce(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	l := NewLoader(nil)
	require.NoError(t, l.EnsureUserConfig())

	path := filepath.Join(home, UserConfigDir, UserConfigFile)
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// A second call must not clobber an existing file.
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: custom\n"), 0o644))
	require.NoError(t, l.EnsureUserConfig())
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "llm:\n  model: custom\n", string(after))
}
