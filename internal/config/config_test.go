package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.DefaultBranch)
	assert.Equal(t, filepath.Join(dir, "phantom.sock"), cfg.SocketPath)
	assert.Empty(t, cfg.Shell)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"shell: /bin/zsh\ndefault_branch: trunk\nsocket_path: /tmp/custom.sock\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/bin/zsh", cfg.Shell)
	assert.Equal(t, "trunk", cfg.DefaultBranch)
	assert.Equal(t, "/tmp/custom.sock", cfg.SocketPath)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("shell: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
