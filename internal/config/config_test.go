package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 26532, cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 3, cfg.RemoteRetries)
}

func TestMergeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etb_conf")
	require.NoError(t, os.WriteFile(path, []byte(`
[etb]
host = 0.0.0.0
port = 9000
rule_files = a.etb, b.etb
remote_timeout = 5s
debug = true
`), 0o644))

	cfg := Default()
	require.NoError(t, cfg.MergeFile(path))
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, []string{"a.etb", "b.etb"}, cfg.RuleFiles)
	assert.Equal(t, 5*time.Second, cfg.RemoteTimeout)
	assert.True(t, cfg.Debug)
	// Untouched keys keep their defaults.
	assert.Equal(t, "etb.log", cfg.Log)
}

func TestMergeMissingFileIsNoop(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.MergeFile(filepath.Join(t.TempDir(), "absent")))
	assert.Equal(t, Default(), cfg)
}

func TestMergeOrderLaterWins(t *testing.T) {
	dir := t.TempDir()
	home := filepath.Join(dir, "home_conf")
	local := filepath.Join(dir, "local_conf")
	require.NoError(t, os.WriteFile(home, []byte("[etb]\nport = 1111\nhost = 10.0.0.1\n"), 0o644))
	require.NoError(t, os.WriteFile(local, []byte("[etb]\nport = 2222\n"), 0o644))

	cfg := Default()
	require.NoError(t, cfg.MergeFile(home))
	require.NoError(t, cfg.MergeFile(local))
	assert.Equal(t, 2222, cfg.Port, "working-directory config overrides home config")
	assert.Equal(t, "10.0.0.1", cfg.Host, "keys absent later survive")
}
