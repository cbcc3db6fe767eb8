package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 4020, c.Port)
	assert.Equal(t, "xterm-256color", c.DefaultTerm)
	assert.False(t, c.HasAuth())
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9999\napi_key: secret\n"), 0o644))

	c := DefaultConfig()
	require.NoError(t, c.LoadFile(path))

	assert.Equal(t, 9999, c.Port)
	assert.Equal(t, "secret", c.APIKey)
	assert.True(t, c.HasAuth())
	// Fields the file didn't mention keep their defaults.
	assert.Equal(t, 80, c.DefaultCols)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SESSIOND_PORT", "1234")
	t.Setenv("SESSIOND_API_KEY", "envkey")

	c := DefaultConfig()
	c.LoadFromEnv()

	assert.Equal(t, 1234, c.Port)
	assert.Equal(t, "envkey", c.APIKey)
}

func TestValidateRejectsBadPort(t *testing.T) {
	c := DefaultConfig()
	c.Port = 0
	assert.Error(t, c.Validate())
}

func TestValidateRequiresAuthtokenWhenTunnelEnabled(t *testing.T) {
	c := DefaultConfig()
	c.TunnelEnabled = true
	assert.Error(t, c.Validate())

	c.NgrokAuthtoken = "tok"
	assert.NoError(t, c.Validate())
}
