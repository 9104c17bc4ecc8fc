package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Store.TTL.Duration())
	assert.Equal(t, "exponential", cfg.Recovery.Strategy)
}

func TestLoadBytesOverridesDefaults(t *testing.T) {
	content := []byte(`
server:
  port: 9999
store:
  driver: sqlite
  path: /tmp/mockupd.db
  ttl: 1h
recovery:
  strategy: linear
  max_attempts: 5
`)
	cfg, err := LoadBytes(content)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, time.Hour, cfg.Store.TTL.Duration())
	assert.Equal(t, "linear", cfg.Recovery.Strategy)
	assert.Equal(t, 5, cfg.Recovery.MaxAttempts)
	// Untouched sections keep defaults.
	assert.Equal(t, 0.6, cfg.Control.ConfidenceThreshold)
}

func TestLoadBytesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad driver", "store:\n  driver: redis\n"},
		{"sqlite without path", "store:\n  driver: sqlite\n"},
		{"bad strategy", "recovery:\n  strategy: quadratic\n"},
		{"zero attempts", "recovery:\n  max_attempts: 0\n"},
		{"threshold out of range", "control:\n  confidence_threshold: 1.5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MOCKUPD_SERVER_PORT", "7070")
	t.Setenv("MOCKUPD_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8181\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Server.Port)
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("bogus")))
}
