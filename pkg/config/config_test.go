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
	cfg := Default()

	assert.Equal(t, 10, cfg.Pollers.StartPollers)
	assert.Equal(t, 1000, cfg.Pollers.QueueMaxSize)
	assert.Equal(t, time.Second, cfg.TickInterval())
	assert.Equal(t, 5*time.Minute, cfg.NodeLockTTL())
	assert.Equal(t, 30*time.Second, cfg.ChainLockTTL())
	assert.Equal(t, 10*time.Minute, cfg.JanitorPendingMaxAge())
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oltmon.yaml")
	content := `
listen_addr: ":9090"
store:
  driver: postgres
  dsn: "postgres://oltmon:secret@db/oltmon?sslmode=disable"
pollers:
  start_pollers: 4
  scheduler_tick_seconds: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, StorePostgres, cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Pollers.StartPollers)
	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval())
	// Untouched values keep their defaults
	assert.Equal(t, 1000, cfg.Pollers.QueueMaxSize)
	assert.Equal(t, 300, cfg.Pollers.NodeLockTTLSeconds)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pollers", func(c *Config) { c.Pollers.StartPollers = 0 }},
		{"zero queue", func(c *Config) { c.Pollers.QueueMaxSize = 0 }},
		{"zero tick", func(c *Config) { c.Pollers.SchedulerTickSeconds = 0 }},
		{"postgres without dsn", func(c *Config) { c.Store = StoreConfig{Driver: StorePostgres} }},
		{"bolt without data dir", func(c *Config) { c.Store = StoreConfig{Driver: StoreBolt} }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "cassandra" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
