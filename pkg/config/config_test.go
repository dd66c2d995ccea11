package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 24*time.Hour, cfg.Intake.DedupTTL)
	assert.Equal(t, 30*time.Second, cfg.Control.ShutdownTimeout)
	assert.Equal(t, float64(80), cfg.Container.AlertCPU)
	assert.Equal(t, 50, cfg.Container.MaxInflightCalls)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Intake.DedupTTL, cfg.Intake.DedupTTL)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	raw := `
data_dir: /tmp/stoker-test
intake:
  signature_secret: topsecret
  dedup_ttl: 48h
queues:
  default:
    concurrency_limit: 4
  bulk:
    concurrency_limit: 2
    rate_limit: 1
    retry:
      base: 2s
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/stoker-test", cfg.DataDir)
	assert.Equal(t, "topsecret", cfg.Intake.SignatureSecret)
	assert.Equal(t, 48*time.Hour, cfg.Intake.DedupTTL)

	// Partial queue blocks are filled from queue defaults
	bulk := cfg.Queues["bulk"]
	assert.Equal(t, 2, bulk.ConcurrencyLimit)
	assert.Equal(t, 2*time.Second, bulk.Retry.Base)
	assert.Equal(t, 2.0, bulk.Retry.Factor)
	assert.Equal(t, "dead_letter", bulk.DeadLetterName)
	assert.Equal(t, 3, bulk.MaxAttempts)

	def := cfg.Queues["default"]
	assert.Equal(t, 4, def.ConcurrencyLimit)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"redis without addr", func(c *Config) { c.Cache.Backend = "redis" }},
		{"default queue missing", func(c *Config) { c.Router.DefaultQueue = "nope" }},
		{"default profile missing", func(c *Config) { c.Router.DefaultProfile = "nope" }},
		{"profile without image", func(c *Config) {
			p := c.Router.Profiles["default"]
			p.Image = ""
			c.Router.Profiles["default"] = p
		}},
		{"profile without memory cap", func(c *Config) {
			p := c.Router.Profiles["default"]
			p.MemoryBytes = 0
			c.Router.Profiles["default"] = p
		}},
		{"pool min above max", func(c *Config) {
			c.Pools["acme/web/default"] = PoolConfig{Min: 5, Max: 2}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestProfileMaterialization(t *testing.T) {
	pc := ProfileConfig{
		Image:            "ghcr.io/hearthci/runner:latest",
		CPUShares:        512,
		MemoryBytes:      1 << 30,
		GPU:              true,
		MaxExecutionTime: time.Hour,
	}
	p := pc.Profile("gpu")
	assert.Equal(t, "gpu", p.Name)
	assert.True(t, p.GPU)
	assert.Equal(t, int64(1<<30), p.MemoryBytes)
}
