package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(newViper())
	require.NoError(t, err)

	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, 64, cfg.RequestQueue)
	assert.Equal(t, -18.0, cfg.TargetLoudness)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 7*24*time.Hour, cfg.Cleanup.Retention)
	assert.Zero(t, cfg.ToolTimeout)

	_, ok := cfg.Notify()
	assert.False(t, ok, "redis is off without an address")
	_, ok = cfg.Upload()
	assert.False(t, ok, "upload is off without a bucket")
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
work_dir: /srv/overseer
max_concurrent_jobs: 4
tool_timeout: 2h
database:
  type: memory
redis:
  addr: localhost:6379
s3:
  bucket: media
  prefix: converted
cleanup:
  retention: 48h
limits:
  cpu_percent: 200
  memory_mb: 2048
`), 0644))

	v := newViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, 2*time.Hour, cfg.ToolTimeout)

	jc := cfg.Jobs()
	assert.Equal(t, "/srv/overseer", jc.WorkRoot)
	assert.Equal(t, 2*time.Hour, jc.ToolTimeout)
	assert.Equal(t, 200, jc.Limits.CPUPercent)
	assert.Equal(t, int64(2048), jc.Limits.MemoryMB)

	nc, ok := cfg.Notify()
	assert.True(t, ok)
	assert.Equal(t, "overseer:jobs", nc.Channel)

	uc, ok := cfg.Upload()
	assert.True(t, ok)
	assert.Equal(t, "converted", uc.Prefix)

	cp := cfg.CleanupPolicy()
	assert.Equal(t, 48*time.Hour, cp.Retention)
	assert.Equal(t, "/srv/overseer", cp.WorkRoot)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("OVERSEER_MAX_CONCURRENT_JOBS", "8")
	t.Setenv("OVERSEER_DATABASE_TYPE", "memory")

	cfg, err := Load(newViper())
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, "memory", cfg.Store().Type)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no concurrency", func(c *Config) { c.MaxConcurrent = 0 }},
		{"no request queue", func(c *Config) { c.RequestQueue = 0 }},
		{"bad database", func(c *Config) { c.Database.Type = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Database.Type = "postgres" }},
		{"half tls", func(c *Config) { c.TLS.CertFile = "cert.pem" }},
		{"half s3 credentials", func(c *Config) { c.S3.AccessKey = "AKIA" }},
		{"negative timeout", func(c *Config) { c.ToolTimeout = -time.Second }},
		{"bad cpu weight", func(c *Config) { c.Limits.CPUWeight = 20000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(newViper())
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg, err := Load(newViper())
	require.NoError(t, err)
	cfg.APIKey = "secret"
	cfg.S3.SecretKey = "s3cret"
	cfg.Database.DSN = "postgres://u:p@db/overseer"

	r := cfg.Redacted()
	assert.Equal(t, "********", r.APIKey)
	assert.Equal(t, "********", r.S3.SecretKey)
	assert.Equal(t, "********", r.Database.DSN)
	assert.Equal(t, "secret", cfg.APIKey, "original untouched")
}
