package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/media-overseer/internal/cgroups"
	"github.com/psantana5/media-overseer/pkg/api"
	"github.com/psantana5/media-overseer/pkg/cleanup"
	"github.com/psantana5/media-overseer/pkg/converter"
	"github.com/psantana5/media-overseer/pkg/jobs"
	"github.com/psantana5/media-overseer/pkg/notify"
	"github.com/psantana5/media-overseer/pkg/store"
	overseertls "github.com/psantana5/media-overseer/pkg/tls"
	"github.com/psantana5/media-overseer/pkg/tracing"
	"github.com/psantana5/media-overseer/pkg/upload"
)

// EnvPrefix is prepended to every environment override, e.g. OVERSEER_WORK_DIR
const EnvPrefix = "OVERSEER"

// Config is the effective configuration of the overseer
type Config struct {
	FFmpegPath     string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath    string        `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`
	CRIUPath       string        `mapstructure:"criu_path" yaml:"criu_path"`
	WorkDir        string        `mapstructure:"work_dir" yaml:"work_dir"`
	StateDir       string        `mapstructure:"state_dir" yaml:"state_dir"`
	TargetLoudness float64       `mapstructure:"target_loudness" yaml:"target_loudness"`
	ToolTimeout    time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
	MaxConcurrent  int           `mapstructure:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	MaxQueued      int           `mapstructure:"max_queued_jobs" yaml:"max_queued_jobs"`
	RequestQueue   int           `mapstructure:"request_queue" yaml:"request_queue"`
	Dedup          bool          `mapstructure:"dedup" yaml:"dedup"`
	LeaveStopped   bool          `mapstructure:"leave_stopped" yaml:"leave_stopped"`

	ListenAddr string          `mapstructure:"listen_addr" yaml:"listen_addr"`
	ServerURL  string          `mapstructure:"server_url" yaml:"server_url"`
	APIKey     string          `mapstructure:"api_key" yaml:"api_key,omitempty"`
	APIKeys    []string        `mapstructure:"api_key_hashes" yaml:"api_key_hashes,omitempty"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	TLS        TLSConfig       `mapstructure:"tls" yaml:"tls"`

	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	AMQP     AMQPConfig     `mapstructure:"amqp" yaml:"amqp"`
	S3       S3Config       `mapstructure:"s3" yaml:"s3"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup" yaml:"cleanup"`
	Limits   LimitsConfig   `mapstructure:"limits" yaml:"limits"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

type TLSConfig struct {
	CertFile          string `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile           string `mapstructure:"key_file" yaml:"key_file,omitempty"`
	CAFile            string `mapstructure:"ca_file" yaml:"ca_file,omitempty"`
	RequireClientCert bool   `mapstructure:"require_client_cert" yaml:"require_client_cert"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn,omitempty"`
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	File  bool   `mapstructure:"file" yaml:"file"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

type AMQPConfig struct {
	URL   string `mapstructure:"url" yaml:"url,omitempty"`
	Queue string `mapstructure:"queue" yaml:"queue"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Region    string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix,omitempty"`
}

// LimitsConfig caps the tools of each job through a cgroup v2 group
type LimitsConfig struct {
	CPUPercent int   `mapstructure:"cpu_percent" yaml:"cpu_percent"`
	CPUWeight  int   `mapstructure:"cpu_weight" yaml:"cpu_weight"`
	MemoryMB   int64 `mapstructure:"memory_mb" yaml:"memory_mb"`
}

type CleanupConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
}

// SetDefaults registers a default for every key so env overrides work
// without a config file
func SetDefaults(v *viper.Viper) {
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("ffprobe_path", "ffprobe")
	v.SetDefault("criu_path", "criu")
	v.SetDefault("work_dir", filepath.Join(os.TempDir(), "overseer"))
	v.SetDefault("state_dir", defaultStateDir())
	v.SetDefault("target_loudness", converter.DefaultTargetLoudness)
	v.SetDefault("tool_timeout", 0)
	v.SetDefault("max_concurrent_jobs", 2)
	v.SetDefault("max_queued_jobs", 1000)
	v.SetDefault("request_queue", 64)
	v.SetDefault("dedup", true)
	v.SetDefault("leave_stopped", false)

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("api_key", "")
	v.SetDefault("api_key_hashes", []string{})
	v.SetDefault("rate_limit.rps", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.require_client_cert", false)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "overseer.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", notify.DefaultChannel)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.queue", "overseer.jobs")

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.prefix", "")

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.retention", 7*24*time.Hour)
	v.SetDefault("cleanup.interval", time.Hour)

	v.SetDefault("limits.cpu_percent", 0)
	v.SetDefault("limits.cpu_weight", 0)
	v.SetDefault("limits.memory_mb", 0)
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".overseer", "state")
	}
	return filepath.Join(os.TempDir(), "overseer-state")
}

// BindEnv enables OVERSEER_* overrides, with dots in keys becoming underscores
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	var errs []error
	if c.FFmpegPath == "" || c.FFprobePath == "" {
		errs = append(errs, errors.New("ffmpeg_path and ffprobe_path must be set"))
	}
	if c.WorkDir == "" {
		errs = append(errs, errors.New("work_dir must be set"))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_jobs must be at least 1, got %d", c.MaxConcurrent))
	}
	if c.RequestQueue < 1 {
		errs = append(errs, fmt.Errorf("request_queue must be at least 1, got %d", c.RequestQueue))
	}
	if c.ToolTimeout < 0 {
		errs = append(errs, errors.New("tool_timeout must not be negative"))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rate_limit.rps must not be negative"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	switch c.Database.Type {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Errorf("database.type %q is not one of memory, sqlite, postgres", c.Database.Type))
	}
	if (c.Database.Type == "postgres" || c.Database.Type == "postgresql") && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required for postgres"))
	}
	if err := c.ResourceLimits().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("limits: %w", err))
	}
	if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		errs = append(errs, errors.New("s3.access_key and s3.secret_key must be set together"))
	}
	return errors.Join(errs...)
}

// Converter returns the tool settings for the conversion pipeline
func (c *Config) Converter() converter.Config {
	return converter.Config{
		FFmpegPath:     c.FFmpegPath,
		FFprobePath:    c.FFprobePath,
		WorkDir:        c.WorkDir,
		TargetLoudness: c.TargetLoudness,
	}
}

// Jobs returns the job manager settings
func (c *Config) Jobs() jobs.Config {
	return jobs.Config{
		Converter:     c.Converter(),
		WorkRoot:      c.WorkDir,
		MaxConcurrent: c.MaxConcurrent,
		MaxQueued:     c.MaxQueued,
		RequestQueue:  c.RequestQueue,
		ToolTimeout:   c.ToolTimeout,
		Dedup:         c.Dedup,
		Limits:        c.ResourceLimits(),
	}
}

// ResourceLimits returns the per-job cgroup limits
func (c *Config) ResourceLimits() cgroups.Limits {
	return cgroups.Limits{
		CPUPercent: c.Limits.CPUPercent,
		CPUWeight:  c.Limits.CPUWeight,
		MemoryMB:   c.Limits.MemoryMB,
	}
}

// Store returns the database settings
func (c *Config) Store() store.Config {
	return store.Config{Type: c.Database.Type, DSN: c.Database.DSN, Path: c.Database.Path}
}

// Server returns the HTTP listener settings
func (c *Config) Server() api.ServerConfig {
	return api.ServerConfig{
		Addr:      c.ListenAddr,
		TLS:       c.TLSFiles(),
		RateLimit: c.RateLimit.RPS,
		RateBurst: c.RateLimit.Burst,
	}
}

// TLSFiles returns the certificate settings shared by server and client
func (c *Config) TLSFiles() overseertls.Config {
	return overseertls.Config{
		CertFile:          c.TLS.CertFile,
		KeyFile:           c.TLS.KeyFile,
		CAFile:            c.TLS.CAFile,
		RequireClientCert: c.TLS.RequireClientCert,
	}
}

// TracingConfig returns the OpenTelemetry settings
func (c *Config) TracingConfig(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    "overseer",
		ServiceVersion: version,
		Environment:    c.Tracing.Environment,
		OTLPEndpoint:   c.Tracing.Endpoint,
		Enabled:        c.Tracing.Enabled,
	}
}

// Notify returns the Redis settings; ok is false when no address is set
func (c *Config) Notify() (cfg notify.Config, ok bool) {
	return notify.Config{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Channel:  c.Redis.Channel,
	}, c.Redis.Addr != ""
}

// Upload returns the S3 settings; ok is false when no bucket is set
func (c *Config) Upload() (cfg upload.Config, ok bool) {
	return upload.Config{
		Bucket:    c.S3.Bucket,
		Region:    c.S3.Region,
		Endpoint:  c.S3.Endpoint,
		AccessKey: c.S3.AccessKey,
		SecretKey: c.S3.SecretKey,
		Prefix:    c.S3.Prefix,
	}, c.S3.Bucket != ""
}

// CleanupPolicy returns the retention settings for finished jobs
func (c *Config) CleanupPolicy() cleanup.Config {
	cfg := cleanup.DefaultConfig()
	cfg.Enabled = c.Cleanup.Enabled
	if c.Cleanup.Retention > 0 {
		cfg.Retention = c.Cleanup.Retention
	}
	if c.Cleanup.Interval > 0 {
		cfg.Interval = c.Cleanup.Interval
	}
	cfg.WorkRoot = c.WorkDir
	return cfg
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&out.APIKey)
	mask(&out.Redis.Password)
	mask(&out.S3.SecretKey)
	if out.Database.DSN != "" && (strings.Contains(out.Database.DSN, "@") || strings.Contains(out.Database.DSN, "password=")) {
		out.Database.DSN = "********"
	}
	if len(out.APIKeys) > 0 {
		out.APIKeys = []string{fmt.Sprintf("<%d hashes>", len(c.APIKeys))}
	}
	return out
}
