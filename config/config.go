// Package config loads seoflow settings from defaults, an optional YAML
// file and SEOFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/songzhibin97/seoflow/logging"
	"github.com/songzhibin97/seoflow/rules"
	"github.com/songzhibin97/seoflow/workflow"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// SEOFLOW_STORAGE_DRIVER or SEOFLOW_WORKFLOW_MAX_ATTEMPTS.
const EnvPrefix = "SEOFLOW"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Capability drivers.
const (
	CapabilityScripted = "scripted"
	CapabilityRemote   = "remote"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Capability CapabilityConfig `mapstructure:"capability"`
	Log        LogConfig        `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Badger   BadgerConfig   `mapstructure:"badger"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

type BadgerConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// WorkflowConfig mirrors workflow.Config.
type WorkflowConfig struct {
	StageTimeout   time.Duration     `mapstructure:"stage_timeout"`
	MaxAttempts    int               `mapstructure:"max_attempts"`
	BackoffInitial time.Duration     `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration     `mapstructure:"backoff_max"`
	StaleAfter     time.Duration     `mapstructure:"stale_after"`
	SweepInterval  time.Duration     `mapstructure:"sweep_interval"`
	MaxConcurrent  int               `mapstructure:"max_concurrent"`
	ApprovalRules  map[string]string `mapstructure:"approval_rules"`
}

type CapabilityConfig struct {
	Driver string `mapstructure:"driver"`
	// ScriptPath points at a YAML script; empty uses the built-in one.
	ScriptPath string        `mapstructure:"script_path"`
	Endpoint   string        `mapstructure:"endpoint"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key so that env overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	wf := workflow.DefaultConfig()

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.idle_timeout", 5*time.Minute)
	v.SetDefault("storage.redis.key_prefix", "seoflow")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.connect_attempts", 5)
	v.SetDefault("storage.postgres.retry_delay", 2*time.Second)
	v.SetDefault("storage.badger.dir", "./data/badger")
	v.SetDefault("storage.badger.in_memory", false)

	v.SetDefault("workflow.stage_timeout", wf.StageTimeout)
	v.SetDefault("workflow.max_attempts", wf.MaxAttempts)
	v.SetDefault("workflow.backoff_initial", wf.BackoffInitial)
	v.SetDefault("workflow.backoff_max", wf.BackoffMax)
	v.SetDefault("workflow.stale_after", wf.StaleAfter)
	v.SetDefault("workflow.sweep_interval", wf.SweepInterval)
	v.SetDefault("workflow.max_concurrent", wf.MaxConcurrent)
	v.SetDefault("workflow.approval_rules", map[string]string{})

	v.SetDefault("capability.driver", CapabilityScripted)
	v.SetDefault("capability.script_path", "")
	v.SetDefault("capability.endpoint", "")
	v.SetDefault("capability.timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration with a fresh viper instance.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith reads configuration into v, which may already carry bound
// command-line flags. An empty path skips the file.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.Capability.Driver = strings.ToLower(strings.TrimSpace(cfg.Capability.Driver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return invalid("http.addr is required")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return invalid("storage.redis.addr is required")
		}
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return invalid("storage.postgres.dsn is required")
		}
	case DriverBadger:
		if c.Storage.Badger.Dir == "" && !c.Storage.Badger.InMemory {
			return invalid("storage.badger.dir is required unless in_memory is set")
		}
	default:
		return invalid("unknown storage.driver %q", c.Storage.Driver)
	}

	w := c.Workflow
	if w.StageTimeout <= 0 {
		return invalid("workflow.stage_timeout must be positive")
	}
	if w.MaxAttempts < 1 {
		return invalid("workflow.max_attempts must be at least 1")
	}
	if w.BackoffInitial < 0 || w.BackoffMax < w.BackoffInitial {
		return invalid("workflow.backoff_max must be >= backoff_initial >= 0")
	}
	if w.StaleAfter < 0 || w.SweepInterval < 0 || w.MaxConcurrent < 0 {
		return invalid("workflow.stale_after, sweep_interval and max_concurrent must not be negative")
	}
	if _, err := rules.ParseApprovalRules(w.ApprovalRules); err != nil {
		return invalid("workflow.approval_rules: %v", err)
	}

	switch c.Capability.Driver {
	case CapabilityScripted:
	case CapabilityRemote:
		if c.Capability.Endpoint == "" {
			return invalid("capability.endpoint is required for the remote driver")
		}
		if c.Capability.Timeout <= 0 {
			return invalid("capability.timeout must be positive")
		}
	default:
		return invalid("unknown capability.driver %q", c.Capability.Driver)
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return invalid("log.format must be json or text")
	}
	return nil
}

// Engine converts the workflow section.
func (w WorkflowConfig) Engine() workflow.Config {
	return workflow.Config{
		StageTimeout:   w.StageTimeout,
		MaxAttempts:    w.MaxAttempts,
		BackoffInitial: w.BackoffInitial,
		BackoffMax:     w.BackoffMax,
		StaleAfter:     w.StaleAfter,
		SweepInterval:  w.SweepInterval,
		MaxConcurrent:  w.MaxConcurrent,
		ApprovalRules:  w.ApprovalRules,
	}
}

// Logger builds the process logger.
func (l LogConfig) Logger() *slog.Logger {
	return logging.New(l.Level, l.Format)
}
