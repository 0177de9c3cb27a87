// Package config loads the vappjobs configuration from a YAML file and
// VAPPJOBS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VAPPJOBS_"

// Config is the full service configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Busy     BusyConfig     `yaml:"busy"`
	Provider ProviderConfig `yaml:"provider"`
	Worker   WorkerConfig   `yaml:"worker"`
	Sweep    SweepConfig    `yaml:"sweep"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects the SQL store of jobs, events and policies.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=sqlite postgres"`
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// BusyConfig selects the busy registry backend.
type BusyConfig struct {
	Backend     string        `yaml:"backend" validate:"oneof=redis memory"`
	TTL         time.Duration `yaml:"ttl" validate:"gte=0"`
	MemoryBytes int           `yaml:"memory_bytes" validate:"gte=0"`
	KeyPrefix   string        `yaml:"key_prefix"`
	Redis       RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the Redis connection of the busy registry.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	PoolSize int    `yaml:"pool_size" validate:"gte=0"`
}

// ProviderConfig selects and tunes the virtualization provider.
type ProviderConfig struct {
	// Driver names the provider implementation. "fake" is the in-memory
	// development provider and must be chosen explicitly.
	Driver      string        `yaml:"driver" validate:"omitempty,oneof=fake"`
	Retries     int           `yaml:"retries" validate:"gte=0,lte=10"`
	RetryPause  time.Duration `yaml:"retry_pause" validate:"gte=0"`
	TaskTimeout time.Duration `yaml:"task_timeout" validate:"gte=0"`
	TaskPoll    time.Duration `yaml:"task_poll" validate:"gte=0"`
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	// Queues maps a queue class to its concurrency.
	Queues         map[string]int `yaml:"queues" validate:"required,dive,keys,oneof=high default low,endkeys,gt=0"`
	PollInterval   time.Duration  `yaml:"poll_interval" validate:"gt=0"`
	StaleLockAfter time.Duration  `yaml:"stale_lock_after" validate:"gte=0"`
}

// SweepConfig schedules the reconciliation sweep.
type SweepConfig struct {
	Cron          string `yaml:"cron" validate:"required"`
	RetentionDays int    `yaml:"retention_days" validate:"gt=0"`
}

// Retention returns how long finished jobs are kept.
func (s SweepConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns a configuration that runs everything in one process on
// SQLite with an in-memory busy registry.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "vappjobs.db",
		},
		Busy: BusyConfig{
			Backend:     "memory",
			TTL:         time.Hour,
			MemoryBytes: 8 << 20,
			KeyPrefix:   "vappjobs:busy:",
			Redis:       RedisConfig{Addr: "localhost:6379"},
		},
		Provider: ProviderConfig{
			Retries:     3,
			RetryPause:  time.Second,
			TaskTimeout: 500 * time.Second,
			TaskPoll:    2 * time.Second,
		},
		Worker: WorkerConfig{
			Queues:         map[string]int{"high": 4, "default": 8, "low": 2},
			PollInterval:   time.Second,
			StaleLockAfter: 5 * time.Minute,
		},
		Sweep: SweepConfig{
			Cron:          "0 3 * * *",
			RetentionDays: 365,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	if c.Busy.Backend == "redis" && c.Busy.Redis.Addr == "" {
		return errors.New("config: invalid: busy.redis.addr is required for the redis backend")
	}
	return nil
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func integer(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func duration(dst func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envVars = []envVar{
	{"DATABASE_DRIVER", str(func(c *Config) *string { return &c.Database.Driver })},
	{"DATABASE_DSN", str(func(c *Config) *string { return &c.Database.DSN })},
	{"DATABASE_MAX_OPEN_CONNS", integer(func(c *Config) *int { return &c.Database.MaxOpenConns })},
	{"BUSY_BACKEND", str(func(c *Config) *string { return &c.Busy.Backend })},
	{"BUSY_TTL", duration(func(c *Config) *time.Duration { return &c.Busy.TTL })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Busy.Redis.Addr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.Busy.Redis.Password })},
	{"REDIS_DB", integer(func(c *Config) *int { return &c.Busy.Redis.DB })},
	{"PROVIDER_DRIVER", str(func(c *Config) *string { return &c.Provider.Driver })},
	{"WORKER_POLL_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Worker.PollInterval })},
	{"SWEEP_CRON", str(func(c *Config) *string { return &c.Sweep.Cron })},
	{"SWEEP_RETENTION_DAYS", integer(func(c *Config) *int { return &c.Sweep.RetentionDays })},
	{"HTTP_ADDR", str(func(c *Config) *string { return &c.HTTP.Addr })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Log.Format })},
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, ev.name, err)
		}
	}
	return nil
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
