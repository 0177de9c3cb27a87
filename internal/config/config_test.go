package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vappjobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 365*24*time.Hour, cfg.Sweep.Retention())
	assert.Empty(t, cfg.Provider.Driver, "the fake provider is never a default")
}

func TestLoad_FakeProviderIsExplicit(t *testing.T) {
	cfg, err := load("", env(map[string]string{"VAPPJOBS_PROVIDER_DRIVER": "fake"}))
	require.NoError(t, err)
	assert.Equal(t, "fake", cfg.Provider.Driver)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
database:
  driver: postgres
  dsn: postgres://vappjobs@db/vappjobs
  max_open_conns: 40
busy:
  backend: redis
  ttl: 30m
  redis:
    addr: redis:6379
    db: 2
worker:
  poll_interval: 250ms
sweep:
  cron: "30 2 * * *"
log:
  format: json
`)
	cfg, err := load(path, env(nil))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 40, cfg.Database.MaxOpenConns)
	assert.Equal(t, "redis", cfg.Busy.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Busy.TTL)
	assert.Equal(t, "redis:6379", cfg.Busy.Redis.Addr)
	assert.Equal(t, 2, cfg.Busy.Redis.DB)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, "30 2 * * *", cfg.Sweep.Cron)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Equal(t, ":8080", cfg.HTTP.Addr, "unset fields keep their defaults")
	assert.Equal(t, 8, cfg.Worker.Queues["default"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "http:\n  addr: \":9000\"\n")
	cfg, err := load(path, env(map[string]string{
		"VAPPJOBS_HTTP_ADDR":            ":9100",
		"VAPPJOBS_DATABASE_DSN":         "file::memory:",
		"VAPPJOBS_SWEEP_RETENTION_DAYS": "30",
		"VAPPJOBS_BUSY_TTL":             "45m",
		"VAPPJOBS_LOG_LEVEL":            "debug",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.HTTP.Addr)
	assert.Equal(t, "file::memory:", cfg.Database.DSN)
	assert.Equal(t, 30, cfg.Sweep.RetentionDays)
	assert.Equal(t, 45*time.Minute, cfg.Busy.TTL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{name: "unknown driver", env: map[string]string{"VAPPJOBS_DATABASE_DRIVER": "mysql"}, want: "Driver"},
		{name: "bad integer", env: map[string]string{"VAPPJOBS_REDIS_DB": "two"}, want: "VAPPJOBS_REDIS_DB"},
		{name: "bad duration", env: map[string]string{"VAPPJOBS_BUSY_TTL": "soon"}, want: "VAPPJOBS_BUSY_TTL"},
		{name: "unknown queue", file: "worker:\n  queues:\n    urgent: 2\n", want: "Queues"},
		{name: "zero concurrency", file: "worker:\n  queues:\n    low: 0\n", want: "Queues"},
		{name: "redis without addr", file: "busy:\n  backend: redis\n  redis:\n    addr: \"\"\n", want: "busy.redis.addr"},
		{name: "bad yaml", file: "database: [", want: "parse"},
		{name: "unknown provider", file: "provider:\n  driver: vcloud\n", want: "Driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			_, err := load(path, env(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Info("hidden")
	assert.Empty(t, buf.String())

	LogConfig{Level: "debug", Format: "json"}.NewLogger(&buf).Debug("shown", "job_id", "j-1")
	assert.Contains(t, buf.String(), `"job_id":"j-1"`)
}
