package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeFile(t, "config.yaml", `
global:
  log_level: info
database:
  driver: sqlite
  sqlite:
    path: /tmp/original.db
llm:
  endpoint: http://llm.local/v1/messages
browser_testing:
  endpoint: http://tester.local
engine:
  pollers: 2
  poll_interval: 30s
  watchdog_interval: 2m
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "/tmp/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, 2, cfg.Engine.Pollers)
				assert.Equal(t, 30*time.Second, cfg.Engine.PollInterval)
				assert.Equal(t, 2*time.Minute, cfg.Engine.WatchdogInterval)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"IMPERSONATOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "duration override - poll_interval",
			envVars: map[string]string{
				"IMPERSONATOOR_ENGINE_POLL_INTERVAL": "5s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5*time.Second, cfg.Engine.PollInterval)
			},
		},
		{
			name: "override of key missing from yaml",
			envVars: map[string]string{
				"IMPERSONATOOR_SYSTEM_UNDER_TEST_TOKEN": "secret-token",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "secret-token", cfg.SystemUnderTest.Token)
			},
		},
		{
			name: "boolean override - rate limit enabled",
			envVars: map[string]string{
				"IMPERSONATOOR_API_RATE_LIMIT_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.API.RateLimit.Enabled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeFile(t, "config.yaml", "global:\n  log_level: warn\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, 1, cfg.Database.MaxOpenConns)
	assert.Equal(t, DefaultPollInterval, cfg.Engine.PollInterval)
	assert.Equal(t, DefaultWatchdogInterval, cfg.Engine.WatchdogInterval)
	assert.Equal(t, DefaultPollers, cfg.Engine.Pollers)
	assert.Equal(t, DefaultReviewerMaxTurns, cfg.Engine.ReviewerMaxTurns)
	assert.Equal(t, DefaultHTTPTimeout, cfg.LLM.Timeout)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Nil(t, cfg.Artifacts.S3)
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeFile(t, "base.yaml", `
global:
  log_level: info
engine:
  pollers: 1
`)
	override := writeFile(t, "override.yaml", `
engine:
  pollers: 4
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, 4, cfg.Engine.Pollers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{
				Driver: "sqlite",
				SQLite: SQLiteDatabaseConfig{Path: "x.db"},
			},
			Engine: EngineConfig{
				PollInterval:     time.Second,
				WatchdogInterval: time.Minute,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid sqlite",
			mutate: func(_ *Config) {},
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: "unsupported database driver",
		},
		{
			name: "postgres without host",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.Postgres.Database = "bench"
			},
			wantErr: "database.postgres.host",
		},
		{
			name:    "zero poll interval",
			mutate:  func(c *Config) { c.Engine.PollInterval = 0 },
			wantErr: "poll_interval",
		},
		{
			name:    "zero watchdog interval",
			mutate:  func(c *Config) { c.Engine.WatchdogInterval = 0 },
			wantErr: "watchdog_interval",
		},
		{
			name: "both artifact backends",
			mutate: func(c *Config) {
				c.Artifacts.S3 = &S3Config{Enabled: true, Bucket: "b"}
				c.Artifacts.Local = &LocalStorageConfig{Enabled: true, Dir: "/tmp"}
			},
			wantErr: "only one of s3 or local",
		},
		{
			name: "s3 without bucket",
			mutate: func(c *Config) {
				c.Artifacts.S3 = &S3Config{Enabled: true}
			},
			wantErr: "bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateServices(t *testing.T) {
	cfg := &Config{}
	require.ErrorContains(t, cfg.ValidateServices(), "llm.endpoint")

	cfg.LLM.Endpoint = "http://llm"
	require.ErrorContains(t, cfg.ValidateServices(), "browser_testing.endpoint")

	cfg.BrowserTesting.Endpoint = "http://tester"
	require.NoError(t, cfg.ValidateServices())
}
