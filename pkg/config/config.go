package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// IMPERSONATOOR_GLOBAL_LOG_LEVEL.
	EnvPrefix = "IMPERSONATOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "./impersonatoor.db"

	// DefaultPollInterval is how often each poller attempts one iteration.
	DefaultPollInterval = 60 * time.Second

	// DefaultWatchdogInterval is how often the watchdog sweeps for runs
	// that exceeded their timeout budget.
	DefaultWatchdogInterval = 5 * time.Minute

	// DefaultPollers is the number of independent poller loops.
	DefaultPollers = 1

	// DefaultReviewerConcurrency bounds reviewers evaluated in parallel.
	DefaultReviewerConcurrency = 4

	// DefaultReviewerMaxTurns caps policy calls per reviewer invocation.
	DefaultReviewerMaxTurns = 8

	// DefaultLLMModel is the model requested from the language-model service.
	DefaultLLMModel = "claude-3-5-sonnet-20240620"

	// DefaultLLMMaxTokens is the completion token limit per call.
	DefaultLLMMaxTokens = 4096

	// DefaultHTTPTimeout applies to every outbound HTTP call.
	DefaultHTTPTimeout = 5 * time.Minute

	// DefaultAPIListen is the default API listen address.
	DefaultAPIListen = ":8080"
)

// Config is the root configuration for impersonatoor.
type Config struct {
	Global          GlobalConfig          `yaml:"global" mapstructure:"global"`
	Database        DatabaseConfig        `yaml:"database" mapstructure:"database"`
	LLM             LLMConfig             `yaml:"llm" mapstructure:"llm"`
	SystemUnderTest SystemUnderTestConfig `yaml:"system_under_test" mapstructure:"system_under_test"`
	BrowserTesting  BrowserTestingConfig  `yaml:"browser_testing" mapstructure:"browser_testing"`
	Artifacts       ArtifactsConfig       `yaml:"artifacts,omitempty" mapstructure:"artifacts"`
	Engine          EngineConfig          `yaml:"engine" mapstructure:"engine"`
	API             APIConfig             `yaml:"api" mapstructure:"api"`
	Catalog         CatalogConfig         `yaml:"catalog,omitempty" mapstructure:"catalog"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver       string               `yaml:"driver" mapstructure:"driver"`
	MaxOpenConns int                  `yaml:"max_open_conns,omitempty" mapstructure:"max_open_conns"`
	SQLite       SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres     PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// LLMConfig configures the language-model service.
type LLMConfig struct {
	Endpoint          string        `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey            string        `yaml:"api_key,omitempty" mapstructure:"api_key"`
	Model             string        `yaml:"model,omitempty" mapstructure:"model"`
	MaxTokens         int           `yaml:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Timeout           time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
}

// SystemUnderTestConfig configures access to the system-under-test chat API.
// The base URL of each call is the run's system version.
type SystemUnderTestConfig struct {
	Token   string        `yaml:"token,omitempty" mapstructure:"token"`
	Timeout time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// BrowserTestingConfig configures the instrumented-browser testing service.
type BrowserTestingConfig struct {
	Endpoint string        `yaml:"endpoint" mapstructure:"endpoint"`
	Token    string        `yaml:"token,omitempty" mapstructure:"token"`
	Timeout  time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// ArtifactsConfig selects where screenshots are archived. At most one
// backend may be enabled; with none, screenshots stay inline only.
type ArtifactsConfig struct {
	S3    *S3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
	Local *LocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// S3Config contains S3 settings for artifact uploads.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// LocalStorageConfig archives artifacts under a local directory.
type LocalStorageConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// EngineConfig controls the pollers, the watchdog and the reviewer pipeline.
type EngineConfig struct {
	Pollers             int           `yaml:"pollers" mapstructure:"pollers"`
	PollInterval        time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	WatchdogInterval    time.Duration `yaml:"watchdog_interval" mapstructure:"watchdog_interval"`
	ReviewerConcurrency int           `yaml:"reviewer_concurrency" mapstructure:"reviewer_concurrency"`
	ReviewerMaxTurns    int           `yaml:"reviewer_max_turns" mapstructure:"reviewer_max_turns"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// CatalogConfig points at the scenario catalog seeded on start.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// Load reads and merges the configuration files in order. Later files
// override earlier ones and environment variables override both.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for _, path := range paths {
		v.SetConfigFile(path)

		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every overridable key so AutomaticEnv can see it
// even when a config file omits the key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("llm.endpoint", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", DefaultLLMModel)
	v.SetDefault("llm.max_tokens", DefaultLLMMaxTokens)
	v.SetDefault("llm.timeout", DefaultHTTPTimeout.String())
	v.SetDefault("llm.requests_per_minute", 0)

	v.SetDefault("system_under_test.token", "")
	v.SetDefault("system_under_test.timeout", DefaultHTTPTimeout.String())

	v.SetDefault("browser_testing.endpoint", "")
	v.SetDefault("browser_testing.token", "")
	v.SetDefault("browser_testing.timeout", DefaultHTTPTimeout.String())

	v.SetDefault("engine.pollers", DefaultPollers)
	v.SetDefault("engine.poll_interval", DefaultPollInterval.String())
	v.SetDefault("engine.watchdog_interval", DefaultWatchdogInterval.String())
	v.SetDefault("engine.reviewer_concurrency", DefaultReviewerConcurrency)
	v.SetDefault("engine.reviewer_max_turns", DefaultReviewerMaxTurns)

	v.SetDefault("api.listen", DefaultAPIListen)
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", 120)

	v.SetDefault("catalog.path", "")
}

// applyDefaults fills values that decode to zero but must not be zero.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	// A single connection serializes SQLite writers instead of failing
	// them with SQLITE_BUSY.
	if c.Database.MaxOpenConns <= 0 && c.Database.Driver == "sqlite" {
		c.Database.MaxOpenConns = 1
	}

	if c.Engine.Pollers <= 0 {
		c.Engine.Pollers = DefaultPollers
	}

	if c.Engine.ReviewerConcurrency <= 0 {
		c.Engine.ReviewerConcurrency = DefaultReviewerConcurrency
	}

	if c.Engine.ReviewerMaxTurns <= 0 {
		c.Engine.ReviewerMaxTurns = DefaultReviewerMaxTurns
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be positive")
	}

	if c.Engine.WatchdogInterval <= 0 {
		return fmt.Errorf("engine.watchdog_interval must be positive")
	}

	s3Enabled := c.Artifacts.S3 != nil && c.Artifacts.S3.Enabled
	localEnabled := c.Artifacts.Local != nil && c.Artifacts.Local.Enabled

	if s3Enabled && localEnabled {
		return fmt.Errorf("artifacts: only one of s3 or local may be enabled")
	}

	if s3Enabled && c.Artifacts.S3.Bucket == "" {
		return fmt.Errorf("artifacts.s3.bucket is required")
	}

	if localEnabled && c.Artifacts.Local.Dir == "" {
		return fmt.Errorf("artifacts.local.dir is required")
	}

	return nil
}

// ValidateServices checks the external service settings needed by
// commands that drive runs (poll, iterate, serve, start).
func (c *Config) ValidateServices() error {
	if c.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint is required")
	}

	if c.BrowserTesting.Endpoint == "" {
		return fmt.Errorf("browser_testing.endpoint is required")
	}

	return nil
}
