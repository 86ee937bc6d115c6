package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "RUNWATCH"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultEnvironment is the environment tag used when none is configured.
	DefaultEnvironment = "dev"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "./runwatch.db"

	// DefaultUpdatesChannel is the shared pub/sub channel for status events.
	DefaultUpdatesChannel = "runwatch:execution:updates"
)

// Config is the root configuration for runwatch.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Runner    RunnerConfig    `yaml:"runner" mapstructure:"runner"`
	Broadcast BroadcastConfig `yaml:"broadcast" mapstructure:"broadcast"`
	Recording RecordingConfig `yaml:"recording" mapstructure:"recording"`
	Archive   ArchiveConfig   `yaml:"archive" mapstructure:"archive"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level" mapstructure:"log_level"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Submit  RateLimitTier `yaml:"submit,omitempty" mapstructure:"submit"`
	Record  RateLimitTier `yaml:"record,omitempty" mapstructure:"record"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	URL      string               `yaml:"url,omitempty" mapstructure:"url"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings. An empty Host
// means the endpoint is resolved through discovery.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// DiscoveryConfig controls how the database endpoint is located when
// no explicit host or URL is configured.
type DiscoveryConfig struct {
	Enabled          bool   `yaml:"enabled" mapstructure:"enabled"`
	Host             string `yaml:"host" mapstructure:"host"`
	PrimaryPort      int    `yaml:"primary_port" mapstructure:"primary_port"`
	SecondaryPort    int    `yaml:"secondary_port" mapstructure:"secondary_port"`
	DevContainer     string `yaml:"dev_container" mapstructure:"dev_container"`
	ProdContainer    string `yaml:"prod_container" mapstructure:"prod_container"`
	ContainerRuntime string `yaml:"container_runtime" mapstructure:"container_runtime"`
	PodmanSocket     string `yaml:"podman_socket,omitempty" mapstructure:"podman_socket"`
	ProbeTimeout     string `yaml:"probe_timeout" mapstructure:"probe_timeout"`
}

// RedisConfig configures the shared pub/sub channel used for
// cross-instance convergence.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	URL     string `yaml:"url" mapstructure:"url"`
	Channel string `yaml:"channel" mapstructure:"channel"`
}

// RunnerConfig describes how the external test runner is invoked.
// Environment entries are KEY=VALUE pairs; keys keep their case.
type RunnerConfig struct {
	Command         string   `yaml:"command" mapstructure:"command"`
	Args            []string `yaml:"args" mapstructure:"args"`
	WorkDir         string   `yaml:"work_dir,omitempty" mapstructure:"work_dir"`
	Environment     []string `yaml:"environment,omitempty" mapstructure:"environment"`
	OutputTailBytes int      `yaml:"output_tail_bytes" mapstructure:"output_tail_bytes"`
}

// BroadcastConfig controls the live update tick loops.
type BroadcastConfig struct {
	ExecutionInterval string `yaml:"execution_interval" mapstructure:"execution_interval"`
	ActiveInterval    string `yaml:"active_interval" mapstructure:"active_interval"`
	QueueSize         int    `yaml:"queue_size" mapstructure:"queue_size"`
}

// RecordingConfig bounds the result recording path.
type RecordingConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	CacheSize   int `yaml:"cache_size" mapstructure:"cache_size"`
}

// ArchiveConfig controls uploading finished execution reports to
// S3-compatible storage.
type ArchiveConfig struct {
	Enabled bool            `yaml:"enabled" mapstructure:"enabled"`
	S3      ArchiveS3Config `yaml:"s3,omitempty" mapstructure:"s3"`
}

// ArchiveS3Config contains S3 settings for the report archive.
type ArchiveS3Config struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	PresignExpiry   string `yaml:"presign_expiry,omitempty" mapstructure:"presign_expiry"`
}

// defaults are registered with viper so every key can be overridden from
// the environment even when absent from the config file.
var defaults = map[string]any{
	"global.log_level":                             DefaultLogLevel,
	"global.environment":                           DefaultEnvironment,
	"server.listen":                                DefaultListen,
	"server.cors_origins":                          []string{},
	"server.rate_limit.enabled":                    false,
	"server.rate_limit.submit.requests_per_minute": 30,
	"server.rate_limit.record.requests_per_minute": 6000,
	"database.driver":                              "sqlite",
	"database.url":                                 "",
	"database.sqlite.path":                         DefaultSQLitePath,
	"database.postgres.host":                       "",
	"database.postgres.port":                       0,
	"database.postgres.user":                       "runwatch",
	"database.postgres.password":                   "",
	"database.postgres.database":                   "runwatch",
	"database.postgres.ssl_mode":                   "disable",
	"discovery.enabled":                            true,
	"discovery.host":                               "localhost",
	"discovery.primary_port":                       5433,
	"discovery.secondary_port":                     5432,
	"discovery.dev_container":                      "runwatch-db",
	"discovery.prod_container":                     "runwatch-db-prod",
	"discovery.container_runtime":                  "docker",
	"discovery.podman_socket":                      "",
	"discovery.probe_timeout":                      "100ms",
	"redis.enabled":                                false,
	"redis.url":                                    "redis://localhost:6379/0",
	"redis.channel":                                DefaultUpdatesChannel,
	"runner.command":                               "/bin/sh",
	"runner.args":                                  []string{"./mvnw", "test"},
	"runner.work_dir":                              "",
	"runner.environment":                           []string{},
	"runner.output_tail_bytes":                     64 * 1024,
	"broadcast.execution_interval":                 "1s",
	"broadcast.active_interval":                    "5s",
	"broadcast.queue_size":                         16,
	"recording.concurrency":                        8,
	"recording.cache_size":                         512,
	"archive.enabled":                              false,
	"archive.s3.region":                            "us-east-1",
	"archive.s3.prefix":                            "runwatch",
	"archive.s3.presign_expiry":                    "1h",
}

// Load reads and merges configuration files in order, applies RUNWATCH_*
// environment overrides, and fills in defaults. With no paths the
// configuration comes from defaults and the environment alone.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(commaListHook())); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// commaListHook splits comma separated strings, as they arrive from
// environment overrides, into trimmed string slices.
func commaListHook() mapstructure.DecodeHookFuncType {
	stringSlice := reflect.TypeOf([]string{})

	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != stringSlice {
			return data, nil
		}

		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}

		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		return parts, nil
	}
}

// applyDefaults sets default values for options viper left empty.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.Environment == "" {
		c.Global.Environment = DefaultEnvironment
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Redis.Channel == "" {
		c.Redis.Channel = DefaultUpdatesChannel
	}

	if c.Broadcast.QueueSize <= 0 {
		c.Broadcast.QueueSize = 16
	}

	if c.Recording.Concurrency <= 0 {
		c.Recording.Concurrency = 8
	}

	if c.Recording.CacheSize <= 0 {
		c.Recording.CacheSize = 512
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return errors.New("database.sqlite.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" && c.Database.URL == "" && !c.Discovery.Enabled {
			return errors.New(
				"database.postgres.host or database.url is required when discovery is disabled",
			)
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	switch c.Discovery.ContainerRuntime {
	case "docker", "podman", "none":
	default:
		return fmt.Errorf(
			"unsupported discovery.container_runtime: %q", c.Discovery.ContainerRuntime,
		)
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return errors.New("redis.url is required when redis is enabled")
	}

	if c.Runner.Command == "" {
		return errors.New("runner.command is required")
	}

	for _, entry := range c.Runner.Environment {
		key, _, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("runner.environment entry %q must be KEY=VALUE", entry)
		}
	}

	if c.Archive.Enabled && c.Archive.S3.Bucket == "" {
		return errors.New("archive.s3.bucket is required when the archive is enabled")
	}

	for name, value := range map[string]string{
		"discovery.probe_timeout":      c.Discovery.ProbeTimeout,
		"broadcast.execution_interval": c.Broadcast.ExecutionInterval,
		"broadcast.active_interval":    c.Broadcast.ActiveInterval,
		"archive.s3.presign_expiry":    c.Archive.S3.PresignExpiry,
	} {
		if value == "" {
			continue
		}

		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}

		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	return nil
}

// EnvironmentVars returns the runner environment as a map. Later entries
// win over earlier ones with the same key.
func (r *RunnerConfig) EnvironmentVars() map[string]string {
	vars := make(map[string]string, len(r.Environment))

	for _, entry := range r.Environment {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}

		vars[strings.TrimSpace(key)] = value
	}

	return vars
}

// ProbeTimeoutDuration returns the parsed discovery probe timeout.
func (d *DiscoveryConfig) ProbeTimeoutDuration() time.Duration {
	return parseDurationOr(d.ProbeTimeout, 100*time.Millisecond)
}

// ExecutionTick returns the per-execution broadcast interval.
func (b *BroadcastConfig) ExecutionTick() time.Duration {
	return parseDurationOr(b.ExecutionInterval, time.Second)
}

// ActiveTick returns the global active-executions broadcast interval.
func (b *BroadcastConfig) ActiveTick() time.Duration {
	return parseDurationOr(b.ActiveInterval, 5*time.Second)
}

// PresignExpiryDuration returns how long archive download links stay valid.
func (a *ArchiveS3Config) PresignExpiryDuration() time.Duration {
	return parseDurationOr(a.PresignExpiry, time.Hour)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}

	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}
