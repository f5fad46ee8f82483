/*
Package config loads server configuration from an optional YAML file and
STOCK_* environment variables.

PRECEDENCE (highest first):
  1. Environment: STOCK_SERVER_PORT, STOCK_DATABASE_PATH, STOCK_LOCK_BACKEND, ...
     (dots in keys become underscores)
  2. Config file given to Load, or ./config/stock.yaml when present
  3. Defaults below

SEE ALSO:
  - cmd/server/main.go: consumer
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// Config holds all configuration for the server.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Log            LogConfig            `mapstructure:"log"`
	Lock           LockConfig           `mapstructure:"lock"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Reference      ReferenceConfig      `mapstructure:"reference"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RateLimit is requests per minute per client IP; 0 disables limiting.
	RateLimit int `mapstructure:"rate_limit"`
}

// DatabaseConfig selects the store. ":memory:" keeps everything in process.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Env   string `mapstructure:"env"`
	Level string `mapstructure:"level"`
}

type LockConfig struct {
	Backend     string        `mapstructure:"backend"`
	TTL         time.Duration `mapstructure:"ttl"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type ReconciliationConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ReferenceConfig points at the JSON seed for document types and UOM tables.
type ReferenceConfig struct {
	SeedFile string `mapstructure:"seed_file"`
}

// Load reads configuration. An empty path searches ./config for stock.yaml
// and tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("stock")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Lock.Backend {
	case LockBackendMemory:
	case LockBackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("STOCK_REDIS_ADDR required when lock.backend is redis")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Reconciliation.Enabled && c.Reconciliation.Interval <= 0 {
		return errors.New("reconciliation.interval must be positive when enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.rate_limit", 600)

	v.SetDefault("database.path", "stock.db")

	v.SetDefault("log.env", "development")
	v.SetDefault("log.level", "info")

	v.SetDefault("lock.backend", LockBackendMemory)
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.wait_timeout", 5*time.Second)

	v.SetDefault("redis.addr", "")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 10*time.Millisecond)
	v.SetDefault("retry.max_delay", 200*time.Millisecond)

	v.SetDefault("reconciliation.enabled", true)
	v.SetDefault("reconciliation.interval", time.Hour)

	v.SetDefault("reference.seed_file", "")
}
