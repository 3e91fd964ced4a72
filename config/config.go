// Package config loads service configuration from an optional YAML file,
// a .env file and SETTLE_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Lock       LockConfig
	Redis      RedisConfig
	Reconciler ReconcilerConfig
	Log        LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver       string // memory, sqlite, postgres
	SQLitePath   string `mapstructure:"sqlite_path"`
	PostgresDSN  string `mapstructure:"postgres_dsn"`
	PoolMaxConns int32  `mapstructure:"pool_max_conns"`
}

// LockConfig selects the owner lock. "local" is in-process only.
type LockConfig struct {
	Driver  string // local, redis
	TTL     time.Duration
	Retries int
	Backoff time.Duration
}

// RedisConfig is shared by the Redis lock and the Redis event publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Publish  bool
}

type ReconcilerConfig struct {
	Enabled  bool
	Interval time.Duration
}

type LogConfig struct {
	Level string
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	LockLocal = "local"
	LockRedis = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:*", "http://127.0.0.1:*"})

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "./data/settlement.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.pool_max_conns", 10)

	v.SetDefault("lock.driver", LockLocal)
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.retries", 20)
	v.SetDefault("lock.backoff", 50*time.Millisecond)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "settlement-events")
	v.SetDefault("redis.publish", false)

	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.interval", time.Hour)

	v.SetDefault("log.level", "info")
}

// Load loads configuration. configPath may be empty; a missing .env is fine.
// Environment variables use the SETTLE_ prefix with "_" for nesting,
// e.g. SETTLE_STORE_DRIVER=postgres.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
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

// Validate checks required fields for the selected drivers.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Lock.Driver {
	case LockLocal, LockRedis:
	default:
		return fmt.Errorf("unknown lock.driver %q", c.Lock.Driver)
	}
	if c.Lock.Driver == LockRedis && c.Redis.Addr == "" {
		return errors.New("redis.addr is required for the redis lock")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}
