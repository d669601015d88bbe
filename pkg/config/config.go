package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for everything that can be left unset. The bot comes up on an
// in-process sqlite database with an in-memory permission cache.
const (
	DefaultDBDriver     = "sqlite3"
	DefaultDBDSN        = "file:hubbub.db?_journal_mode=WAL"
	DefaultWorkers      = 8
	DefaultQueueSize    = 256
	DefaultHTTPAddr     = ":8420"
	DefaultCacheBackend = "memory"
	DefaultLogLevel     = "info"
	DefaultCallTimeout  = 30 * time.Second
)

// Config is the full daemon configuration, read from the environment.
type Config struct {
	DBDriver string
	DBDSN    string

	Workers   int
	QueueSize int

	HTTPAddr string

	CacheBackend string // "memory" or "redis"
	RedisURL     string
	CacheTTL     time.Duration

	LogLevel string
	LogJSON  bool

	CallTimeout time.Duration
}

// Load reads the configuration from HUBBUB_* environment variables,
// filling defaults and validating the result.
func Load() (*Config, error) {
	cfg := &Config{
		DBDriver:     getEnv("HUBBUB_DB_DRIVER", DefaultDBDriver),
		DBDSN:        getEnv("HUBBUB_DB_DSN", DefaultDBDSN),
		Workers:      getEnvInt("HUBBUB_WORKERS", DefaultWorkers),
		QueueSize:    getEnvInt("HUBBUB_QUEUE_SIZE", DefaultQueueSize),
		HTTPAddr:     getEnv("HUBBUB_HTTP_ADDR", DefaultHTTPAddr),
		CacheBackend: getEnv("HUBBUB_CACHE_BACKEND", DefaultCacheBackend),
		RedisURL:     getEnv("HUBBUB_REDIS_URL", ""),
		CacheTTL:     getEnvDuration("HUBBUB_CACHE_TTL", 0),
		LogLevel:     getEnv("HUBBUB_LOG_LEVEL", DefaultLogLevel),
		LogJSON:      getEnvBool("HUBBUB_LOG_JSON", false),
		CallTimeout:  getEnvDuration("HUBBUB_CALL_TIMEOUT", DefaultCallTimeout),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q (want sqlite3 or postgres)", c.DBDriver)
	}
	switch c.CacheBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("cache backend redis requires HUBBUB_REDIS_URL")
		}
	default:
		return fmt.Errorf("unsupported cache backend %q (want memory or redis)", c.CacheBackend)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Workers)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive, got %s", c.CallTimeout)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
