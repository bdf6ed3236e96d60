// Package config loads user-memory settings from an optional YAML file and
// the environment, and opens the configured storage backend.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/user-memory/internal/store"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Environment variables read by Load.
const (
	EnvBackend       = "USER_MEMORY_BACKEND"
	EnvDB            = "USER_MEMORY_DB"
	EnvLogLevel      = "USER_MEMORY_LOG_LEVEL"
	EnvRedisPrefix   = "USER_MEMORY_REDIS_PREFIX"
	EnvRedisURL      = "REDIS_URL"
	EnvRedisHost     = "REDIS_HOST"
	EnvRedisPort     = "REDIS_PORT"
	EnvRedisPassword = "REDIS_PASSWORD"
)

var ErrUnknownBackend = goerr.New("unknown storage backend")

// Config is the full set of settings.
type Config struct {
	Backend  string      `yaml:"backend"`
	DB       string      `yaml:"db"`
	LogLevel string      `yaml:"log_level"`
	Redis    RedisConfig `yaml:"redis"`
}

// RedisConfig holds the Redis connection settings. URL takes precedence over
// Host and Port.
type RedisConfig struct {
	URL      string `yaml:"url,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Password string `yaml:"password,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	TLS      bool   `yaml:"tls,omitempty"`

	// Timeouts are Go duration strings (e.g. "5s").
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	ReadTimeout    time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout   time.Duration `yaml:"write_timeout,omitempty"`
}

// DefaultDBPath is ~/.user-memory/memory.db.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".user-memory", "memory.db")
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Backend:  BackendSQLite,
		DB:       DefaultDBPath(),
		LogLevel: "info",
		Redis: RedisConfig{
			Host:   "localhost",
			Port:   6379,
			Prefix: store.DefaultRedisPrefix,
		},
	}
}

// Load returns the defaults, overlaid with the YAML file at path (skipped when
// path is empty) and then with the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvBackend); v != "" {
		c.Backend = v
	}
	if v := os.Getenv(EnvDB); v != "" {
		c.DB = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvRedisPrefix); v != "" {
		c.Redis.Prefix = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv(EnvRedisHost); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv(EnvRedisPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return goerr.Wrap(err, "invalid Redis port", goerr.V("env", EnvRedisPort), goerr.V("value", v))
		}
		c.Redis.Port = port
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Redis.Password = v
	}
	return nil
}

// Validate checks the backend name.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
		return nil
	}
	return goerr.Wrap(ErrUnknownBackend, "invalid config", goerr.V("backend", c.Backend))
}

// RedisURL returns the configured URL, or one built from Host and Port.
func (r RedisConfig) RedisURL() string {
	if r.URL != "" {
		return r.URL
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("redis://%s:%d", host, port)
}

// Options converts the settings into store.RedisOptions.
func (r RedisConfig) Options() store.RedisOptions {
	opts := store.RedisOptions{
		URL:            r.RedisURL(),
		Password:       r.Password,
		Prefix:         r.Prefix,
		ConnectTimeout: r.ConnectTimeout,
		ReadTimeout:    r.ReadTimeout,
		WriteTimeout:   r.WriteTimeout,
	}
	if r.TLS {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// OpenStore opens the configured backend.
func (c *Config) OpenStore() (store.Store, error) {
	switch c.Backend {
	case BackendMemory:
		return store.NewMemStore(), nil
	case BackendSQLite:
		if c.DB == "" {
			return nil, goerr.New("sqlite backend needs a database path")
		}
		s, err := store.NewSQLiteStore(c.DB)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRedis:
		s, err := store.NewRedisStore(c.Redis.Options())
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, goerr.Wrap(ErrUnknownBackend, "failed to open store", goerr.V("backend", c.Backend))
}
