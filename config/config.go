/*
config.go - Server configuration

PURPOSE:
  Collects everything cmd/server needs to start: listen port, database
  path, logging, the optional Redis lock backend and the top-up scheduler.

PRECEDENCE (lowest to highest):
  1. Built-in defaults
  2. .env file in the working directory (if present)
  3. Process environment
  4. Command-line flags

KEYS:
  PORT                   HTTP port (8080)
  DB_PATH                SQLite path, ":memory:" allowed (leave.db)
  LOG_LEVEL              logrus level (info)
  LOG_FORMAT             text | json (text)
  REDIS_ADDR             Redis address; empty uses in-process locks
  LOCK_TTL               Redis lock TTL (30s)
  PERSIST_TOP_UP         write auto top-ups to the ledger (false)
  SCHEDULER_ENABLED      run the daily top-up (true)
  SCHEDULER_INTERVAL     top-up interval (24h)
  SCHEDULER_CONCURRENCY  employees processed in parallel (4)
  CORS_ORIGINS           comma separated allowed origins

SEE ALSO:
  - cmd/server/main.go: consumer
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the server settings.
type Config struct {
	Port     int
	DBPath   string
	LogLevel string
	// LogFormat is "text" or "json".
	LogFormat string

	RedisAddr string
	LockTTL   time.Duration

	PersistTopUp         bool
	SchedulerEnabled     bool
	SchedulerInterval    time.Duration
	SchedulerConcurrency int

	CORSOrigins []string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:                 8080,
		DBPath:               "leave.db",
		LogLevel:             "info",
		LogFormat:            "text",
		LockTTL:              30 * time.Second,
		SchedulerEnabled:     true,
		SchedulerInterval:    24 * time.Hour,
		SchedulerConcurrency: 4,
	}
}

// Load builds the configuration from .env, the environment and args
// (without the program name).
func Load(args []string) (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for distributed locks")
	fs.BoolVar(&cfg.PersistTopUp, "persist-top-up", cfg.PersistTopUp, "write automatic top-ups to the ledger")
	fs.BoolVar(&cfg.SchedulerEnabled, "scheduler", cfg.SchedulerEnabled, "run the periodic top-up")
	fs.DurationVar(&cfg.SchedulerInterval, "scheduler-interval", cfg.SchedulerInterval, "top-up interval")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	integer("PORT", &c.Port)
	str("DB_PATH", &c.DBPath)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("REDIS_ADDR", &c.RedisAddr)
	duration("LOCK_TTL", &c.LockTTL)
	boolean("PERSIST_TOP_UP", &c.PersistTopUp)
	boolean("SCHEDULER_ENABLED", &c.SchedulerEnabled)
	duration("SCHEDULER_INTERVAL", &c.SchedulerInterval)
	integer("SCHEDULER_CONCURRENCY", &c.SchedulerConcurrency)

	if v := getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	return errors.Join(errs...)
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("database path is required")
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("invalid scheduler interval %s", c.SchedulerInterval)
	}
	if c.SchedulerConcurrency <= 0 {
		return fmt.Errorf("invalid scheduler concurrency %d", c.SchedulerConcurrency)
	}
	if c.RedisAddr != "" && c.LockTTL <= 0 {
		return fmt.Errorf("invalid lock TTL %s", c.LockTTL)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return nil
}

// NewLogger returns a logger configured by LogLevel and LogFormat.
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return logger
}
