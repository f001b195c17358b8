/*
Package config loads process configuration from the environment.

PURPOSE:
  One place that reads env vars (after loading .env if present) and turns
  them into a typed Config. Binaries call Load once at startup and pass the
  values down; nothing else reads the environment.

VARIABLES:
  DB_DRIVER            sqlite | postgres            (default sqlite)
  DB_DSN               path or connection string    (default ./data/meals.db)
  HTTP_PORT            listen port                  (default 8080)
  LOG_LEVEL            logrus level                 (default info)
  QUEUE_BACKEND        memory | redis | nats | pubsub (default memory)
  REDIS_ADDR           host:port, enables the redis lock too
  REDIS_QUEUE          list name                    (default meal:regenerate)
  NATS_URL             nats://host:port
  PUBSUB_PROJECT_ID    GCP project
  PUBSUB_TOPIC         topic name                   (default meal-regenerate)
  PUBSUB_SUBSCRIPTION  subscription name            (default meal-regenerate-workers)
  PUBSUB_CREDENTIALS   service account JSON (optional)
  WORKERS              regeneration workers         (default 2)
  JOB_MAX_ATTEMPTS     per-report attempts          (default 3)
  JOB_INITIAL_BACKOFF  first retry delay            (default 500ms)
  STALE_THRESHOLD      monitor threshold            (default 15m)
  MONITOR_INTERVAL     monitor period               (default 5m)
  CASCADE_FORWARD      recompute later periods      (default true)
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	DBDriver string
	DBDSN    string
	HTTPPort string
	LogLevel string

	QueueBackend       string
	RedisAddr          string
	RedisQueue         string
	NATSURL            string
	PubSubProjectID    string
	PubSubTopic        string
	PubSubSubscription string
	PubSubCredentials  string

	Workers           int
	JobMaxAttempts    int
	JobInitialBackoff time.Duration
	StaleThreshold    time.Duration
	MonitorInterval   time.Duration
	CascadeForward    bool
}

// Load reads .env (if present) then the environment.
func Load() (Config, error) {
	// Missing .env is fine; real env vars win over it.
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function. Tests pass a map lookup.
func FromEnv(getenv func(string) string) (Config, error) {
	e := env{get: getenv}
	cfg := Config{
		DBDriver: e.str("DB_DRIVER", "sqlite"),
		DBDSN:    e.str("DB_DSN", "./data/meals.db"),
		HTTPPort: e.str("HTTP_PORT", "8080"),
		LogLevel: e.str("LOG_LEVEL", "info"),

		QueueBackend:       e.str("QUEUE_BACKEND", "memory"),
		RedisAddr:          e.str("REDIS_ADDR", ""),
		RedisQueue:         e.str("REDIS_QUEUE", "meal:regenerate"),
		NATSURL:            e.str("NATS_URL", ""),
		PubSubProjectID:    e.str("PUBSUB_PROJECT_ID", ""),
		PubSubTopic:        e.str("PUBSUB_TOPIC", "meal-regenerate"),
		PubSubSubscription: e.str("PUBSUB_SUBSCRIPTION", "meal-regenerate-workers"),
		PubSubCredentials:  e.str("PUBSUB_CREDENTIALS", ""),

		Workers:           e.int("WORKERS", 2),
		JobMaxAttempts:    e.int("JOB_MAX_ATTEMPTS", 3),
		JobInitialBackoff: e.duration("JOB_INITIAL_BACKOFF", 500*time.Millisecond),
		StaleThreshold:    e.duration("STALE_THRESHOLD", 15*time.Minute),
		MonitorInterval:   e.duration("MONITOR_INTERVAL", 5*time.Minute),
		CascadeForward:    e.bool("CASCADE_FORWARD", true),
	}
	if e.err != nil {
		return Config{}, e.err
	}
	return cfg, cfg.Validate()
}

// Validate checks enumerations and the settings each backend needs.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER: unsupported value %q", c.DBDriver)
	}
	switch c.QueueBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("QUEUE_BACKEND=redis requires REDIS_ADDR")
		}
	case "nats":
		if c.NATSURL == "" {
			return fmt.Errorf("QUEUE_BACKEND=nats requires NATS_URL")
		}
	case "pubsub":
		if c.PubSubProjectID == "" {
			return fmt.Errorf("QUEUE_BACKEND=pubsub requires PUBSUB_PROJECT_ID")
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND: unsupported value %q", c.QueueBackend)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1")
	}
	return nil
}

// NewLogger builds the process logger: JSON to stdout at LOG_LEVEL.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
		logger.WithField("level", level).Warn("unknown LOG_LEVEL, using info")
	}
	logger.SetLevel(lvl)
	return logger
}

// env reads typed values and keeps the first parse error.
type env struct {
	get func(string) string
	err error
}

func (e *env) str(key, def string) string {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	return v
}

func (e *env) int(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *env) bool(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *env) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s=%q: %w", key, value, err)
	}
}
