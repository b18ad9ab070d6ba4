// Package config loads the process configuration once at startup. Business
// code receives the resulting struct through constructors and never reads
// the environment itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	QueueBackendRedis = "redis"
	QueueBackendAsynq = "asynq"

	StatusBackendRedis    = "redis"
	StatusBackendPostgres = "postgres"
)

type Config struct {
	HTTPAddr       string
	AllowedOrigins string

	LogLevel  string
	LogFormat string

	Telegram TelegramConfig
	Database DatabaseConfig
	S3       S3Config
	Redis    RedisConfig
	Queue    QueueConfig
	Worker   WorkerConfig

	// InternalServiceToken guards the worker-facing HTTP routes. Empty disables them.
	InternalServiceToken string
}

type TelegramConfig struct {
	BotToken string
	// InitDataMaxAge bounds the age of auth_date; zero disables the check.
	InitDataMaxAge time.Duration
}

type DatabaseConfig struct {
	URL string
}

type S3Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UsePathStyle bool
	Timeout      time.Duration
}

type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	QueueKey        string
	StatusKeyPrefix string
	ResultKeyPrefix string
	EventsTopic     string
	TaskTTL         time.Duration
	Timeout         time.Duration
}

type QueueConfig struct {
	Backend       string
	StatusBackend string
	AsynqQueue    string
}

type WorkerConfig struct {
	ClassifierURL string
	Threshold     float64
	Concurrency   int
}

// Load reads an optional .env file and then the environment. It returns an
// error naming the first required key that is missing or invalid.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, which keeps tests independent
// of the real process environment.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}

	cfg := &Config{
		HTTPAddr:       e.str("HTTP_ADDR", ":8080"),
		AllowedOrigins: e.str("ALLOWED_ORIGINS", "http://localhost:3000"),
		LogLevel:       e.str("LOG_LEVEL", "info"),
		LogFormat:      e.str("LOG_FORMAT", "console"),
		Telegram: TelegramConfig{
			BotToken:       e.required("TELEGRAM_BOT_TOKEN"),
			InitDataMaxAge: time.Duration(e.int("TELEGRAM_INIT_DATA_MAX_AGE_SECONDS", 3600)) * time.Second,
		},
		Database: DatabaseConfig{
			URL: e.required("DATABASE_URL"),
		},
		S3: S3Config{
			Endpoint:     e.str("S3_ENDPOINT", "http://127.0.0.1:9000"),
			Region:       e.str("S3_REGION", "us-east-1"),
			AccessKey:    e.str("S3_ACCESS_KEY", ""),
			SecretKey:    e.str("S3_SECRET_KEY", ""),
			Bucket:       e.required("S3_BUCKET"),
			UsePathStyle: e.bool("S3_PATH_STYLE", true),
			Timeout:      e.duration("S3_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:            e.str("REDIS_ADDR", "127.0.0.1:6379"),
			Password:        e.str("REDIS_PASSWORD", ""),
			DB:              e.int("REDIS_DATABASE", 0),
			QueueKey:        e.str("REDIS_QUEUE_KEY", "moderation:queue"),
			StatusKeyPrefix: e.str("REDIS_STATUS_KEY_PREFIX", "moderation:status"),
			ResultKeyPrefix: e.str("REDIS_RESULT_KEY_PREFIX", "moderation:result"),
			EventsTopic:     e.str("REDIS_EVENTS_TOPIC", "moderation:events"),
			TaskTTL:         time.Duration(e.int("REDIS_TASK_TTL_SECONDS", 86400)) * time.Second,
			Timeout:         e.duration("REDIS_TIMEOUT", 2*time.Second),
		},
		Queue: QueueConfig{
			Backend:       strings.ToLower(e.str("QUEUE_BACKEND", QueueBackendRedis)),
			StatusBackend: strings.ToLower(e.str("STATUS_BACKEND", StatusBackendRedis)),
			AsynqQueue:    e.str("ASYNQ_QUEUE", "verification"),
		},
		Worker: WorkerConfig{
			ClassifierURL: e.str("CLASSIFIER_URL", "http://127.0.0.1:8500"),
			Threshold:     e.float("VERIFICATION_THRESHOLD", 0.55),
			Concurrency:   e.int("WORKER_CONCURRENCY", 4),
		},
		InternalServiceToken: e.str("INTERNAL_SERVICE_TOKEN", ""),
	}

	if e.err != nil {
		return nil, e.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Queue.Backend {
	case QueueBackendRedis, QueueBackendAsynq:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueBackendRedis, QueueBackendAsynq, c.Queue.Backend)
	}
	switch c.Queue.StatusBackend {
	case StatusBackendRedis, StatusBackendPostgres:
	default:
		return fmt.Errorf("STATUS_BACKEND must be %q or %q, got %q", StatusBackendRedis, StatusBackendPostgres, c.Queue.StatusBackend)
	}
	if c.Telegram.InitDataMaxAge < 0 {
		return fmt.Errorf("TELEGRAM_INIT_DATA_MAX_AGE_SECONDS must not be negative")
	}
	if c.Redis.TaskTTL <= 0 {
		return fmt.Errorf("REDIS_TASK_TTL_SECONDS must be positive")
	}
	return nil
}

// env records the first failure so FromEnv can read every key in one pass
type env struct {
	get func(string) string
	err error
}

func (e *env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *env) str(key, def string) string {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	return v
}

func (e *env) required(key string) string {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		e.fail(fmt.Errorf("%s environment variable not set", key))
	}
	return v
}

func (e *env) int(key string, def int) int {
	s := strings.TrimSpace(e.get(key))
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		e.fail(fmt.Errorf("%s: invalid integer %q", key, s))
		return def
	}
	return v
}

func (e *env) float(key string, def float64) float64 {
	s := strings.TrimSpace(e.get(key))
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		e.fail(fmt.Errorf("%s: invalid number %q", key, s))
		return def
	}
	return v
}

func (e *env) bool(key string, def bool) bool {
	s := strings.TrimSpace(e.get(key))
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		e.fail(fmt.Errorf("%s: invalid bool %q", key, s))
		return def
	}
	return v
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	s := strings.TrimSpace(e.get(key))
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		e.fail(fmt.Errorf("%s: invalid duration %q (e.g. 250ms, 2s)", key, s))
		return def
	}
	return v
}
