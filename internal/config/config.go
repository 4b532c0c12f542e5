package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/muaviaUsmani/plantain/internal/alarm"
	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/scheduler"
)

// Store backends
const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Alarm backends
const (
	AlarmRedis = "redis"
	AlarmLocal = "local"
)

// Config holds all configuration for the Plantain server
type Config struct {
	// RedisURL is the connection URL for Redis
	RedisURL string `validate:"required"`
	// APIPort is the port the API server listens on
	APIPort string `validate:"required,numeric"`
	// PprofPort serves net/http/pprof; empty disables it
	PprofPort string `validate:"omitempty,numeric"`

	// StoreBackend selects where timer records and actor state live
	StoreBackend string `validate:"oneof=redis sqlite"`
	// SQLitePath is the database file used by the sqlite store backend
	SQLitePath string `validate:"required_if=StoreBackend sqlite"`
	// MaxPayloadBytes bounds task payloads; negative disables the bound
	MaxPayloadBytes int

	// AlarmBackend selects the alarm service. The redis service survives restarts; the local
	// service is rebuilt from the store at startup.
	AlarmBackend string `validate:"oneof=redis local"`
	// AlarmPollInterval is how often the redis alarm service claims due alarms
	AlarmPollInterval time.Duration `validate:"gt=0"`
	// AlarmWorkers is the number of concurrent alarm firings
	AlarmWorkers int `validate:"min=1"`
	// AlarmMaxRedeliveries bounds backoff redeliveries of a failing firing before the alarm is
	// parked for the maximum backoff. 0 selects the default of 6; negative means unlimited.
	AlarmMaxRedeliveries int
	// AlarmRetryBackoff is the first redelivery delay
	AlarmRetryBackoff time.Duration `validate:"gt=0"`
	// AlarmLockTTL bounds how long a crashed process can hold an actor's firing lock
	AlarmLockTTL time.Duration `validate:"gt=0"`

	// SchedulerMaxRetries bounds callback retries of one firing; negative means unlimited
	SchedulerMaxRetries int
	// SchedulerRetryBackoff is the first callback retry delay
	SchedulerRetryBackoff time.Duration `validate:"gt=0"`
	// SchedulerMaxBackoff caps the callback retry delay
	SchedulerMaxBackoff time.Duration `validate:"gtefield=SchedulerRetryBackoff"`
	// SchedulerRecurringExhaustion is what happens to a cron task that ran out of retries
	SchedulerRecurringExhaustion string `validate:"oneof=drop skip"`

	// CallbackTimeout bounds each callback run; zero disables it
	CallbackTimeout time.Duration `validate:"gte=0"`
	// ActorIdleTimeout evicts actors idle this long; zero disables eviction
	ActorIdleTimeout time.Duration `validate:"gte=0"`

	// HistoryEnabled stores the latest firing of every task
	HistoryEnabled bool
	// HistoryTTLSuccess is the TTL for successful firings
	HistoryTTLSuccess time.Duration `validate:"gt=0"`
	// HistoryTTLFailure is the TTL for failed and dropped firings
	HistoryTTLFailure time.Duration `validate:"gt=0"`

	// Logging configuration
	Logging *logger.Config `validate:"required"`
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:                     getEnv("REDIS_URL", "redis://localhost:6379"),
		APIPort:                      getEnv("API_PORT", "8080"),
		PprofPort:                    getEnv("PPROF_PORT", ""),
		StoreBackend:                 getEnv("STORE_BACKEND", StoreRedis),
		SQLitePath:                   getEnv("SQLITE_PATH", "plantain.db"),
		MaxPayloadBytes:              getEnvAsInt("MAX_PAYLOAD_BYTES", 128*1024),
		AlarmBackend:                 getEnv("ALARM_BACKEND", AlarmRedis),
		AlarmPollInterval:            getEnvAsDuration("ALARM_POLL_INTERVAL", 250*time.Millisecond),
		AlarmWorkers:                 getEnvAsInt("ALARM_WORKERS", 4),
		AlarmMaxRedeliveries:         getEnvAsInt("ALARM_MAX_REDELIVERIES", 6),
		AlarmRetryBackoff:            getEnvAsDuration("ALARM_RETRY_BACKOFF", 2*time.Second),
		AlarmLockTTL:                 getEnvAsDuration("ALARM_LOCK_TTL", 30*time.Second),
		SchedulerMaxRetries:          getEnvAsInt("SCHEDULER_MAX_RETRIES", 3),
		SchedulerRetryBackoff:        getEnvAsDuration("SCHEDULER_RETRY_BACKOFF", 1*time.Second),
		SchedulerMaxBackoff:          getEnvAsDuration("SCHEDULER_MAX_BACKOFF", 30*time.Second),
		SchedulerRecurringExhaustion: getEnv("SCHEDULER_RECURRING_EXHAUSTION", string(scheduler.ExhaustionDrop)),
		CallbackTimeout:              getEnvAsDuration("CALLBACK_TIMEOUT", 5*time.Minute),
		ActorIdleTimeout:             getEnvAsDuration("ACTOR_IDLE_TIMEOUT", 10*time.Minute),
		HistoryEnabled:               getEnvAsBool("HISTORY_ENABLED", true),
		HistoryTTLSuccess:            getEnvAsDuration("HISTORY_TTL_SUCCESS", 1*time.Hour),
		HistoryTTLFailure:            getEnvAsDuration("HISTORY_TTL_FAILURE", 24*time.Hour),
		Logging:                      loadLoggingConfig(),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Validate logging config
	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	return cfg, nil
}

// SchedulerOptions returns the per-actor scheduler options. Clock, logger, metrics and
// history are filled in by the actor directory and the caller.
func (c *Config) SchedulerOptions() (scheduler.Options, error) {
	exhaustion, err := scheduler.ParseExhaustion(c.SchedulerRecurringExhaustion)
	if err != nil {
		return scheduler.Options{}, err
	}
	return scheduler.Options{
		MaxRetries:          c.SchedulerMaxRetries,
		RetryBackoff:        c.SchedulerRetryBackoff,
		MaxBackoff:          c.SchedulerMaxBackoff,
		RecurringExhaustion: exhaustion,
	}, nil
}

// AlarmOptions returns the redelivery options shared by every alarm service
func (c *Config) AlarmOptions() alarm.Options {
	opts := alarm.DefaultOptions()
	if c.AlarmMaxRedeliveries != 0 {
		opts.MaxRedeliveries = c.AlarmMaxRedeliveries
	}
	opts.RetryBackoff = c.AlarmRetryBackoff
	return opts
}

// RedisAlarmOptions returns the options of the redis alarm service
func (c *Config) RedisAlarmOptions() alarm.RedisOptions {
	return alarm.RedisOptions{
		Options:      c.AlarmOptions(),
		PollInterval: c.AlarmPollInterval,
		Workers:      c.AlarmWorkers,
		LockTTL:      c.AlarmLockTTL,
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	// Global settings
	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(strings.ToLower(level))
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(strings.ToLower(format))
	}

	// Tier 1: Console
	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", 65536)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", 100*time.Millisecond)

	// Tier 2: File
	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", "/var/log/plantain/plantain.log")
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	return cfg
}
