package config

import (
	"testing"
	"time"

	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/scheduler"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.RedisURL != "redis://localhost:6379" {
		t.Errorf("Expected default RedisURL, got %s", cfg.RedisURL)
	}
	if cfg.StoreBackend != StoreRedis || cfg.AlarmBackend != AlarmRedis {
		t.Errorf("Expected redis backends, got %s/%s", cfg.StoreBackend, cfg.AlarmBackend)
	}
	if cfg.SchedulerMaxRetries != 3 {
		t.Errorf("Expected SchedulerMaxRetries=3, got %d", cfg.SchedulerMaxRetries)
	}
	if cfg.AlarmMaxRedeliveries != 6 {
		t.Errorf("Expected AlarmMaxRedeliveries=6, got %d", cfg.AlarmMaxRedeliveries)
	}
	if cfg.SchedulerRecurringExhaustion != "drop" {
		t.Errorf("Expected drop exhaustion, got %s", cfg.SchedulerRecurringExhaustion)
	}
	if !cfg.HistoryEnabled {
		t.Error("Expected history to be enabled")
	}
	if cfg.Logging.Level != logger.LevelInfo {
		t.Errorf("Expected info log level, got %s", cfg.Logging.Level)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/plantain-test.db")
	t.Setenv("ALARM_BACKEND", "local")
	t.Setenv("SCHEDULER_MAX_RETRIES", "-1")
	t.Setenv("SCHEDULER_RECURRING_EXHAUSTION", "skip")
	t.Setenv("SCHEDULER_RETRY_BACKOFF", "500ms")
	t.Setenv("CALLBACK_TIMEOUT", "10s")
	t.Setenv("ACTOR_IDLE_TIMEOUT", "0s")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.StoreBackend != StoreSQLite || cfg.SQLitePath != "/tmp/plantain-test.db" {
		t.Errorf("Expected sqlite store at path, got %s %s", cfg.StoreBackend, cfg.SQLitePath)
	}
	if cfg.AlarmBackend != AlarmLocal {
		t.Errorf("Expected local alarms, got %s", cfg.AlarmBackend)
	}
	if cfg.CallbackTimeout != 10*time.Second || cfg.ActorIdleTimeout != 0 {
		t.Errorf("Expected timeouts 10s/0, got %v/%v", cfg.CallbackTimeout, cfg.ActorIdleTimeout)
	}
	if cfg.Logging.Level != logger.LevelDebug {
		t.Errorf("Expected debug log level, got %s", cfg.Logging.Level)
	}

	opts, err := cfg.SchedulerOptions()
	if err != nil {
		t.Fatalf("SchedulerOptions failed: %v", err)
	}
	if opts.MaxRetries != -1 || opts.RecurringExhaustion != scheduler.ExhaustionSkip || opts.RetryBackoff != 500*time.Millisecond {
		t.Errorf("Unexpected scheduler options: %+v", opts)
	}
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("ALARM_WORKERS", "lots")
	t.Setenv("ALARM_POLL_INTERVAL", "soon")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.AlarmWorkers != 4 || cfg.AlarmPollInterval != 250*time.Millisecond {
		t.Errorf("Expected defaults, got %d %v", cfg.AlarmWorkers, cfg.AlarmPollInterval)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"STORE_BACKEND": "postgres"}},
		{"unknown alarm backend", map[string]string{"ALARM_BACKEND": "cron"}},
		{"non-numeric port", map[string]string{"API_PORT": "http"}},
		{"zero workers", map[string]string{"ALARM_WORKERS": "0"}},
		{"unknown exhaustion", map[string]string{"SCHEDULER_RECURRING_EXHAUSTION": "retry"}},
		{"backoff above cap", map[string]string{"SCHEDULER_RETRY_BACKOFF": "1m", "SCHEDULER_MAX_BACKOFF": "10s"}},
		{"negative callback timeout", map[string]string{"CALLBACK_TIMEOUT": "-1s"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}},
		{"file log without batch", map[string]string{"LOG_FILE_ENABLED": "true", "LOG_FILE_BATCH_SIZE": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

func TestRedisAlarmOptions(t *testing.T) {
	t.Setenv("ALARM_WORKERS", "8")
	t.Setenv("ALARM_MAX_REDELIVERIES", "-1")
	t.Setenv("ALARM_LOCK_TTL", "1m")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	opts := cfg.RedisAlarmOptions()
	if opts.Workers != 8 || opts.LockTTL != time.Minute || opts.MaxRedeliveries != -1 {
		t.Errorf("Unexpected alarm options: %+v", opts)
	}
	if opts.RetryBackoff != 2*time.Second {
		t.Errorf("Expected 2s retry backoff, got %v", opts.RetryBackoff)
	}
}

func TestAlarmOptions_MaxRedeliveries(t *testing.T) {
	tests := []struct {
		env  string
		want int
	}{
		{"0", 6},
		{"2", 2},
		{"-1", -1},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("ALARM_MAX_REDELIVERIES", tt.env)
			cfg, err := LoadConfig()
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}
			if got := cfg.AlarmOptions().MaxRedeliveries; got != tt.want {
				t.Errorf("Expected MaxRedeliveries=%d, got %d", tt.want, got)
			}
		})
	}
}
