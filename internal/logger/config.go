package logger

import (
	"fmt"
	"io"
	"time"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// LogSource distinguishes runtime logs from logs written while a callback runs
type LogSource string

const (
	LogSourceInternal LogSource = "plantain_internal" // Scheduler, store and alarm internals
	LogSourceCallback LogSource = "plantain_callback" // Actor callback execution
)

// Component identifies which part of the system generated the log
type Component string

const (
	ComponentAPI       Component = "api"
	ComponentScheduler Component = "scheduler"
	ComponentStore     Component = "store"
	ComponentAlarm     Component = "alarm"
	ComponentActor     Component = "actor"
	ComponentHistory   Component = "history"
	ComponentRedis     Component = "redis"
	ComponentLogger    Component = "logger"
)

// Config holds the logging configuration for both tiers
type Config struct {
	Level  LogLevel  `json:"level"`
	Format LogFormat `json:"format"`

	// Tier 1: Console (always enabled)
	Console ConsoleConfig `json:"console"`

	// Tier 2: File (optional)
	File FileConfig `json:"file"`
}

// ConsoleConfig configures console/terminal logging (Tier 1)
type ConsoleConfig struct {
	Enabled       bool          `json:"enabled"`
	Color         bool          `json:"color"`          // Colored output (text mode only)
	BufferSize    int           `json:"buffer_size"`    // Async buffer size in bytes
	FlushInterval time.Duration `json:"flush_interval"` // Background flush interval

	// Output overrides stdout
	Output io.Writer `json:"-"`
}

// FileConfig configures rotating file logging (Tier 2)
type FileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`

	BufferSize    int           `json:"buffer_size"`    // Channel buffer size
	BatchSize     int           `json:"batch_size"`     // Entries per write batch
	BatchInterval time.Duration `json:"batch_interval"` // Batch flush interval
}

// DefaultConfig returns a default logging configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Console: ConsoleConfig{
			Enabled:       true,
			Color:         true,
			BufferSize:    65536,
			FlushInterval: 100 * time.Millisecond,
		},
		File: FileConfig{
			Enabled:       false,
			Path:          "/var/log/plantain/plantain.log",
			MaxSizeMB:     100,
			MaxBackups:    5,
			MaxAgeDays:    30,
			Compress:      true,
			BufferSize:    10000,
			BatchSize:     100,
			BatchInterval: 100 * time.Millisecond,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}

	switch c.Format {
	case FormatJSON, FormatText:
	default:
		return fmt.Errorf("invalid log format: %s", c.Format)
	}

	if c.Console.Enabled && c.Console.FlushInterval <= 0 {
		return fmt.Errorf("console flush interval must be > 0")
	}

	if c.File.Enabled {
		if c.File.Path == "" {
			return fmt.Errorf("file logging enabled but path is empty")
		}
		if c.File.MaxSizeMB <= 0 {
			return fmt.Errorf("file max size must be > 0")
		}
		if c.File.BatchSize <= 0 {
			return fmt.Errorf("file batch size must be > 0")
		}
		if c.File.BatchInterval <= 0 {
			return fmt.Errorf("file batch interval must be > 0")
		}
	}

	return nil
}

// levelRank orders levels for filtering
func levelRank(level LogLevel) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}
