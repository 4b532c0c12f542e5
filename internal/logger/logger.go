// Package logger provides the two-tier structured logger used by every plantain component.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Logger is the main interface for logging throughout the application
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	// Context variants pick up the actor and task ID set with WithActor / WithTaskID
	DebugContext(ctx context.Context, msg string, args ...interface{})
	InfoContext(ctx context.Context, msg string, args ...interface{})
	WarnContext(ctx context.Context, msg string, args ...interface{})
	ErrorContext(ctx context.Context, msg string, args ...interface{})

	WithFields(fields map[string]interface{}) Logger
	WithComponent(component Component) Logger
	WithSource(source LogSource) Logger

	// Close flushes and closes all log destinations
	Close() error
}

// LogEntry is the JSON line written by the file tier
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Component Component              `json:"component,omitempty"`
	Source    LogSource              `json:"log_source,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Actor     string                 `json:"actor,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

type ctxKey string

const (
	actorKey  ctxKey = "actor"
	taskIDKey ctxKey = "task_id"
)

// WithActor returns a context whose log lines carry the actor name
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// WithTaskID returns a context whose log lines carry the task ID
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// contextFields copies the well-known context values into fields
func contextFields(ctx context.Context, fields map[string]interface{}) {
	if ctx == nil {
		return
	}
	if actor, ok := ctx.Value(actorKey).(string); ok {
		fields["actor"] = actor
	}
	if id, ok := ctx.Value(taskIDKey).(string); ok {
		fields["task_id"] = id
	}
}

// parseArgs merges base fields with variadic key-value pairs. A trailing key without a value is dropped.
func parseArgs(base map[string]interface{}, args []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(base)+len(args)/2)
	for k, v := range base {
		fields[k] = v
	}
	for i := 0; i+1 < len(args); i += 2 {
		key := fmt.Sprintf("%v", args[i])
		if err, ok := args[i+1].(error); ok {
			fields[key] = err.Error()
			continue
		}
		fields[key] = args[i+1]
	}
	return fields
}

// MultiLogger implements Logger by dispatching to the console and file tiers
type MultiLogger struct {
	config     *Config
	console    *ConsoleLogger
	file       *FileLogger
	baseFields map[string]interface{}
	component  Component
	source     LogSource
}

// NewLogger creates a new multi-tier logger based on configuration
func NewLogger(config *Config) (*MultiLogger, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logger config: %w", err)
	}

	ml := &MultiLogger{
		config:     config,
		baseFields: make(map[string]interface{}),
	}

	if config.Console.Enabled {
		console, err := NewConsoleLogger(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create console logger: %w", err)
		}
		ml.console = console
	}

	// File logging is optional; a bad path downgrades to console only
	if config.File.Enabled {
		file, err := NewFileLogger(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to create file logger: %v\n", err)
		} else {
			ml.file = file
		}
	}

	return ml, nil
}

// Dropped returns how many file-tier entries were discarded because its buffer was full
func (ml *MultiLogger) Dropped() int64 {
	if ml.file == nil {
		return 0
	}
	return ml.file.Dropped()
}

func (ml *MultiLogger) Debug(msg string, args ...interface{}) {
	ml.DebugContext(context.Background(), msg, args...)
}

func (ml *MultiLogger) Info(msg string, args ...interface{}) {
	ml.InfoContext(context.Background(), msg, args...)
}

func (ml *MultiLogger) Warn(msg string, args ...interface{}) {
	ml.WarnContext(context.Background(), msg, args...)
}

func (ml *MultiLogger) Error(msg string, args ...interface{}) {
	ml.ErrorContext(context.Background(), msg, args...)
}

func (ml *MultiLogger) DebugContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelDebug, msg, args...)
}

func (ml *MultiLogger) InfoContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelInfo, msg, args...)
}

func (ml *MultiLogger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelWarn, msg, args...)
}

func (ml *MultiLogger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	ml.log(ctx, LevelError, msg, args...)
}

// clone copies the logger sharing its backends
func (ml *MultiLogger) clone() *MultiLogger {
	c := *ml
	return &c
}

// WithFields returns a new logger with additional fields
func (ml *MultiLogger) WithFields(fields map[string]interface{}) Logger {
	c := ml.clone()
	c.baseFields = make(map[string]interface{}, len(ml.baseFields)+len(fields))
	for k, v := range ml.baseFields {
		c.baseFields[k] = v
	}
	for k, v := range fields {
		c.baseFields[k] = v
	}
	return c
}

// WithComponent returns a new logger tagged with a component
func (ml *MultiLogger) WithComponent(component Component) Logger {
	c := ml.clone()
	c.component = component
	return c
}

// WithSource returns a new logger tagged with a log source
func (ml *MultiLogger) WithSource(source LogSource) Logger {
	c := ml.clone()
	c.source = source
	return c
}

// Close flushes and closes all log destinations
func (ml *MultiLogger) Close() error {
	var errs []error

	if ml.console != nil {
		if err := ml.console.Close(); err != nil {
			errs = append(errs, fmt.Errorf("console close: %w", err))
		}
	}

	if ml.file != nil {
		if err := ml.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("file close: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (ml *MultiLogger) shouldLog(level LogLevel) bool {
	return levelRank(level) >= levelRank(ml.config.Level)
}

// log dispatches a log entry to all enabled backends
func (ml *MultiLogger) log(ctx context.Context, level LogLevel, msg string, args ...interface{}) {
	if !ml.shouldLog(level) {
		return
	}

	fields := parseArgs(ml.baseFields, args)
	contextFields(ctx, fields)

	if ml.console != nil {
		ml.console.log(level, msg, ml.component, ml.source, fields)
	}
	if ml.file != nil {
		ml.file.log(level, msg, ml.component, ml.source, fields)
	}
}

// NoOpLogger is a logger that does nothing (for testing)
type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{})                            {}
func (n *NoOpLogger) Info(msg string, args ...interface{})                             {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})                             {}
func (n *NoOpLogger) Error(msg string, args ...interface{})                            {}
func (n *NoOpLogger) DebugContext(ctx context.Context, msg string, args ...interface{}) {}
func (n *NoOpLogger) InfoContext(ctx context.Context, msg string, args ...interface{})  {}
func (n *NoOpLogger) WarnContext(ctx context.Context, msg string, args ...interface{})  {}
func (n *NoOpLogger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {}
func (n *NoOpLogger) WithFields(fields map[string]interface{}) Logger                  { return n }
func (n *NoOpLogger) WithComponent(component Component) Logger                         { return n }
func (n *NoOpLogger) WithSource(source LogSource) Logger                               { return n }
func (n *NoOpLogger) Close() error                                                     { return nil }

var _ Logger = (*NoOpLogger)(nil)

var defaultLogger Logger = &NoOpLogger{}
var loggerMu sync.RWMutex

// SetDefault sets the global default logger
func SetDefault(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	defaultLogger = l
}

// Default returns the global default logger
func Default() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// OrDefault returns l, or the global logger when l is nil
func OrDefault(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}

func Debug(msg string, args ...interface{}) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...interface{}) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...interface{}) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...interface{}) {
	Default().Error(msg, args...)
}

// Writer adapts a Logger to io.Writer, one log line per Write
type Writer struct {
	logger Logger
	level  LogLevel
}

// NewWriter returns an io.Writer that logs each write at level
func NewWriter(logger Logger, level LogLevel) io.Writer {
	return &Writer{
		logger: logger,
		level:  level,
	}
}

func (w *Writer) Write(p []byte) (n int, err error) {
	msg := string(p)
	switch w.level {
	case LevelDebug:
		w.logger.Debug(msg)
	case LevelInfo:
		w.logger.Info(msg)
	case LevelWarn:
		w.logger.Warn(msg)
	case LevelError:
		w.logger.Error(msg)
	}
	return len(p), nil
}
