package logger

import (
	"context"
	"sync"
	"time"
)

// MemoryLogger keeps entries in memory so tests can assert on what was logged
type MemoryLogger struct {
	store      *memoryStore
	baseFields map[string]interface{}
	component  Component
	source     LogSource
}

type memoryStore struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewMemoryLogger returns an empty MemoryLogger
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{store: &memoryStore{}}
}

// Entries returns a copy of everything logged so far, across derived loggers
func (m *MemoryLogger) Entries() []LogEntry {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return append([]LogEntry(nil), m.store.entries...)
}

// Find returns the entries at level whose message equals msg
func (m *MemoryLogger) Find(level LogLevel, msg string) []LogEntry {
	var out []LogEntry
	for _, e := range m.Entries() {
		if e.Level == level && e.Message == msg {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryLogger) record(ctx context.Context, level LogLevel, msg string, args []interface{}) {
	fields := parseArgs(m.baseFields, args)
	contextFields(ctx, fields)

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: m.component,
		Source:    m.source,
		Fields:    fields,
	}
	entry.Actor, _ = fields["actor"].(string)
	entry.TaskID, _ = fields["task_id"].(string)
	if err, ok := fields["error"].(string); ok {
		entry.Error = err
	}

	m.store.mu.Lock()
	m.store.entries = append(m.store.entries, entry)
	m.store.mu.Unlock()
}

func (m *MemoryLogger) Debug(msg string, args ...interface{}) {
	m.record(context.Background(), LevelDebug, msg, args)
}

func (m *MemoryLogger) Info(msg string, args ...interface{}) {
	m.record(context.Background(), LevelInfo, msg, args)
}

func (m *MemoryLogger) Warn(msg string, args ...interface{}) {
	m.record(context.Background(), LevelWarn, msg, args)
}

func (m *MemoryLogger) Error(msg string, args ...interface{}) {
	m.record(context.Background(), LevelError, msg, args)
}

func (m *MemoryLogger) DebugContext(ctx context.Context, msg string, args ...interface{}) {
	m.record(ctx, LevelDebug, msg, args)
}

func (m *MemoryLogger) InfoContext(ctx context.Context, msg string, args ...interface{}) {
	m.record(ctx, LevelInfo, msg, args)
}

func (m *MemoryLogger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	m.record(ctx, LevelWarn, msg, args)
}

func (m *MemoryLogger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	m.record(ctx, LevelError, msg, args)
}

func (m *MemoryLogger) WithFields(fields map[string]interface{}) Logger {
	c := *m
	c.baseFields = parseArgs(m.baseFields, nil)
	for k, v := range fields {
		c.baseFields[k] = v
	}
	return &c
}

func (m *MemoryLogger) WithComponent(component Component) Logger {
	c := *m
	c.component = component
	return &c
}

func (m *MemoryLogger) WithSource(source LogSource) Logger {
	c := *m
	c.source = source
	return &c
}

func (m *MemoryLogger) Close() error { return nil }

var _ Logger = (*MemoryLogger)(nil)
