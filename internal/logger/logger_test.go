package logger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// lockedBuffer is safe for the flusher goroutine and the write-through path
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*MultiLogger, *lockedBuffer) {
	t.Helper()

	out := &lockedBuffer{}
	cfg := DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Console.Color = false
	cfg.Console.Output = out

	ml, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return ml, out
}

func decodeLines(t *testing.T, s string) []map[string]interface{} {
	t.Helper()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		var m map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("failed to decode log line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, m)
	}
	return lines
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level to be info, got %s", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format to be json, got %s", cfg.Format)
	}
	if !cfg.Console.Enabled {
		t.Error("expected console to be enabled by default")
	}
	if cfg.File.Enabled {
		t.Error("expected file to be disabled by default")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid default config", mutate: func(*Config) {}},
		{name: "invalid log level", mutate: func(c *Config) { c.Level = "invalid" }, wantErr: true},
		{name: "invalid format", mutate: func(c *Config) { c.Format = "invalid" }, wantErr: true},
		{name: "zero flush interval", mutate: func(c *Config) { c.Console.FlushInterval = 0 }, wantErr: true},
		{
			name: "file enabled without path",
			mutate: func(c *Config) {
				c.File.Enabled = true
				c.File.Path = ""
			},
			wantErr: true,
		},
		{
			name: "file enabled with zero batch size",
			mutate: func(c *Config) {
				c.File.Enabled = true
				c.File.BatchSize = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMultiLogger_JSONOutput(t *testing.T) {
	ml, out := newTestLogger(t, LevelInfo, FormatJSON)

	ml.WithComponent(ComponentScheduler).Info("task scheduled", "task_id", "t-1", "delay", 60)
	if err := ml.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	lines := decodeLines(t, out.String())
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %s", len(lines), out.String())
	}
	line := lines[0]
	if line["msg"] != "task scheduled" {
		t.Errorf("msg = %v", line["msg"])
	}
	if line["component"] != "scheduler" {
		t.Errorf("component = %v, want scheduler", line["component"])
	}
	if line["task_id"] != "t-1" {
		t.Errorf("task_id = %v, want t-1", line["task_id"])
	}
}

func TestLoggerWithFields(t *testing.T) {
	ml, out := newTestLogger(t, LevelInfo, FormatJSON)

	base := ml.WithFields(map[string]interface{}{"field1": "value1"})
	derived := base.WithFields(map[string]interface{}{"field2": 123})
	derived.Info("with fields")
	ml.Info("without fields")
	ml.Close()

	lines := decodeLines(t, out.String())
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	if lines[0]["field1"] != "value1" || lines[0]["field2"] != float64(123) {
		t.Errorf("derived logger missing fields: %v", lines[0])
	}
	if _, ok := lines[1]["field1"]; ok {
		t.Error("WithFields leaked into the parent logger")
	}
}

func TestLoggerWithSource(t *testing.T) {
	ml, out := newTestLogger(t, LevelInfo, FormatJSON)

	ml.WithComponent(ComponentActor).WithSource(LogSourceCallback).Info("callback output")
	ml.Close()

	lines := decodeLines(t, out.String())
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	if lines[0]["log_source"] != string(LogSourceCallback) {
		t.Errorf("log_source = %v", lines[0]["log_source"])
	}
	if lines[0]["component"] != string(ComponentActor) {
		t.Errorf("component = %v", lines[0]["component"])
	}
}

func TestLoggerContext(t *testing.T) {
	ml, out := newTestLogger(t, LevelInfo, FormatJSON)

	ctx := WithTaskID(WithActor(context.Background(), "order-42"), "t-9")
	ml.InfoContext(ctx, "firing")
	ml.Close()

	lines := decodeLines(t, out.String())
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	if lines[0]["actor"] != "order-42" || lines[0]["task_id"] != "t-9" {
		t.Errorf("context fields missing: %v", lines[0])
	}
}

func TestLoggerErrorArgsAreStrings(t *testing.T) {
	ml, out := newTestLogger(t, LevelInfo, FormatJSON)

	ml.Error("callback failed", "error", errors.New("boom"))
	ml.Close()

	lines := decodeLines(t, out.String())
	if len(lines) != 1 || lines[0]["error"] != "boom" {
		t.Errorf("expected error field \"boom\", got %v", lines)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	ml, out := newTestLogger(t, LevelWarn, FormatJSON)

	ml.Debug("debug")
	ml.Info("info")
	ml.Warn("warn")
	ml.Error("error")
	ml.Close()

	lines := decodeLines(t, out.String())
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines at warn level, got %d", len(lines))
	}
	if lines[0]["msg"] != "warn" || lines[1]["msg"] != "error" {
		t.Errorf("unexpected messages: %v", lines)
	}
}

func TestColorTextHandler(t *testing.T) {
	out := &lockedBuffer{}
	cfg := DefaultConfig()
	cfg.Format = FormatText
	cfg.Console.Color = true
	cfg.Console.Output = out

	ml, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	ml.Info("alarm armed", "actor", "a1")
	ml.Close()

	got := out.String()
	if !strings.Contains(got, "alarm armed") || !strings.Contains(got, `"actor":"a1"`) {
		t.Errorf("unexpected text output: %q", got)
	}
}

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plantain.log")

	cfg := DefaultConfig()
	cfg.Console.Enabled = false
	cfg.File.Enabled = true
	cfg.File.Path = path
	cfg.File.BatchInterval = 10 * time.Millisecond

	ml, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	ctx := WithActor(context.Background(), "order-1")
	ml.WithComponent(ComponentStore).ErrorContext(ctx, "write failed", "error", "disk full")
	if err := ml.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("failed to decode entry: %v", err)
	}
	if entry.Actor != "order-1" || entry.Error != "disk full" || entry.Component != ComponentStore {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestNoOpLogger(t *testing.T) {
	var l Logger = &NoOpLogger{}

	l.Info("test")
	l.WithComponent(ComponentAPI).WithSource(LogSourceInternal).Error("test")
	if err := l.Close(); err != nil {
		t.Errorf("NoOpLogger.Close() = %v", err)
	}
}

func TestMemoryLogger(t *testing.T) {
	m := NewMemoryLogger()

	m.WithComponent(ComponentScheduler).Error("task dropped", "task_id", "t1", "error", errors.New("bad cron"))
	m.Info("other")

	found := m.Find(LevelError, "task dropped")
	if len(found) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(found))
	}
	if found[0].TaskID != "t1" || found[0].Error != "bad cron" {
		t.Errorf("unexpected entry: %+v", found[0])
	}
	if found[0].Component != ComponentScheduler {
		t.Errorf("component = %s", found[0].Component)
	}
	if len(m.Entries()) != 2 {
		t.Errorf("expected 2 entries, got %d", len(m.Entries()))
	}
}

func TestGlobalLogger(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	mem := NewMemoryLogger()
	SetDefault(mem)

	Info("global message")
	if len(mem.Find(LevelInfo, "global message")) != 1 {
		t.Error("package-level Info did not reach the default logger")
	}
	if OrDefault(nil) != Logger(mem) {
		t.Error("OrDefault(nil) should return the default logger")
	}
}

func TestWriter(t *testing.T) {
	mem := NewMemoryLogger()
	w := NewWriter(mem, LevelWarn)

	n, err := w.Write([]byte("test message"))
	if err != nil {
		t.Errorf("Write() error = %v", err)
	}
	if n != len("test message") {
		t.Errorf("Write() = %d, want %d", n, len("test message"))
	}
	if len(mem.Find(LevelWarn, "test message")) != 1 {
		t.Error("Writer did not log at warn level")
	}
}

func BenchmarkMultiLoggerInfo(b *testing.B) {
	cfg := DefaultConfig()
	cfg.Console.Output = &lockedBuffer{}
	ml, _ := NewLogger(cfg)
	defer ml.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ml.Info("benchmark", "i", i)
	}
}

func BenchmarkDisabledLevel(b *testing.B) {
	cfg := DefaultConfig()
	cfg.Level = LevelError
	cfg.Console.Output = &lockedBuffer{}
	ml, _ := NewLogger(cfg)
	defer ml.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ml.Debug("benchmark", "i", i)
	}
}

func TestMultiLogger_Dropped(t *testing.T) {
	if got := (&MultiLogger{}).Dropped(); got != 0 {
		t.Errorf("Expected 0 drops without a file tier, got %d", got)
	}

	// unbuffered and unread, so every entry is discarded
	fl := &FileLogger{buffer: make(chan *LogEntry)}
	ml := &MultiLogger{file: fl, baseFields: make(map[string]interface{})}

	fl.log(LevelInfo, "first", ComponentAPI, LogSourceInternal, map[string]interface{}{})
	fl.log(LevelWarn, "second", ComponentAPI, LogSourceInternal, map[string]interface{}{})

	if got := ml.Dropped(); got != 2 {
		t.Errorf("Expected 2 dropped entries, got %d", got)
	}
}
