package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ConsoleLogger implements Tier 1: slog output to stdout through an async buffered writer,
// as JSON or colored text
type ConsoleLogger struct {
	config  *Config
	handler slog.Handler
	writer  *bufferedWriter
}

// bufferedWriter provides async buffered writing with periodic flushing
type bufferedWriter struct {
	writer        io.Writer
	buffer        chan []byte
	flushInterval time.Duration
	done          chan struct{}
	stopped       chan struct{}

	mu     sync.Mutex
	closed bool
}

func newBufferedWriter(w io.Writer, bufferSize int, flushInterval time.Duration) *bufferedWriter {
	entries := bufferSize / 256 // approximate number of log lines
	if entries < 1 {
		entries = 1
	}

	bw := &bufferedWriter{
		writer:        w,
		buffer:        make(chan []byte, entries),
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go bw.flusher()
	return bw
}

// Write implements io.Writer
func (bw *bufferedWriter) Write(p []byte) (n int, err error) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return 0, fmt.Errorf("writer is closed")
	}

	// slog reuses p
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case bw.buffer <- buf:
		return len(p), nil
	default:
		// Buffer full, write through
		return bw.writer.Write(p)
	}
}

func (bw *bufferedWriter) flusher() {
	defer close(bw.stopped)

	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case buf := <-bw.buffer:
			_, _ = bw.writer.Write(buf)
		case <-ticker.C:
			bw.drain()
		case <-bw.done:
			bw.drain()
			return
		}
	}
}

func (bw *bufferedWriter) drain() {
	for {
		select {
		case buf := <-bw.buffer:
			_, _ = bw.writer.Write(buf)
		default:
			return
		}
	}
}

// Close stops the flusher after writing everything buffered
func (bw *bufferedWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	close(bw.done)
	<-bw.stopped
	return nil
}

// NewConsoleLogger creates a new console logger
func NewConsoleLogger(config *Config) (*ConsoleLogger, error) {
	out := config.Console.Output
	if out == nil {
		out = os.Stdout
	}

	cl := &ConsoleLogger{
		config: config,
		writer: newBufferedWriter(out, config.Console.BufferSize, config.Console.FlushInterval),
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel(config.Level),
	}

	switch {
	case config.Format == FormatJSON:
		cl.handler = slog.NewJSONHandler(cl.writer, opts)
	case config.Console.Color:
		cl.handler = newColorTextHandler(cl.writer, opts)
	default:
		cl.handler = slog.NewTextHandler(cl.writer, opts)
	}

	return cl, nil
}

func (cl *ConsoleLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	record := slog.NewRecord(time.Now(), slogLevel(level), msg, 0)

	if component != "" {
		record.AddAttrs(slog.String("component", string(component)))
	}
	if source != "" {
		record.AddAttrs(slog.String("log_source", string(source)))
	}

	// Sorted so text output is stable
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		record.AddAttrs(slog.Any(k, fields[k]))
	}

	_ = cl.handler.Handle(context.Background(), record)
}

// Close flushes and closes the console logger
func (cl *ConsoleLogger) Close() error {
	return cl.writer.Close()
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorTextHandler writes one line per record with a colored level tag
type colorTextHandler struct {
	w    io.Writer
	opts *slog.HandlerOptions
	mu   sync.Mutex

	debugColor *color.Color
	infoColor  *color.Color
	warnColor  *color.Color
	errorColor *color.Color
}

func newColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *colorTextHandler {
	return &colorTextHandler{
		w:          w,
		opts:       opts,
		debugColor: color.New(color.FgCyan),
		infoColor:  color.New(color.FgGreen),
		warnColor:  color.New(color.FgYellow),
		errorColor: color.New(color.FgRed, color.Bold),
	}
}

// Enabled implements slog.Handler
func (h *colorTextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts != nil && h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle implements slog.Handler
func (h *colorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var levelStr string
	switch {
	case r.Level >= slog.LevelError:
		levelStr = h.errorColor.Sprint("ERROR")
	case r.Level >= slog.LevelWarn:
		levelStr = h.warnColor.Sprint("WARN ")
	case r.Level >= slog.LevelInfo:
		levelStr = h.infoColor.Sprint("INFO ")
	default:
		levelStr = h.debugColor.Sprint("DEBUG")
	}

	line := fmt.Sprintf("%s %s %s", r.Time.Format(time.RFC3339), levelStr, r.Message)

	attrs := make(map[string]interface{}, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	if len(attrs) > 0 {
		data, err := json.Marshal(attrs)
		if err != nil {
			return err
		}
		line += " " + string(data)
	}

	_, err := io.WriteString(h.w, line+"\n")
	return err
}

// WithAttrs implements slog.Handler. Attributes are always passed on the record.
func (h *colorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

// WithGroup implements slog.Handler
func (h *colorTextHandler) WithGroup(name string) slog.Handler {
	return h
}
