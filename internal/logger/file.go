package logger

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger implements Tier 2: JSON lines in a lumberjack-rotated file, written in batches
// by a background goroutine
type FileLogger struct {
	config    *Config
	logger    *lumberjack.Logger
	buffer    chan *LogEntry
	batchBuf  []*LogEntry
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64
}

// NewFileLogger creates a new file logger
func NewFileLogger(config *Config) (*FileLogger, error) {
	if !config.File.Enabled {
		return nil, fmt.Errorf("file logging is not enabled")
	}

	lumber := &lumberjack.Logger{
		Filename:   config.File.Path,
		MaxSize:    config.File.MaxSizeMB,
		MaxBackups: config.File.MaxBackups,
		MaxAge:     config.File.MaxAgeDays,
		Compress:   config.File.Compress,
	}

	fl := &FileLogger{
		config:    config,
		logger:    lumber,
		buffer:    make(chan *LogEntry, config.File.BufferSize),
		batchBuf:  make([]*LogEntry, 0, config.File.BatchSize),
		closeChan: make(chan struct{}),
	}

	fl.wg.Add(1)
	go fl.batchWriter()

	return fl, nil
}

func (fl *FileLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	entry := &LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: component,
		Source:    source,
		Fields:    fields,
	}

	if actor, ok := fields["actor"].(string); ok {
		entry.Actor = actor
	}
	if id, ok := fields["task_id"].(string); ok {
		entry.TaskID = id
	}
	if err, ok := fields["error"]; ok {
		entry.Error = fmt.Sprintf("%v", err)
	}

	select {
	case fl.buffer <- entry:
	default:
		fl.dropped.Add(1)
	}
}

// Dropped returns how many entries were discarded because the buffer was full
func (fl *FileLogger) Dropped() int64 {
	return fl.dropped.Load()
}

func (fl *FileLogger) batchWriter() {
	defer fl.wg.Done()

	ticker := time.NewTicker(fl.config.File.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-fl.buffer:
			fl.batchBuf = append(fl.batchBuf, entry)
			if len(fl.batchBuf) >= fl.config.File.BatchSize {
				fl.flush()
			}

		case <-ticker.C:
			fl.flush()

		case <-fl.closeChan:
			for {
				select {
				case entry := <-fl.buffer:
					fl.batchBuf = append(fl.batchBuf, entry)
				default:
					fl.flush()
					return
				}
			}
		}
	}
}

func (fl *FileLogger) flush() {
	if len(fl.batchBuf) == 0 {
		return
	}

	for _, entry := range fl.batchBuf {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = fl.logger.Write(append(data, '\n'))
	}

	fl.batchBuf = fl.batchBuf[:0]
}

// Close flushes and closes the file logger
func (fl *FileLogger) Close() error {
	var err error
	fl.closeOnce.Do(func() {
		close(fl.closeChan)
		fl.wg.Wait()
		if cerr := fl.logger.Close(); cerr != nil {
			err = fmt.Errorf("failed to close file logger: %w", cerr)
		}
	})
	return err
}

// Rotate triggers manual log rotation
func (fl *FileLogger) Rotate() error {
	return fl.logger.Rotate()
}
