// Package metrics keeps in-memory counters for scheduling, callback and alarm activity.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/muaviaUsmani/plantain/internal/task"
)

// Drop reasons reported with RecordTaskDropped
const (
	DropRetriesExhausted   = "retries_exhausted"
	DropRedeliveryExceeded = "redelivery_exceeded"
	DropInvalidCron        = "invalid_cron"
	DropUnknownCallback    = "unknown_callback"
)

var (
	globalCollector *Collector
	once            sync.Once
)

// Collector tracks system-wide metrics in memory
type Collector struct {
	tasksScheduled     atomic.Int64
	tasksCancelled     atomic.Int64
	callbacksSucceeded atomic.Int64
	callbacksFailed    atomic.Int64
	tasksDropped       atomic.Int64
	alarmFirings       atomic.Int64
	alarmRedeliveries  atomic.Int64
	alarmsParked       atomic.Int64
	activeActors       atomic.Int64

	mu              sync.RWMutex
	scheduledByKind map[task.Kind]int64
	droppedByReason map[string]int64
	totalDuration   time.Duration
	startTime       time.Time
	errorCount      int64
	invocationCount int64
	logDrops        func() int64
}

// Metrics is a snapshot of current system metrics
type Metrics struct {
	TasksScheduled      int64               `json:"tasks_scheduled"`
	TasksCancelled      int64               `json:"tasks_cancelled"`
	CallbacksSucceeded  int64               `json:"callbacks_succeeded"`
	CallbacksFailed     int64               `json:"callbacks_failed"`
	TasksDropped        int64               `json:"tasks_dropped"`
	AlarmFirings        int64               `json:"alarm_firings"`
	AlarmRedeliveries   int64               `json:"alarm_redeliveries"`
	AlarmsParked        int64               `json:"alarms_parked"`
	ActiveActors        int64               `json:"active_actors"`
	LogEntriesDropped   int64               `json:"log_entries_dropped"`
	ScheduledByKind     map[task.Kind]int64 `json:"scheduled_by_kind"`
	DroppedByReason     map[string]int64    `json:"dropped_by_reason"`
	AvgCallbackDuration time.Duration       `json:"avg_callback_duration"`
	ErrorRate           float64             `json:"error_rate"`
	Uptime              time.Duration       `json:"uptime"`
}

// Default returns the global metrics collector instance
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// OrDefault returns c, or the global collector when c is nil
func OrDefault(c *Collector) *Collector {
	if c == nil {
		return Default()
	}
	return c
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		scheduledByKind: make(map[task.Kind]int64),
		droppedByReason: make(map[string]int64),
		startTime:       time.Now(),
	}
}

// RecordTaskScheduled counts a newly admitted task
func (c *Collector) RecordTaskScheduled(kind task.Kind) {
	c.tasksScheduled.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduledByKind[kind]++
}

// RecordTaskCancelled counts an explicit cancellation
func (c *Collector) RecordTaskCancelled() {
	c.tasksCancelled.Add(1)
}

// RecordCallback records one callback invocation and its outcome
func (c *Collector) RecordCallback(duration time.Duration, err error) {
	if err != nil {
		c.callbacksFailed.Add(1)
	} else {
		c.callbacksSucceeded.Add(1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDuration += duration
	c.invocationCount++
	if err != nil {
		c.errorCount++
	}
}

// RecordTaskDropped counts a task removed without completing
func (c *Collector) RecordTaskDropped(reason string) {
	c.tasksDropped.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.droppedByReason[reason]++
}

// RecordAlarmFired counts an alarm delivery
func (c *Collector) RecordAlarmFired(redelivery bool) {
	c.alarmFirings.Add(1)
	if redelivery {
		c.alarmRedeliveries.Add(1)
	}
}

// RecordAlarmParked counts an alarm pushed back to MaxBackoff after its last redelivery
func (c *Collector) RecordAlarmParked() {
	c.alarmsParked.Add(1)
}

// ObserveLogDrops reports fn's value as LogEntriesDropped in every snapshot
func (c *Collector) ObserveLogDrops(fn func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logDrops = fn
}

// SetActiveActors updates the number of actor instances held in memory
func (c *Collector) SetActiveActors(n int64) {
	c.activeActors.Store(n)
}

// GetMetrics returns a snapshot of current metrics
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	scheduledByKind := make(map[task.Kind]int64, len(c.scheduledByKind))
	for k, v := range c.scheduledByKind {
		scheduledByKind[k] = v
	}

	droppedByReason := make(map[string]int64, len(c.droppedByReason))
	for k, v := range c.droppedByReason {
		droppedByReason[k] = v
	}

	var avgDuration time.Duration
	if c.invocationCount > 0 {
		avgDuration = c.totalDuration / time.Duration(c.invocationCount)
	}

	var errorRate float64
	if c.invocationCount > 0 {
		errorRate = float64(c.errorCount) / float64(c.invocationCount) * 100
	}

	var logDropped int64
	if c.logDrops != nil {
		logDropped = c.logDrops()
	}

	return Metrics{
		TasksScheduled:      c.tasksScheduled.Load(),
		TasksCancelled:      c.tasksCancelled.Load(),
		CallbacksSucceeded:  c.callbacksSucceeded.Load(),
		CallbacksFailed:     c.callbacksFailed.Load(),
		TasksDropped:        c.tasksDropped.Load(),
		AlarmFirings:        c.alarmFirings.Load(),
		AlarmRedeliveries:   c.alarmRedeliveries.Load(),
		AlarmsParked:        c.alarmsParked.Load(),
		ActiveActors:        c.activeActors.Load(),
		LogEntriesDropped:   logDropped,
		ScheduledByKind:     scheduledByKind,
		DroppedByReason:     droppedByReason,
		AvgCallbackDuration: avgDuration,
		ErrorRate:           errorRate,
		Uptime:              time.Since(c.startTime),
	}
}

// Reset clears all metrics (useful for testing)
func (c *Collector) Reset() {
	c.tasksScheduled.Store(0)
	c.tasksCancelled.Store(0)
	c.callbacksSucceeded.Store(0)
	c.callbacksFailed.Store(0)
	c.tasksDropped.Store(0)
	c.alarmFirings.Store(0)
	c.alarmRedeliveries.Store(0)
	c.alarmsParked.Store(0)
	c.activeActors.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduledByKind = make(map[task.Kind]int64)
	c.droppedByReason = make(map[string]int64)
	c.totalDuration = 0
	c.startTime = time.Now()
	c.errorCount = 0
	c.invocationCount = 0
}

// GetMetrics returns metrics from the global collector
func GetMetrics() Metrics {
	return Default().GetMetrics()
}

// ResetMetrics resets the global collector
func ResetMetrics() {
	Default().Reset()
}
