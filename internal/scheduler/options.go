package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/muaviaUsmani/plantain/internal/history"
	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/metrics"
	"github.com/muaviaUsmani/plantain/internal/task"
)

// Runtime is the actor side of the scheduler: it resolves and invokes named callbacks
type Runtime interface {
	// HasCallback reports whether name resolves to a callback on the actor
	HasCallback(name string) bool
	// Invoke runs the task's callback. A returned error marks the firing as failed.
	Invoke(ctx context.Context, t *task.ScheduledTask) error
}

// Exhaustion decides what happens to a recurring task whose retries ran out
type Exhaustion string

const (
	// ExhaustionDrop removes the recurring task like a one-shot task
	ExhaustionDrop Exhaustion = "drop"
	// ExhaustionSkip gives up on the failing occurrence and moves on to the next one
	ExhaustionSkip Exhaustion = "skip"
)

// ParseExhaustion validates a policy name
func ParseExhaustion(s string) (Exhaustion, error) {
	switch Exhaustion(s) {
	case ExhaustionDrop, ExhaustionSkip:
		return Exhaustion(s), nil
	}
	return "", fmt.Errorf("unknown recurring exhaustion policy %q (want drop or skip)", s)
}

// Options configures retry behavior and collaborators. Start from DefaultOptions: a zero
// MaxRetries means "never retry".
type Options struct {
	// MaxRetries bounds callback retries per firing and alarm redeliveries; negative is unlimited
	MaxRetries int
	// RetryBackoff is the first retry delay; it doubles per attempt
	RetryBackoff time.Duration
	// MaxBackoff caps the retry delay
	MaxBackoff time.Duration
	// RecurringExhaustion applies to cron tasks whose retries ran out
	RecurringExhaustion Exhaustion

	Clock    clockwork.Clock
	Logger   logger.Logger
	Metrics  *metrics.Collector
	Recorder history.Recorder
}

// DefaultOptions returns the documented defaults
func DefaultOptions() Options {
	return Options{
		MaxRetries:          3,
		RetryBackoff:        time.Second,
		MaxBackoff:          30 * time.Second,
		RecurringExhaustion: ExhaustionDrop,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = def.MaxBackoff
	}
	if o.RecurringExhaustion == "" {
		o.RecurringExhaustion = def.RecurringExhaustion
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	o.Logger = logger.OrDefault(o.Logger).WithComponent(logger.ComponentScheduler).WithSource(logger.LogSourceInternal)
	o.Metrics = metrics.OrDefault(o.Metrics)
	o.Recorder = history.OrNop(o.Recorder)
	return o
}

// backoff returns the delay before retry number attempt (1-based): RetryBackoff << (attempt-1)
func (o Options) backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		return o.MaxBackoff
	}
	delay := o.RetryBackoff << uint(shift)
	if delay <= 0 || delay > o.MaxBackoff {
		return o.MaxBackoff
	}
	return delay
}

// retriesExhausted reports whether a task that has failed attempts times must stop retrying
func (o Options) retriesExhausted(attempts int) bool {
	return o.MaxRetries >= 0 && attempts > o.MaxRetries
}
