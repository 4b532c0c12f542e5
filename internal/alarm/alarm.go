// Package alarm provides the single per-actor wake-up primitive. Each actor has at most one
// outstanding alarm; arming again replaces it. Firings are delivered at least once: a handler
// error causes a redelivery with exponential backoff. Once MaxRedeliveries is reached the
// alarm is parked: it fires again after MaxBackoff as a fresh delivery.
package alarm

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	perrors "github.com/muaviaUsmani/plantain/internal/errors"
	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/metrics"
)

// RetryInfo describes a delivery of an alarm
type RetryInfo struct {
	// RetryCount is 0 on the first delivery and grows by one per redelivery
	RetryCount int
	IsRetry    bool
}

// Handler receives alarm firings. A non-nil error schedules a redelivery.
type Handler func(ctx context.Context, actor string, info RetryInfo) error

// Driver is the alarm of one actor
type Driver interface {
	// Arm replaces any outstanding alarm with one firing at `at`
	Arm(ctx context.Context, at time.Time) error
	// Disarm cancels the outstanding alarm; it is idempotent
	Disarm(ctx context.Context) error
	// ArmedAt reports the outstanding alarm time, if any
	ArmedAt(ctx context.Context) (time.Time, bool, error)
}

// Service hands out per-actor drivers and delivers their firings to one handler
type Service interface {
	For(actor string) Driver
	SetHandler(h Handler)
}

// Options is shared by every service implementation
type Options struct {
	// MaxRedeliveries bounds backoff redeliveries of a failing alarm before it is parked.
	// Zero selects the default; negative means unlimited.
	MaxRedeliveries int
	// RetryBackoff is the first redelivery delay; it doubles per attempt
	RetryBackoff time.Duration
	// MaxBackoff caps the redelivery delay
	MaxBackoff time.Duration

	Clock   clockwork.Clock
	Logger  logger.Logger
	Metrics *metrics.Collector
}

// DefaultOptions returns the defaults used when fields are left zero
func DefaultOptions() Options {
	return Options{
		MaxRedeliveries: 6,
		RetryBackoff:    2 * time.Second,
		MaxBackoff:      time.Minute,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxRedeliveries == 0 {
		o.MaxRedeliveries = def.MaxRedeliveries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = def.MaxBackoff
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	o.Logger = logger.OrDefault(o.Logger).WithComponent(logger.ComponentAlarm).WithSource(logger.LogSourceInternal)
	o.Metrics = metrics.OrDefault(o.Metrics)
	return o
}

// Backoff returns the delay before redelivery number retry+1: RetryBackoff << retry, capped
func (o Options) Backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	if retry > 30 {
		return o.MaxBackoff
	}
	delay := o.RetryBackoff << uint(retry)
	if delay <= 0 || delay > o.MaxBackoff {
		return o.MaxBackoff
	}
	return delay
}

// exhausted reports whether a failure on delivery retry should park the alarm
func (o Options) exhausted(retry int) bool {
	return o.MaxRedeliveries >= 0 && retry >= o.MaxRedeliveries
}

// invoke runs h, converting a panic into a *errors.PanicError
func invoke(ctx context.Context, h Handler, actor string, info RetryInfo) error {
	if h == nil {
		return fmt.Errorf("no alarm handler registered")
	}
	return perrors.Safely(func() error {
		return h(ctx, actor, info)
	})
}

// redelivery returns when a delivery that failed on attempt retry is delivered again and
// the retry count it carries. An exhausted alarm is parked: it comes back after MaxBackoff
// with its retry count reset, and parked reports true.
func (o Options) redelivery(retry int, now time.Time) (next time.Time, nextRetry int, parked bool) {
	if o.exhausted(retry) {
		return now.Add(o.MaxBackoff), 0, true
	}
	return now.Add(o.Backoff(retry)), retry + 1, false
}

func (o Options) logFailure(actor string, info RetryInfo, err error, parked bool) {
	if pe, ok := perrors.AsPanic(err); ok {
		o.Logger.Error("Alarm handler panicked", "actor", actor, "panic", perrors.FormatPanicForLog(pe))
	}
	if parked {
		o.Metrics.RecordAlarmParked()
		o.Logger.Error("Alarm parked after final redelivery",
			"actor", actor,
			"retry_count", info.RetryCount,
			"error", err,
			"retry_in", o.MaxBackoff)
		return
	}
	o.Logger.Warn("Alarm handler failed, redelivering",
		"actor", actor,
		"retry_count", info.RetryCount,
		"error", err,
		"retry_in", o.Backoff(info.RetryCount))
}
