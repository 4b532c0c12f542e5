package scheduler

import (
	"context"
	"time"

	"github.com/muaviaUsmani/plantain/internal/alarm"
	"github.com/muaviaUsmani/plantain/internal/history"
	"github.com/muaviaUsmani/plantain/internal/metrics"
	"github.com/muaviaUsmani/plantain/internal/schedule"
	"github.com/muaviaUsmani/plantain/internal/task"
)

// OnAlarmFired dispatches every due task in due order and re-arms the alarm for the
// earliest remaining task.
//
// A failing callback never stops the batch: the task becomes retry-pending with a backoff
// until MaxRetries is exceeded. A storage failure aborts the batch and is returned so the
// alarm service redelivers the firing; when info shows the firing was already redelivered
// more than MaxRetries times, its due tasks are dropped instead of invoked.
func (s *Scheduler) OnAlarmFired(ctx context.Context, info alarm.RetryInfo) error {
	now := s.opts.Clock.Now()

	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		s.log.Error("Failed to list due tasks", "error", err, "retry_count", info.RetryCount)
		return err
	}

	redeliveryExceeded := s.opts.retriesExhausted(info.RetryCount)
	if len(due) > 0 {
		s.log.Debug("Alarm fired", "due", len(due), "retry_count", info.RetryCount)
	}

	for _, d := range due {
		// an earlier callback in this batch may have cancelled or rescheduled it
		t, err := s.store.Get(ctx, d.ID)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if t.DueAt.After(now) {
			continue
		}

		if redeliveryExceeded {
			err = s.drop(ctx, t, now, metrics.DropRedeliveryExceeded, "alarm redelivered too many times")
		} else {
			err = s.dispatch(ctx, t, now)
		}
		if err != nil {
			return err
		}
	}

	return s.rearm(ctx)
}

// dispatch invokes one due task and writes its next state back to the store
func (s *Scheduler) dispatch(ctx context.Context, t *task.ScheduledTask, now time.Time) error {
	if !s.runtime.HasCallback(t.Callback) {
		return s.drop(ctx, t, now, metrics.DropUnknownCallback, "callback "+t.Callback+" is no longer registered")
	}

	start := s.opts.Clock.Now()
	cbErr := s.runtime.Invoke(ctx, t.Clone())
	duration := s.opts.Clock.Since(start)
	s.opts.Metrics.RecordCallback(duration, cbErr)

	firing := &history.Firing{
		Actor:    s.actor,
		TaskID:   t.ID,
		Callback: t.Callback,
		Kind:     t.Kind,
		Attempt:  t.Attempts + 1,
		FiredAt:  start.UTC(),
		Duration: duration,
	}

	// the callback may have cancelled its own task
	cur, err := s.store.Get(ctx, t.ID)
	if isNotFound(err) {
		firing.Status = history.StatusSucceeded
		if cbErr != nil {
			firing.Status = history.StatusFailed
			firing.Error = cbErr.Error()
		}
		s.record(ctx, firing)
		return nil
	}
	if err != nil {
		return err
	}
	t = cur

	if cbErr == nil {
		firing.Status = history.StatusSucceeded
		if err := s.succeeded(ctx, t, now); err != nil {
			return err
		}
		s.record(ctx, firing)
		return nil
	}

	cbErr = &task.CallbackError{TaskID: t.ID, Callback: t.Callback, Err: cbErr}
	firing.Status = history.StatusFailed
	firing.Error = cbErr.Error()
	s.record(ctx, firing)
	return s.failed(ctx, t, now, cbErr)
}

// succeeded removes a one-shot task, or advances a recurring task to its next occurrence
func (s *Scheduler) succeeded(ctx context.Context, t *task.ScheduledTask, now time.Time) error {
	if !t.Kind.Recurring() {
		if _, err := s.store.Remove(ctx, t.ID); err != nil {
			return err
		}
		s.log.Info("Task completed", "task_id", t.ID, "callback", t.Callback)
		return nil
	}
	return s.advance(ctx, t, now)
}

// advance moves a recurring task to the first occurrence strictly after both now and its
// current due time, skipping occurrences missed while the actor was down
func (s *Scheduler) advance(ctx context.Context, t *task.ScheduledTask, now time.Time) error {
	after := now
	if t.DueAt.After(after) {
		after = t.DueAt
	}

	next, err := schedule.NextCron(t.Cron, t.Timezone, after)
	if err != nil {
		return s.drop(ctx, t, now, metrics.DropInvalidCron, err.Error())
	}

	t.DueAt = next
	t.Attempts = 0
	t.LastError = ""
	t.Touch(now)
	if err := s.store.Put(ctx, t); err != nil {
		return err
	}
	s.log.Debug("Recurring task advanced", "task_id", t.ID, "due_at", next)
	return nil
}

// failed makes the task retry-pending, or gives up once its retries are exhausted
func (s *Scheduler) failed(ctx context.Context, t *task.ScheduledTask, now time.Time, cbErr error) error {
	t.Attempts++
	t.LastError = cbErr.Error()

	if !s.opts.retriesExhausted(t.Attempts) {
		delay := s.opts.backoff(t.Attempts)
		t.DueAt = task.Millis(now.Add(delay))
		t.Touch(now)
		if err := s.store.Put(ctx, t); err != nil {
			return err
		}
		s.log.Warn("Callback failed, retrying",
			"task_id", t.ID,
			"callback", t.Callback,
			"attempt", t.Attempts,
			"retry_in", delay,
			"error", cbErr)
		return nil
	}

	if t.Kind.Recurring() && s.opts.RecurringExhaustion == ExhaustionSkip {
		s.opts.Metrics.RecordTaskDropped(metrics.DropRetriesExhausted)
		s.log.Error("Recurring task exhausted retries, skipping occurrence",
			"task_id", t.ID,
			"callback", t.Callback,
			"attempts", t.Attempts,
			"error", cbErr)
		return s.advance(ctx, t, now)
	}

	return s.drop(ctx, t, now, metrics.DropRetriesExhausted, cbErr.Error())
}

// drop removes t without a successful run and reports it to the log, metrics and history
func (s *Scheduler) drop(ctx context.Context, t *task.ScheduledTask, now time.Time, reason, detail string) error {
	if _, err := s.store.Remove(ctx, t.ID); err != nil {
		return err
	}

	s.opts.Metrics.RecordTaskDropped(reason)
	s.log.Error("Task dropped",
		"task_id", t.ID,
		"type", t.Kind,
		"callback", t.Callback,
		"reason", reason,
		"attempts", t.Attempts,
		"error", detail)

	s.record(ctx, &history.Firing{
		Actor:    s.actor,
		TaskID:   t.ID,
		Callback: t.Callback,
		Kind:     t.Kind,
		Status:   history.StatusDropped,
		Attempt:  t.Attempts,
		Error:    detail,
		Reason:   reason,
		FiredAt:  now.UTC(),
	})
	return nil
}

func (s *Scheduler) record(ctx context.Context, f *history.Firing) {
	if err := s.opts.Recorder.Record(ctx, f); err != nil {
		s.log.Warn("Failed to record firing", "task_id", f.TaskID, "error", err)
	}
}

// rearm arms the alarm for the earliest remaining task even when it is already armed for
// that time, so the firing being handled does not consume it
func (s *Scheduler) rearm(ctx context.Context) error {
	earliest, ok, err := s.store.EarliestDueAt(ctx)
	if err != nil {
		return err
	}
	if !ok {
		if err := s.driver.Disarm(ctx); err != nil {
			return task.Storage("disarm alarm", err)
		}
		return nil
	}
	if err := s.driver.Arm(ctx, earliest); err != nil {
		return task.Storage("arm alarm", err)
	}
	s.log.Debug("Alarm armed", "at", earliest)
	return nil
}
