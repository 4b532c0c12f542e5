// Package scheduler multiplexes an actor's scheduled tasks onto its single alarm. It keeps
// the alarm armed for the earliest pending task and dispatches due tasks when it fires.
//
// A Scheduler is not safe for concurrent use; the owning actor serializes every call.
// Firings are delivered at least once, so callbacks must be idempotent: a firing can be
// redelivered after a storage failure, and a task cancelled while its firing is already
// running may still run once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/muaviaUsmani/plantain/internal/alarm"
	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/schedule"
	"github.com/muaviaUsmani/plantain/internal/store"
	"github.com/muaviaUsmani/plantain/internal/task"
)

// Scheduler coordinates one actor's timer store and alarm
type Scheduler struct {
	actor   string
	store   store.Store
	driver  alarm.Driver
	runtime Runtime
	opts    Options
	log     logger.Logger
}

// New creates the scheduler of actor. The driver must not be armed by anyone else.
func New(actor string, st store.Store, driver alarm.Driver, rt Runtime, opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		actor:   actor,
		store:   st,
		driver:  driver,
		runtime: rt,
		opts:    opts,
		log:     opts.Logger.WithFields(map[string]interface{}{"actor": actor}),
	}
}

// Actor returns the name of the owning actor
func (s *Scheduler) Actor() string {
	return s.actor
}

// Schedule validates and persists a new task and arms the alarm when the task is now the
// earliest. Validation failures are returned as *task.ValidationError and nothing is stored.
func (s *Scheduler) Schedule(ctx context.Context, trigger schedule.Trigger, callback string, payload []byte) (*task.ScheduledTask, error) {
	if callback == "" {
		return nil, &task.ValidationError{Field: "callback", Reason: "callback name cannot be empty"}
	}
	if !s.runtime.HasCallback(callback) {
		return nil, &task.ValidationError{Field: "callback", Reason: fmt.Sprintf("actor has no callback named %q", callback)}
	}

	now := s.opts.Clock.Now()
	t := &task.ScheduledTask{
		ID:        uuid.NewString(),
		Callback:  callback,
		Payload:   payload,
		CreatedAt: task.Millis(now),
		UpdatedAt: task.Millis(now),
	}
	if err := trigger.Apply(t, now); err != nil {
		return nil, err
	}

	if err := s.store.Put(ctx, t); err != nil {
		return nil, err
	}

	if err := s.armFor(ctx, t.DueAt); err != nil {
		// an unarmed task would never fire
		if _, rmErr := s.store.Remove(ctx, t.ID); rmErr != nil {
			s.log.Error("Failed to roll back unarmed task", "task_id", t.ID, "error", rmErr)
		}
		return nil, err
	}

	s.opts.Metrics.RecordTaskScheduled(t.Kind)
	s.log.Info("Task scheduled",
		"task_id", t.ID,
		"type", t.Kind,
		"callback", t.Callback,
		"due_at", t.DueAt)
	return t, nil
}

// Cancel removes a task. It reports true only when a task was actually removed, and
// re-arms the alarm for the next earliest task (or disarms it) afterwards.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	removed, err := s.store.Remove(ctx, id)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}

	s.opts.Metrics.RecordTaskCancelled()
	s.log.Info("Task cancelled", "task_id", id)

	if err := s.sync(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Get returns the task with id, or task.ErrNotFound
func (s *Scheduler) Get(ctx context.Context, id string) (*task.ScheduledTask, error) {
	return s.store.Get(ctx, id)
}

// List returns the tasks matching f in due order
func (s *Scheduler) List(ctx context.Context, f task.Filter) ([]*task.ScheduledTask, error) {
	return s.store.List(ctx, f)
}

// Restore reconciles the alarm with the timer store. Actors call it when they are activated,
// since the alarm may have been lost or left stale while the actor was evicted.
func (s *Scheduler) Restore(ctx context.Context) error {
	return s.sync(ctx)
}

// armFor arms the alarm for due unless it is already armed for an earlier time. An unarmed
// alarm may hide older pending tasks, so it is rebuilt from the store instead.
func (s *Scheduler) armFor(ctx context.Context, due time.Time) error {
	at, armed, err := s.driver.ArmedAt(ctx)
	if err != nil {
		return task.Storage("read alarm", err)
	}
	if !armed {
		return s.sync(ctx)
	}
	if !due.Before(at) {
		return nil
	}
	if err := s.driver.Arm(ctx, due); err != nil {
		return task.Storage("arm alarm", err)
	}
	s.log.Debug("Alarm armed", "at", due)
	return nil
}

// sync arms the alarm for exactly the earliest pending task, or disarms it
func (s *Scheduler) sync(ctx context.Context) error {
	earliest, ok, err := s.store.EarliestDueAt(ctx)
	if err != nil {
		return err
	}

	at, armed, err := s.driver.ArmedAt(ctx)
	if err != nil {
		return task.Storage("read alarm", err)
	}

	if !ok {
		if !armed {
			return nil
		}
		if err := s.driver.Disarm(ctx); err != nil {
			return task.Storage("disarm alarm", err)
		}
		s.log.Debug("Alarm disarmed, no tasks pending")
		return nil
	}

	if armed && at.Equal(earliest) {
		return nil
	}
	if err := s.driver.Arm(ctx, earliest); err != nil {
		return task.Storage("arm alarm", err)
	}
	s.log.Debug("Alarm armed", "at", earliest)
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, task.ErrNotFound)
}
