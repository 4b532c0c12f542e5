package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muaviaUsmani/plantain/internal/alarm"
	perrors "github.com/muaviaUsmani/plantain/internal/errors"
	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/schedule"
	"github.com/muaviaUsmani/plantain/internal/scheduler"
	"github.com/muaviaUsmani/plantain/internal/store"
	"github.com/muaviaUsmani/plantain/internal/task"
)

// ErrEvicted is returned by an instance that was evicted from memory. Look the actor up
// again to get a fresh instance over the same durable state.
var ErrEvicted = errors.New("actor instance evicted")

// ErrCallbackTimeout wraps callback failures caused by CallbackTimeout
var ErrCallbackTimeout = errors.New("callback timed out")

// Instance is one live actor. Every operation holds the instance lock, so schedule,
// cancel, list and alarm firings never interleave.
type Instance struct {
	name    string
	def     *Definition
	state   store.KV
	sched   *scheduler.Scheduler
	timeout time.Duration
	now     func() time.Time
	log     logger.Logger

	mu         sync.Mutex
	evicted    atomic.Bool
	lastActive atomic.Int64
}

// Name returns the stable actor name
func (i *Instance) Name() string {
	return i.name
}

// LastActive returns when the instance last served an operation
func (i *Instance) LastActive() time.Time {
	return time.Unix(0, i.lastActive.Load())
}

// lock acquires the instance for one operation
func (i *Instance) lock() error {
	i.mu.Lock()
	if i.evicted.Load() {
		i.mu.Unlock()
		return ErrEvicted
	}
	i.lastActive.Store(i.now().UnixNano())
	return nil
}

// Schedule validates and persists a task; see scheduler.Scheduler.Schedule
func (i *Instance) Schedule(ctx context.Context, trigger schedule.Trigger, callback string, payload []byte) (*task.ScheduledTask, error) {
	if err := i.lock(); err != nil {
		return nil, err
	}
	defer i.mu.Unlock()
	return i.sched.Schedule(ctx, trigger, callback, payload)
}

// Cancel removes a task and reports whether one was removed
func (i *Instance) Cancel(ctx context.Context, id string) (bool, error) {
	if err := i.lock(); err != nil {
		return false, err
	}
	defer i.mu.Unlock()
	return i.sched.Cancel(ctx, id)
}

// Get returns one task or task.ErrNotFound
func (i *Instance) Get(ctx context.Context, id string) (*task.ScheduledTask, error) {
	if err := i.lock(); err != nil {
		return nil, err
	}
	defer i.mu.Unlock()
	return i.sched.Get(ctx, id)
}

// List returns the tasks matching f in due order
func (i *Instance) List(ctx context.Context, f task.Filter) ([]*task.ScheduledTask, error) {
	if err := i.lock(); err != nil {
		return nil, err
	}
	defer i.mu.Unlock()
	return i.sched.List(ctx, f)
}

// Do runs fn as one serialized operation on the actor, with access to its state and
// scheduling. Panics in fn are returned as *errors.PanicError.
func (i *Instance) Do(ctx context.Context, fn func(ctx context.Context, c *Context) error) error {
	if err := i.lock(); err != nil {
		return err
	}
	defer i.mu.Unlock()

	c := &Context{
		Actor:  i.name,
		State:  i.state,
		Logger: i.log.WithSource(logger.LogSourceCallback),
		inst:   i,
	}
	return perrors.Safely(func() error { return fn(ctx, c) })
}

// fire delivers an alarm firing to the scheduler
func (i *Instance) fire(ctx context.Context, info alarm.RetryInfo) error {
	if err := i.lock(); err != nil {
		return err
	}
	defer i.mu.Unlock()
	return i.sched.OnAlarmFired(ctx, info)
}

// restore rebuilds derived state after activation
func (i *Instance) restore(ctx context.Context) error {
	if err := i.lock(); err != nil {
		return err
	}
	defer i.mu.Unlock()
	return i.sched.Restore(ctx)
}

// evict marks the instance dead once its in-flight operation finishes
func (i *Instance) evict() {
	i.mu.Lock()
	i.evicted.Store(true)
	i.mu.Unlock()
}

// tryEvictIdle evicts the instance if it is not busy and idle since before cutoff
func (i *Instance) tryEvictIdle(cutoff time.Time) bool {
	if !i.mu.TryLock() {
		return false
	}
	defer i.mu.Unlock()
	if i.evicted.Load() || !i.LastActive().Before(cutoff) {
		return false
	}
	i.evicted.Store(true)
	return true
}

// Evicted reports whether the instance was evicted. An instance is marked evicted only
// between operations, never during one.
func (i *Instance) Evicted() bool {
	return i.evicted.Load()
}

// HasCallback reports whether the actor defines name
func (i *Instance) HasCallback(name string) bool {
	_, ok := i.def.Get(name)
	return ok
}

// Invoke runs the task's callback. The scheduler calls it with the instance lock held.
func (i *Instance) Invoke(ctx context.Context, t *task.ScheduledTask) error {
	cb, ok := i.def.Get(t.Callback)
	if !ok {
		return fmt.Errorf("actor %s has no callback %s", i.name, t.Callback)
	}

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	ctx = logger.WithTaskID(logger.WithActor(ctx, i.name), t.ID)

	c := &Context{
		Actor:   i.name,
		Task:    t,
		Attempt: t.Attempts + 1,
		State:   i.state,
		Logger: i.log.WithSource(logger.LogSourceCallback).WithFields(map[string]interface{}{
			"task_id":  t.ID,
			"callback": t.Callback,
		}),
		inst: i,
	}

	err := perrors.Safely(func() error { return cb(ctx, c) })
	if pe, ok := perrors.AsPanic(err); ok {
		i.log.Error("Callback panicked",
			"task_id", t.ID,
			"callback", t.Callback,
			"panic", perrors.FormatPanicForLog(pe))
	}
	if err != nil && i.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %v: %v", ErrCallbackTimeout, i.timeout, err)
	}
	return err
}

var _ scheduler.Runtime = (*Instance)(nil)
