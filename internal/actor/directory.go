package actor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/muaviaUsmani/plantain/internal/alarm"
	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/metrics"
	"github.com/muaviaUsmani/plantain/internal/schedule"
	"github.com/muaviaUsmani/plantain/internal/scheduler"
	"github.com/muaviaUsmani/plantain/internal/store"
	"github.com/muaviaUsmani/plantain/internal/task"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// ValidateName checks an actor name. Names are caller-chosen and stable: the same name
// always resolves to the same durable state.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return &task.ValidationError{Field: "actor", Reason: fmt.Sprintf("invalid actor name %q (want 1-128 of A-Z a-z 0-9 _ . : -)", name)}
	}
	return nil
}

// maxEvictedRetries bounds how often a directory call chases a freshly evicted instance
const maxEvictedRetries = 3

// Options configures a Directory
type Options struct {
	// Scheduler is applied to every instance's scheduler
	Scheduler scheduler.Options
	// CallbackTimeout bounds each callback run; zero disables it
	CallbackTimeout time.Duration
	// Shards is the number of directory shards (default 16)
	Shards int

	Clock   clockwork.Clock
	Logger  logger.Logger
	Metrics *metrics.Collector
}

type shard struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// Directory maps stable actor names to live instances, activating them on demand from the
// backend. It is the handler of the alarm service: a firing for an evicted actor activates
// it again.
type Directory struct {
	def     *Definition
	backend store.Backend
	alarms  alarm.Service
	opts    Options
	log     logger.Logger

	shards []*shard
	group  singleflight.Group
}

// NewDirectory creates a directory and registers it as the alarm service's handler
func NewDirectory(def *Definition, backend store.Backend, alarms alarm.Service, opts Options) *Directory {
	if opts.Shards <= 0 {
		opts.Shards = 16
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	opts.Logger = logger.OrDefault(opts.Logger)
	opts.Metrics = metrics.OrDefault(opts.Metrics)

	sched := opts.Scheduler
	if sched.Clock == nil {
		sched.Clock = opts.Clock
	}
	if sched.Logger == nil {
		sched.Logger = opts.Logger
	}
	if sched.Metrics == nil {
		sched.Metrics = opts.Metrics
	}
	opts.Scheduler = sched

	d := &Directory{
		def:     def,
		backend: backend,
		alarms:  alarms,
		opts:    opts,
		log:     opts.Logger.WithComponent(logger.ComponentActor),
		shards:  make([]*shard, opts.Shards),
	}
	for i := range d.shards {
		d.shards[i] = &shard{instances: make(map[string]*Instance)}
	}

	alarms.SetHandler(d.HandleAlarm)
	return d
}

// Definition returns the actor definition served by the directory
func (d *Directory) Definition() *Definition {
	return d.def
}

func (d *Directory) shardFor(name string) *shard {
	return d.shards[xxhash.Sum64String(name)%uint64(len(d.shards))]
}

// Get returns the live instance for name, activating it if needed. Concurrent activations
// of the same name share one instance.
func (d *Directory) Get(ctx context.Context, name string) (*Instance, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	sh := d.shardFor(name)
	sh.mu.RLock()
	inst, ok := sh.instances[name]
	sh.mu.RUnlock()
	if ok && !inst.Evicted() {
		return inst, nil
	}

	v, err, _ := d.group.Do(name, func() (interface{}, error) {
		return d.activate(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Instance), nil
}

func (d *Directory) activate(ctx context.Context, name string) (*Instance, error) {
	sh := d.shardFor(name)

	sh.mu.RLock()
	existing, ok := sh.instances[name]
	sh.mu.RUnlock()
	if ok && !existing.Evicted() {
		return existing, nil
	}

	log := d.log.WithFields(map[string]interface{}{"actor": name})
	inst := &Instance{
		name:    name,
		def:     d.def,
		state:   d.backend.StateStore(name),
		timeout: d.opts.CallbackTimeout,
		now:     d.opts.Clock.Now,
		log:     log,
	}
	inst.sched = scheduler.New(name, d.backend.TimerStore(name), d.alarms.For(name), inst, d.opts.Scheduler)

	// the alarm may have been lost or left stale while the actor was away
	if err := inst.restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to activate actor %s: %w", name, err)
	}

	sh.mu.Lock()
	sh.instances[name] = inst
	sh.mu.Unlock()

	d.opts.Metrics.SetActiveActors(int64(d.Active()))
	log.Debug("Actor activated")
	return inst, nil
}

// Evict drops the instance from memory after its in-flight operation completes. Its
// alarm stays armed; the next call or firing activates a fresh instance.
func (d *Directory) Evict(name string) bool {
	sh := d.shardFor(name)
	sh.mu.RLock()
	inst, ok := sh.instances[name]
	sh.mu.RUnlock()
	if !ok {
		return false
	}

	inst.evict()
	d.remove(sh, name, inst)
	d.log.Debug("Actor evicted", "actor", name)
	return true
}

// EvictIdle evicts every instance that has been idle for at least maxIdle and is not busy.
// It returns the number of evicted instances.
func (d *Directory) EvictIdle(maxIdle time.Duration) int {
	cutoff := d.opts.Clock.Now().Add(-maxIdle)
	evicted := 0

	for _, sh := range d.shards {
		sh.mu.RLock()
		candidates := make([]*Instance, 0, len(sh.instances))
		for _, inst := range sh.instances {
			candidates = append(candidates, inst)
		}
		sh.mu.RUnlock()

		for _, inst := range candidates {
			if inst.tryEvictIdle(cutoff) {
				d.remove(sh, inst.name, inst)
				evicted++
			}
		}
	}

	if evicted > 0 {
		d.log.Info("Evicted idle actors", "count", evicted, "max_idle", maxIdle)
	}
	return evicted
}

func (d *Directory) remove(sh *shard, name string, inst *Instance) {
	sh.mu.Lock()
	if sh.instances[name] == inst {
		delete(sh.instances, name)
	}
	sh.mu.Unlock()
	d.opts.Metrics.SetActiveActors(int64(d.Active()))
}

// RunEviction evicts idle instances every interval until ctx is cancelled
func (d *Directory) RunEviction(ctx context.Context, interval, maxIdle time.Duration) error {
	ticker := d.opts.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			d.EvictIdle(maxIdle)
		}
	}
}

// Active returns the number of live instances
func (d *Directory) Active() int {
	n := 0
	for _, sh := range d.shards {
		sh.mu.RLock()
		n += len(sh.instances)
		sh.mu.RUnlock()
	}
	return n
}

// RestoreAll activates every actor that owns tasks so its alarm is reconciled with its
// store. Run it at startup when the alarm service does not persist alarms.
func (d *Directory) RestoreAll(ctx context.Context) (int, error) {
	names, err := d.backend.Actors(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	var errs []error
	for _, name := range names {
		if _, err := d.Get(ctx, name); err != nil {
			d.log.Error("Failed to restore actor", "actor", name, "error", err)
			errs = append(errs, err)
			continue
		}
		restored++
	}
	d.log.Info("Actors restored", "count", restored, "failed", len(errs))
	return restored, errors.Join(errs...)
}

// HandleAlarm is the alarm.Handler for the directory's alarm service
func (d *Directory) HandleAlarm(ctx context.Context, actor string, info alarm.RetryInfo) error {
	return d.with(ctx, actor, func(inst *Instance) error {
		return inst.fire(ctx, info)
	})
}

// with runs fn on the live instance, retrying on a fresh instance when it was evicted
// between lookup and use
func (d *Directory) with(ctx context.Context, name string, fn func(*Instance) error) error {
	for attempt := 0; attempt < maxEvictedRetries; attempt++ {
		inst, err := d.Get(ctx, name)
		if err != nil {
			return err
		}
		if err := fn(inst); !errors.Is(err, ErrEvicted) {
			return err
		}
	}
	return ErrEvicted
}

// Schedule schedules a task on the named actor
func (d *Directory) Schedule(ctx context.Context, name string, trigger schedule.Trigger, callback string, payload []byte) (*task.ScheduledTask, error) {
	var out *task.ScheduledTask
	err := d.with(ctx, name, func(inst *Instance) error {
		var err error
		out, err = inst.Schedule(ctx, trigger, callback, payload)
		return err
	})
	return out, err
}

// Cancel cancels a task of the named actor
func (d *Directory) Cancel(ctx context.Context, name, id string) (bool, error) {
	var out bool
	err := d.with(ctx, name, func(inst *Instance) error {
		var err error
		out, err = inst.Cancel(ctx, id)
		return err
	})
	return out, err
}

// GetSchedule returns one task of the named actor
func (d *Directory) GetSchedule(ctx context.Context, name, id string) (*task.ScheduledTask, error) {
	var out *task.ScheduledTask
	err := d.with(ctx, name, func(inst *Instance) error {
		var err error
		out, err = inst.Get(ctx, id)
		return err
	})
	return out, err
}

// ListSchedules returns the tasks of the named actor matching f
func (d *Directory) ListSchedules(ctx context.Context, name string, f task.Filter) ([]*task.ScheduledTask, error) {
	var out []*task.ScheduledTask
	err := d.with(ctx, name, func(inst *Instance) error {
		var err error
		out, err = inst.List(ctx, f)
		return err
	})
	return out, err
}

// Do runs fn as one serialized operation on the named actor
func (d *Directory) Do(ctx context.Context, name string, fn func(ctx context.Context, c *Context) error) error {
	return d.with(ctx, name, func(inst *Instance) error {
		return inst.Do(ctx, fn)
	})
}
