package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/plantain/internal/alarm"
	"github.com/muaviaUsmani/plantain/internal/history"
	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/metrics"
	"github.com/muaviaUsmani/plantain/internal/store"
	"github.com/muaviaUsmani/plantain/internal/task"
)

// 07:00 UTC so a daily 08:00 cron is due later the same day
var t0 = time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)

type callbackFunc func(ctx context.Context, t *task.ScheduledTask) error

type fakeRuntime struct {
	callbacks map[string]callbackFunc
	calls     []*task.ScheduledTask
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{callbacks: make(map[string]callbackFunc)}
}

func (r *fakeRuntime) on(name string, fn callbackFunc) {
	r.callbacks[name] = fn
}

func (r *fakeRuntime) HasCallback(name string) bool {
	_, ok := r.callbacks[name]
	return ok
}

func (r *fakeRuntime) Invoke(ctx context.Context, t *task.ScheduledTask) error {
	r.calls = append(r.calls, t)
	return r.callbacks[t.Callback](ctx, t)
}

func (r *fakeRuntime) callIDs() []string {
	ids := make([]string, len(r.calls))
	for i, c := range r.calls {
		ids[i] = c.ID
	}
	return ids
}

type memoryRecorder struct {
	mu      sync.Mutex
	firings []*history.Firing
}

func (m *memoryRecorder) Record(_ context.Context, f *history.Firing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firings = append(m.firings, f)
	return nil
}

func (m *memoryRecorder) byStatus(s history.Status) []*history.Firing {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*history.Firing
	for _, f := range m.firings {
		if f.Status == s {
			out = append(out, f)
		}
	}
	return out
}

type harness struct {
	sched   *Scheduler
	store   store.Store
	alarms  *alarm.ManualService
	driver  alarm.Driver
	clock   *clockwork.FakeClock
	rt      *fakeRuntime
	log     *logger.MemoryLogger
	metrics *metrics.Collector
	rec     *memoryRecorder
}

func newHarness(t testing.TB, b store.Backend, configure func(*Options)) *harness {
	t.Helper()

	h := &harness{
		store:   b.TimerStore("user-42"),
		clock:   clockwork.NewFakeClockAt(t0),
		rt:      newFakeRuntime(),
		log:     logger.NewMemoryLogger(),
		metrics: metrics.NewCollector(),
		rec:     &memoryRecorder{},
	}
	h.rt.on("noop", func(context.Context, *task.ScheduledTask) error { return nil })

	h.alarms = alarm.NewManualService(alarm.Options{Clock: h.clock, Logger: h.log, Metrics: h.metrics})
	h.driver = h.alarms.For("user-42")

	opts := DefaultOptions()
	opts.Clock = h.clock
	opts.Logger = h.log
	opts.Metrics = h.metrics
	opts.Recorder = h.rec
	if configure != nil {
		configure(&opts)
	}

	h.sched = New("user-42", h.store, h.driver, h.rt, opts)
	h.alarms.SetHandler(func(ctx context.Context, actor string, info alarm.RetryInfo) error {
		return h.sched.OnAlarmFired(ctx, info)
	})
	return h
}

// fireNext advances the clock to the armed alarm and delivers it
func (h *harness) fireNext(t *testing.T) {
	t.Helper()
	_, at, ok := h.alarms.Next()
	if !ok {
		t.Fatal("no alarm armed")
	}
	if d := at.Sub(h.clock.Now()); d > 0 {
		h.clock.Advance(d)
	}
	h.alarms.FireDue(context.Background(), h.clock.Now())
}

// assertArmedAtEarliest checks that the alarm is armed for exactly the earliest task
func (h *harness) assertArmedAtEarliest(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	earliest, hasTasks, err := h.store.EarliestDueAt(ctx)
	if err != nil {
		t.Fatalf("Failed to read earliest due time: %v", err)
	}
	at, armed, err := h.driver.ArmedAt(ctx)
	if err != nil {
		t.Fatalf("Failed to read alarm: %v", err)
	}

	if hasTasks != armed {
		t.Fatalf("tasks pending = %v but alarm armed = %v", hasTasks, armed)
	}
	if hasTasks && !at.Equal(earliest) {
		t.Fatalf("alarm armed at %v, earliest task due %v", at, earliest)
	}
}

func (h *harness) list(t *testing.T) []*task.ScheduledTask {
	t.Helper()
	tasks, err := h.sched.List(context.Background(), task.Filter{})
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	return tasks
}

func setupTestRedis(t testing.TB) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

// forEachBackend runs fn against every timer store implementation
func forEachBackend(t *testing.T, fn func(t *testing.T, b store.Backend)) {
	t.Run("redis", func(t *testing.T) {
		fn(t, store.NewRedisBackend(setupTestRedis(t), store.Options{}))
	})
	t.Run("sqlite", func(t *testing.T) {
		b, err := store.NewSQLiteBackend(filepath.Join(t.TempDir(), "plantain.db"), store.Options{})
		if err != nil {
			t.Fatalf("Failed to open SQLite backend: %v", err)
		}
		t.Cleanup(func() { b.Close() })
		fn(t, b)
	})
}
