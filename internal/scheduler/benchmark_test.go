package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/muaviaUsmani/plantain/internal/alarm"
	"github.com/muaviaUsmani/plantain/internal/schedule"
	"github.com/muaviaUsmani/plantain/internal/store"
)

func benchmarkBackends(b *testing.B, fn func(b *testing.B, backend store.Backend)) {
	b.Run("redis", func(b *testing.B) {
		fn(b, store.NewRedisBackend(setupTestRedis(b), store.Options{}))
	})
	b.Run("sqlite", func(b *testing.B) {
		backend, err := store.NewSQLiteBackend(filepath.Join(b.TempDir(), "bench.db"), store.Options{})
		if err != nil {
			b.Fatalf("Failed to open SQLite backend: %v", err)
		}
		b.Cleanup(func() { backend.Close() })
		fn(b, backend)
	})
}

func BenchmarkSchedule(b *testing.B) {
	payload := []byte(`{"requestId":"123"}`)

	benchmarkBackends(b, func(b *testing.B, backend store.Backend) {
		h := newHarness(b, backend, nil)
		ctx := context.Background()

		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			delay := time.Duration(i%3600) * time.Second
			if _, err := h.sched.Schedule(ctx, schedule.After(delay), "noop", payload); err != nil {
				b.Fatalf("Failed to schedule: %v", err)
			}
		}
	})
}

func BenchmarkOnAlarmFired_10Due(b *testing.B) {
	benchmarkOnAlarmFired(b, 10)
}

func BenchmarkOnAlarmFired_100Due(b *testing.B) {
	benchmarkOnAlarmFired(b, 100)
}

func benchmarkOnAlarmFired(b *testing.B, due int) {
	benchmarkBackends(b, func(b *testing.B, backend store.Backend) {
		h := newHarness(b, backend, nil)
		ctx := context.Background()

		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			b.StopTimer()
			for j := 0; j < due; j++ {
				if _, err := h.sched.Schedule(ctx, schedule.At(h.clock.Now()), "noop", nil); err != nil {
					b.Fatalf("Failed to schedule: %v", err)
				}
			}
			b.StartTimer()

			if err := h.sched.OnAlarmFired(ctx, alarm.RetryInfo{}); err != nil {
				b.Fatalf("OnAlarmFired failed: %v", err)
			}
		}
		b.StopTimer()

		if n := len(h.rt.calls); n != due*b.N {
			b.Fatalf("Expected %d invocations, got %d", due*b.N, n)
		}
	})
}
