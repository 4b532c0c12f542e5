package alarm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newTestRedisService(t *testing.T, clock clockwork.Clock) (*miniredis.Miniredis, *RedisService) {
	t.Helper()
	mr, client := setupTestRedis(t)
	opts := testOptions()
	opts.Clock = clock
	return mr, NewRedisService(client, RedisOptions{Options: opts})
}

func TestRedisDriver_ArmDisarm(t *testing.T) {
	_, s := newTestRedisService(t, clockwork.NewFakeClockAt(t0))
	ctx := context.Background()
	d := s.For("actor-1")

	if err := d.Arm(ctx, t0.Add(time.Minute)); err != nil {
		t.Fatalf("Failed to arm: %v", err)
	}
	if err := d.Arm(ctx, t0.Add(30*time.Second)); err != nil {
		t.Fatalf("Failed to re-arm: %v", err)
	}

	at, ok, err := d.ArmedAt(ctx)
	if err != nil {
		t.Fatalf("Failed to read alarm: %v", err)
	}
	if !ok || !at.Equal(t0.Add(30*time.Second)) {
		t.Errorf("ArmedAt = %v, %v; want re-armed time", at, ok)
	}

	if err := d.Disarm(ctx); err != nil {
		t.Fatalf("Failed to disarm: %v", err)
	}
	if err := d.Disarm(ctx); err != nil {
		t.Fatalf("Second disarm failed: %v", err)
	}
	if _, ok, _ := d.ArmedAt(ctx); ok {
		t.Error("alarm still armed after Disarm")
	}
}

func TestRedisService_PollFiresDueOnly(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	_, s := newTestRedisService(t, clock)
	ctx := context.Background()

	var calls []firing
	s.SetHandler(recordingHandler(&calls, nil))
	s.For("a").Arm(ctx, t0.Add(time.Second))

	n, err := s.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("Poll fired %d alarms before due time", n)
	}

	clock.Advance(time.Second)
	n, err = s.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if n != 1 || len(calls) != 1 || calls[0].actor != "a" {
		t.Fatalf("expected one firing for a, got %d (%+v)", n, calls)
	}
	if calls[0].info.IsRetry {
		t.Error("first delivery marked as retry")
	}

	if _, ok, _ := s.For("a").ArmedAt(ctx); ok {
		t.Error("alarm not consumed after successful firing")
	}
}

func TestRedisService_FailureRedelivers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	mr, s := newTestRedisService(t, clock)
	ctx := context.Background()

	var calls []firing
	s.SetHandler(recordingHandler(&calls, map[string]error{"a": errors.New("storage down")}))
	s.For("a").Arm(ctx, t0)

	if _, err := s.Poll(ctx); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	at, ok, _ := s.For("a").ArmedAt(ctx)
	if !ok || !at.Equal(t0.Add(time.Second)) {
		t.Fatalf("ArmedAt = %v, %v; want redelivery at t0+1s", at, ok)
	}
	if got := mr.HGet("plantain:alarm_retries", "a"); got != "1" {
		t.Errorf("retry count = %q, want 1", got)
	}

	clock.Advance(time.Second)
	if _, err := s.Poll(ctx); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(calls) != 2 || calls[1].info.RetryCount != 1 || !calls[1].info.IsRetry {
		t.Errorf("second delivery = %+v", calls)
	}
	if mr.Exists("plantain:alarm_lock:a") {
		t.Error("firing lock not released")
	}
}

func TestRedisService_ParkAfterMaxRedeliveries(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	_, client := setupTestRedis(t)
	opts := testOptions()
	opts.Clock = clock
	opts.MaxRedeliveries = 1
	s := NewRedisService(client, RedisOptions{Options: opts})
	ctx := context.Background()

	var calls []firing
	s.SetHandler(recordingHandler(&calls, map[string]error{"a": errors.New("boom")}))
	s.For("a").Arm(ctx, t0)

	s.Poll(ctx)
	clock.Advance(time.Minute)
	s.Poll(ctx)

	if len(calls) != 2 {
		t.Fatalf("handler called %d times, want 2", len(calls))
	}
	at, ok, err := s.For("a").ArmedAt(ctx)
	if err != nil {
		t.Fatalf("Failed to read alarm: %v", err)
	}
	if !ok {
		t.Fatal("exhausted alarm was disarmed")
	}
	if want := t0.Add(time.Minute + opts.MaxBackoff); !at.Equal(want) {
		t.Errorf("alarm parked until %v, want %v", at, want)
	}
	if opts.Metrics.GetMetrics().AlarmsParked != 1 {
		t.Error("park was not counted")
	}

	clock.Advance(time.Minute)
	s.Poll(ctx)
	if len(calls) != 3 || calls[2].info.RetryCount != 0 {
		t.Errorf("delivery after park = %+v", calls)
	}
}

func TestRedisService_SkipsAlarmLockedElsewhere(t *testing.T) {
	mr, s := newTestRedisService(t, clockwork.NewFakeClockAt(t0))
	ctx := context.Background()

	var calls []firing
	s.SetHandler(recordingHandler(&calls, nil))
	s.For("a").Arm(ctx, t0)
	mr.Set("plantain:alarm_lock:a", "other-poller")

	n, err := s.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if n != 0 || len(calls) != 0 {
		t.Errorf("alarm held by another poller was fired")
	}
	if _, ok, _ := s.For("a").ArmedAt(ctx); !ok {
		t.Error("alarm held by another poller was removed")
	}

	mr.Del("plantain:alarm_lock:a")
	if n, _ := s.Poll(ctx); n != 1 {
		t.Errorf("Poll fired %d alarms after lock release, want 1", n)
	}
}

func TestRedisService_HandlerRearmIsKept(t *testing.T) {
	_, s := newTestRedisService(t, clockwork.NewFakeClockAt(t0))
	ctx := context.Background()

	s.SetHandler(func(ctx context.Context, actor string, _ RetryInfo) error {
		return s.For(actor).Arm(ctx, t0.Add(time.Hour))
	})
	s.For("a").Arm(ctx, t0)
	s.Poll(ctx)

	at, ok, _ := s.For("a").ArmedAt(ctx)
	if !ok || !at.Equal(t0.Add(time.Hour)) {
		t.Errorf("ArmedAt = %v, %v; want handler's re-arm", at, ok)
	}
}

func TestRedisService_ArmResetsRetryCount(t *testing.T) {
	mr, s := newTestRedisService(t, clockwork.NewFakeClockAt(t0))
	ctx := context.Background()

	s.SetHandler(func(context.Context, string, RetryInfo) error { return errors.New("boom") })
	s.For("a").Arm(ctx, t0)
	s.Poll(ctx)

	if !mr.Exists("plantain:alarm_retries") {
		t.Fatal("failed firing did not record a retry count")
	}
	s.For("a").Arm(ctx, t0.Add(time.Minute))
	if mr.HGet("plantain:alarm_retries", "a") != "" {
		t.Error("explicit Arm kept the previous retry count")
	}
}

func TestRedisService_Run(t *testing.T) {
	_, client := setupTestRedis(t)
	opts := testOptions()
	s := NewRedisService(client, RedisOptions{Options: opts, PollInterval: 10 * time.Millisecond, Workers: 2})

	fired := make(chan string, 4)
	var count int32
	s.SetHandler(func(_ context.Context, actor string, _ RetryInfo) error {
		atomic.AddInt32(&count, 1)
		fired <- actor
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.For("a").Arm(ctx, time.Now())

	select {
	case actor := <-fired:
		if actor != "a" {
			t.Errorf("fired %s, want a", actor)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if n := atomic.LoadInt32(&count); n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
}
