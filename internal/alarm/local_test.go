package alarm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestLocalService(t *testing.T, opts Options) *LocalService {
	t.Helper()
	s, err := NewLocalService(opts)
	if err != nil {
		t.Fatalf("Failed to create local service: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(func() { s.Shutdown() })
	return s
}

func TestLocalService_FiresAtTime(t *testing.T) {
	s := newTestLocalService(t, testOptions())
	ctx := context.Background()

	fired := make(chan time.Time, 1)
	s.SetHandler(func(context.Context, string, RetryInfo) error {
		fired <- time.Now()
		return nil
	})

	at := time.Now().Add(50 * time.Millisecond)
	if err := s.For("a").Arm(ctx, at); err != nil {
		t.Fatalf("Failed to arm: %v", err)
	}

	select {
	case got := <-fired:
		if got.Before(at) {
			t.Errorf("alarm fired %v early", at.Sub(got))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("alarm did not fire")
	}

	deadline := time.Now().Add(time.Second)
	for s.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Pending() != 0 {
		t.Error("alarm not cleared after successful firing")
	}
}

func TestLocalService_PastTimeFiresImmediately(t *testing.T) {
	s := newTestLocalService(t, testOptions())

	fired := make(chan struct{}, 1)
	s.SetHandler(func(context.Context, string, RetryInfo) error {
		fired <- struct{}{}
		return nil
	})
	s.For("a").Arm(context.Background(), time.Now().Add(-time.Hour))

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("past alarm did not fire")
	}
}

func TestLocalService_ReplaceAndDisarm(t *testing.T) {
	s := newTestLocalService(t, testOptions())
	ctx := context.Background()

	fired := make(chan string, 4)
	s.SetHandler(func(_ context.Context, actor string, _ RetryInfo) error {
		fired <- actor
		return nil
	})

	s.For("replaced").Arm(ctx, time.Now().Add(time.Hour))
	s.For("replaced").Arm(ctx, time.Now().Add(20*time.Millisecond))
	s.For("disarmed").Arm(ctx, time.Now().Add(20*time.Millisecond))
	s.For("disarmed").Disarm(ctx)

	select {
	case actor := <-fired:
		if actor != "replaced" {
			t.Fatalf("fired %s, want replaced", actor)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("replaced alarm did not fire")
	}

	select {
	case actor := <-fired:
		t.Errorf("unexpected firing for %s", actor)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestLocalService_RedeliversFailure(t *testing.T) {
	opts := testOptions()
	opts.RetryBackoff = 10 * time.Millisecond
	opts.MaxBackoff = 50 * time.Millisecond
	s := newTestLocalService(t, opts)

	infos := make(chan RetryInfo, 4)
	s.SetHandler(func(_ context.Context, _ string, info RetryInfo) error {
		infos <- info
		if info.RetryCount == 0 {
			return errors.New("first delivery fails")
		}
		return nil
	})
	s.For("a").Arm(context.Background(), time.Now())

	for want := 0; want < 2; want++ {
		select {
		case info := <-infos:
			if info.RetryCount != want || info.IsRetry != (want > 0) {
				t.Errorf("delivery %d info = %+v", want, info)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("delivery %d did not happen", want)
		}
	}
}
