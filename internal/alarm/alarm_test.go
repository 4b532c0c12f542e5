package alarm

import (
	"context"
	"errors"
	"testing"
	"time"

	perrors "github.com/muaviaUsmani/plantain/internal/errors"
	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/metrics"
)

func testOptions() Options {
	return Options{
		MaxRedeliveries: 3,
		RetryBackoff:    time.Second,
		MaxBackoff:      5 * time.Second,
		Logger:          logger.NewMemoryLogger(),
		Metrics:         metrics.NewCollector(),
	}
}

func TestBackoff(t *testing.T) {
	opts := testOptions().withDefaults()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{63, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := opts.Backoff(tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestRedelivery(t *testing.T) {
	opts := testOptions().withDefaults()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	next, retry, parked := opts.redelivery(0, now)
	if parked || retry != 1 || !next.Equal(now.Add(time.Second)) {
		t.Errorf("redelivery(0) = %v, %d, %v", next, retry, parked)
	}

	next, retry, parked = opts.redelivery(3, now)
	if !parked || retry != 0 || !next.Equal(now.Add(opts.MaxBackoff)) {
		t.Errorf("redelivery(MaxRedeliveries) = %v, %d, %v; want parked for MaxBackoff", next, retry, parked)
	}

	opts.MaxRedeliveries = -1
	if _, retry, parked := opts.redelivery(1000, now); parked || retry != 1001 {
		t.Error("negative MaxRedeliveries should never park")
	}
}

func TestDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	def := DefaultOptions()

	if opts.MaxRedeliveries != def.MaxRedeliveries || opts.RetryBackoff != def.RetryBackoff || opts.MaxBackoff != def.MaxBackoff {
		t.Errorf("withDefaults() = %+v", opts)
	}
	if opts.Clock == nil || opts.Logger == nil || opts.Metrics == nil {
		t.Error("withDefaults() left a dependency nil")
	}
}

func TestInvoke_RecoversPanic(t *testing.T) {
	err := invoke(context.Background(), func(context.Context, string, RetryInfo) error {
		panic("handler exploded")
	}, "a", RetryInfo{})

	if _, ok := perrors.AsPanic(err); !ok {
		t.Errorf("invoke() = %v, want PanicError", err)
	}
}

func TestInvoke_NoHandler(t *testing.T) {
	if err := invoke(context.Background(), nil, "a", RetryInfo{}); err == nil {
		t.Error("invoke() without handler should fail")
	}
}

func TestInvoke_PassesThrough(t *testing.T) {
	want := errors.New("storage down")
	var got RetryInfo
	err := invoke(context.Background(), func(_ context.Context, actor string, info RetryInfo) error {
		got = info
		return want
	}, "a", RetryInfo{RetryCount: 2, IsRetry: true})

	if err != want {
		t.Errorf("invoke() = %v, want %v", err, want)
	}
	if got.RetryCount != 2 || !got.IsRetry {
		t.Errorf("handler saw %+v", got)
	}
}
