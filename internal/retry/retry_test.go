package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"grimm.is/geoblock/internal/clock"
)

var errFlaky = errors.New("flaky")

func testConfig(clk *clock.MockClock) Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      3 * time.Second,
		BackoffFactor: 2,
		Clock:         clk,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	calls := 0

	err := Do(context.Background(), testConfig(clk), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	slept := clk.Slept()
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Errorf("backoff = %v, want [1s 2s]", slept)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	calls := 0

	err := Do(context.Background(), testConfig(clk), func(context.Context) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Errorf("Do() = %v, want errFlaky", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	calls := 0

	err := Do(context.Background(), testConfig(clk), func(context.Context) error {
		calls++
		return Permanent(errFlaky)
	})
	if !errors.Is(err, errFlaky) || calls != 1 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestDo_RetryOnFilters(t *testing.T) {
	cfg := testConfig(clock.NewMockClock(time.Unix(0, 0)))
	cfg.RetryOn = []error{errFlaky}
	other := errors.New("other")
	calls := 0

	_ = Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return other
	})
	if calls != 1 {
		t.Errorf("non-matching error retried %d times", calls)
	}
}

func TestDoWithResult_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DoWithResult(ctx, testConfig(clock.NewMockClock(time.Unix(0, 0))), func(context.Context) (int, error) {
		t.Fatal("fn must not run with a cancelled context")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestDelay_CapsAtMax(t *testing.T) {
	cfg := testConfig(nil)
	if d := Delay(5, cfg); d != 3*time.Second {
		t.Errorf("Delay(5) = %v, want cap 3s", d)
	}
}
