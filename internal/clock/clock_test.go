package clock

import (
	"context"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	before := time.Now()
	result := Now()
	after := time.Now()

	if result.Before(before) || result.After(after) {
		t.Errorf("Now() returned %v, expected between %v and %v", result, before, after)
	}
}

func TestRealClock_SleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := (RealClock{}).Sleep(ctx, time.Hour); err != context.Canceled {
		t.Errorf("Sleep on cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(start)

	if err := mock.Sleep(context.Background(), 2*time.Second); err != nil {
		t.Fatal(err)
	}
	mock.Advance(time.Minute)

	if got := mock.Since(start); got != time.Minute+2*time.Second {
		t.Errorf("Since = %v", got)
	}
	if slept := mock.Slept(); len(slept) != 1 || slept[0] != 2*time.Second {
		t.Errorf("Slept = %v", slept)
	}
}

func TestSetDefault(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	restore := SetDefault(NewMockClock(fixed))

	if !Now().Equal(fixed) {
		t.Errorf("Now() = %v, want %v", Now(), fixed)
	}

	restore()
	if Now().Year() == 2026 && Now().Equal(fixed) {
		t.Error("restore did not reinstate the real clock")
	}
}
