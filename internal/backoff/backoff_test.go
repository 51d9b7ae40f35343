package backoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDelay_DoublesFromBase(t *testing.T) {
	p := Relay()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if !p.Exhausted(6) || p.Exhausted(5) {
		t.Error("relay policy should allow exactly 5 attempts")
	}
}

func TestDelay_Capped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	if got := p.Delay(4); got != 3*time.Second {
		t.Errorf("Delay(4) = %v, want 3s", got)
	}
}

func TestDelay_JitterWithinQuarter(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Jitter: true}
	for range 50 {
		d := p.Delay(1)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jittered delay %v out of ±25%%", d)
		}
	}
}

func TestRetry_SuccessAfterFailures(t *testing.T) {
	calls := 0
	n, err := Retry(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("fail-%d", calls)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestRetry_AllFail(t *testing.T) {
	n, err := Retry(context.Background(), Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(context.Context) error {
		return errors.New("always-fail")
	})
	if err == nil || err.Error() != "always-fail" {
		t.Fatalf("expected always-fail, got %v", err)
	}
	if n != 3 { // 1 initial + 2 retries
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Hour}, func(context.Context) error {
		return errors.New("nope")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
