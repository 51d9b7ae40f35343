// Package backoff computes capped exponential retry delays for the relay
// client, the tunnel agent and the CLI's discovery retries.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy controls exponential backoff.
type Policy struct {
	MaxAttempts int           // attempts after the first failure; 0 = no retry
	BaseDelay   time.Duration // delay before retry 1
	MaxDelay    time.Duration // cap; 0 = uncapped
	Jitter      bool          // add ±25% jitter
}

// Relay is the reconnect policy shared by relay clients and agents:
// 1s, 2s, 4s, 8s, 16s then give up.
func Relay() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: time.Second}
}

// Delay returns the wait before retry attempt n (1-based): base * 2^(n-1).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := p.BaseDelay << uint(n-1)
	if delay <= 0 || (p.MaxDelay > 0 && delay > p.MaxDelay) {
		delay = p.MaxDelay
	}

	if p.Jitter {
		quarter := delay / 4
		if quarter > 0 {
			delay += time.Duration(rand.Int64N(int64(quarter*2))) - quarter
		}
	}
	return delay
}

// Exhausted reports whether retry attempt n is beyond the policy.
func (p Policy) Exhausted(n int) bool {
	return n > p.MaxAttempts
}

// Retry runs fn until it succeeds, the policy is exhausted or ctx ends.
// It returns the number of calls made and the last error.
func Retry(ctx context.Context, p Policy, fn func(context.Context) error) (int, error) {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt + 1, nil
		}
		if p.Exhausted(attempt + 1) {
			return attempt + 1, err
		}
		t := time.NewTimer(p.Delay(attempt + 1))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt + 1, ctx.Err()
		case <-t.C:
		}
	}
}
