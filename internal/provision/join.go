package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/weatherpotato/potatolink/internal/ble"
)

// DefaultPollInterval is the status read interval of PollJoin and HybridJoin.
const DefaultPollInterval = 2 * time.Second

// JoinStrategy waits for a terminal device status after credentials were
// pushed. Implementations return when a terminal status arrives or ctx ends,
// and release any subscription they acquired on every path.
type JoinStrategy interface {
	Await(ctx context.Context, link *ble.Link) (ble.Status, error)
}

// NotifyJoin waits on status notifications, degrading to polling every
// Interval when the link cannot notify.
type NotifyJoin struct {
	Interval time.Duration
}

func (n NotifyJoin) Await(ctx context.Context, link *ble.Link) (ble.Status, error) {
	return waitJoin(ctx, link, n.Interval, true, false)
}

// PollJoin reads the status every Interval, degrading to notifications when
// the link cannot be read.
type PollJoin struct {
	Interval time.Duration
}

func (p PollJoin) Await(ctx context.Context, link *ble.Link) (ble.Status, error) {
	return waitJoin(ctx, link, p.Interval, false, true)
}

// HybridJoin subscribes and polls at once; the first terminal status wins.
type HybridJoin struct {
	Interval time.Duration
}

func (h HybridJoin) Await(ctx context.Context, link *ble.Link) (ble.Status, error) {
	return waitJoin(ctx, link, h.Interval, true, true)
}

func waitJoin(ctx context.Context, link *ble.Link, interval time.Duration, notify, poll bool) (ble.Status, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var sub *ble.Subscription
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	if notify {
		s, err := link.SubscribeStatus(ctx)
		switch {
		case err == nil:
			sub = s
		case errors.Is(err, ble.ErrCapabilityUnavailable):
			slog.Info("status notifications unavailable, polling instead")
			poll = true
		default:
			return ble.Status{}, err
		}
	}

	// Read once up front: the status may have turned terminal before the
	// subscription existed.
	st, err := link.ReadStatus(ctx)
	switch {
	case err == nil:
		if st.Terminal() {
			return st, nil
		}
	case errors.Is(err, ble.ErrCapabilityUnavailable):
		poll = false
		if sub == nil {
			if notify {
				return ble.Status{}, ErrNoStatusChannel
			}
			slog.Info("status reads unavailable, waiting on notifications instead")
			s, err := link.SubscribeStatus(ctx)
			if errors.Is(err, ble.ErrCapabilityUnavailable) {
				return ble.Status{}, ErrNoStatusChannel
			}
			if err != nil {
				return ble.Status{}, err
			}
			sub = s
		}
	default:
		if ctx.Err() != nil {
			return ble.Status{}, ctx.Err()
		}
		slog.Warn("status read failed", "error", err)
	}

	var updates <-chan ble.Status
	if sub != nil {
		updates = sub.C()
	}
	var tick <-chan time.Time
	if poll {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ble.Status{}, ctx.Err()
		case st := <-updates:
			slog.Debug("status notified", "status", st.Raw)
			if st.Terminal() {
				return st, nil
			}
		case <-tick:
			st, err := link.ReadStatus(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ble.Status{}, ctx.Err()
				}
				slog.Warn("status poll failed", "error", err)
				continue
			}
			slog.Debug("status polled", "status", st.Raw)
			if st.Terminal() {
				return st, nil
			}
		}
	}
}

// StrategyByName maps "hybrid", "notify" or "poll" to a JoinStrategy.
func StrategyByName(name string, interval time.Duration) (JoinStrategy, error) {
	switch strings.ToLower(name) {
	case "", "hybrid":
		return HybridJoin{Interval: interval}, nil
	case "notify":
		return NotifyJoin{Interval: interval}, nil
	case "poll":
		return PollJoin{Interval: interval}, nil
	}
	return nil, fmt.Errorf("unknown join strategy %q", name)
}
