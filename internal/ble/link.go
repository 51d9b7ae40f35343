package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weatherpotato/potatolink/internal/device"
)

// Link is one established connection to a potato. It only exists to
// bootstrap WiFi; callers release it once the device is reachable on the LAN.
//
// Operations are serialized: at most one characteristic operation is in
// flight per link.
type Link struct {
	name         string
	identity     Identity
	per          Peripheral
	writeTimeout time.Duration

	identityChar Characteristic
	wifiChar     Characteristic
	locationChar Characteristic
	statusChar   Characteristic

	mu     sync.Mutex
	closed bool
	subs   map[*Subscription]struct{}
}

// RemoteName returns the advertised name (Potato-<id>).
func (l *Link) RemoteName() string { return l.name }

// Identity returns the identity read during Connect.
func (l *Link) Identity() Identity { return l.identity }

// WriteCredentials sends the WiFi network settings. One bounded write, no retry.
func (l *Link) WriteCredentials(ctx context.Context, creds device.Credentials) error {
	data, err := encodeCredentials(creds)
	if err != nil {
		return err
	}
	return l.write(ctx, l.wifiChar, data, "wifi")
}

// WriteLocation sends the coordinates. One bounded write, no retry.
func (l *Link) WriteLocation(ctx context.Context, loc device.Location) error {
	data, err := encodeLocation(loc)
	if err != nil {
		return err
	}
	return l.write(ctx, l.locationChar, data, "location")
}

// DisableRadio asks the firmware to shut Bluetooth down.
func (l *Link) DisableRadio(ctx context.Context) error {
	return l.write(ctx, l.statusChar, encodeDisable(), "disable")
}

func (l *Link) write(ctx context.Context, ch Characteristic, data []byte, what string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}

	ctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()
	if err := ch.Write(ctx, data); err != nil {
		return fmt.Errorf("ble write %s: %w", what, err)
	}
	slog.Debug("ble write", "char", what, "bytes", len(data))
	return nil
}

// ReadStatus performs a single read of the status characteristic.
func (l *Link) ReadStatus(ctx context.Context) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Status{}, ErrLinkClosed
	}

	raw, err := l.statusChar.Read(ctx)
	if err != nil {
		if errors.Is(err, ErrCapabilityUnavailable) {
			return Status{}, err
		}
		return Status{}, fmt.Errorf("ble read status: %w", err)
	}
	return DecodeStatus(raw)
}

// SubscribeStatus starts status notifications. The subscription must be
// closed by the caller; Disconnect also closes any still open.
func (l *Link) SubscribeStatus(ctx context.Context) (*Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLinkClosed
	}

	sub := &Subscription{
		ch:   make(chan Status, 8),
		done: make(chan struct{}),
		link: l,
	}
	cancel, err := l.statusChar.Subscribe(func(raw []byte) {
		st, err := DecodeStatus(raw)
		if err != nil {
			slog.Warn("ble status notification ignored", "error", err)
			return
		}
		select {
		case sub.ch <- st:
		case <-sub.done:
		}
	})
	if err != nil {
		if errors.Is(err, ErrCapabilityUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("ble subscribe status: %w", err)
	}
	sub.cancel = cancel

	if l.subs == nil {
		l.subs = make(map[*Subscription]struct{})
	}
	l.subs[sub] = struct{}{}
	return sub, nil
}

// Disconnect releases the link. Safe to call more than once.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	for sub := range subs {
		sub.release()
	}
	err := l.per.Disconnect()
	slog.Info("ble link released", "name", l.name)
	return err
}

// Closed reports whether Disconnect has run.
func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Subscription is an active status notification stream.
type Subscription struct {
	ch     chan Status
	done   chan struct{}
	once   sync.Once
	cancel func() error
	link   *Link
	err    error
}

// C returns the channel of decoded statuses.
func (s *Subscription) C() <-chan Status { return s.ch }

// Close stops notifications. Idempotent.
func (s *Subscription) Close() error {
	s.link.mu.Lock()
	delete(s.link.subs, s)
	s.link.mu.Unlock()
	s.release()
	return s.err
}

func (s *Subscription) release() {
	s.once.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.err = s.cancel()
		}
	})
}
