package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/weatherpotato/potatolink/internal/device"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultWriteTimeout   = 5 * time.Second
)

// Adapter opens Links over a Central.
type Adapter struct {
	central        Central
	connectTimeout time.Duration
	writeTimeout   time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithConnectTimeout bounds scan + handshake + identity read.
func WithConnectTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.connectTimeout = d }
}

// WithWriteTimeout bounds each characteristic write.
func WithWriteTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.writeTimeout = d }
}

// NewAdapter wraps central. A nil central yields an adapter whose Connect
// always fails with ErrUnsupported.
func NewAdapter(central Central, opts ...Option) *Adapter {
	a := &Adapter{
		central:        central,
		connectTimeout: defaultConnectTimeout,
		writeTimeout:   defaultWriteTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Connect finds and connects to the potato advertising as Potato-<expectedID>.
// With an empty expectedID the first potato seen is used.
//
// The advertised name is checked before the handshake and the identity
// characteristic after it; on either mismatch the peripheral is released.
func (a *Adapter) Connect(ctx context.Context, expectedID string) (*Link, error) {
	if a.central == nil {
		return nil, ErrUnsupported
	}
	expectedID = device.NormalizeID(expectedID)

	ctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	slog.Debug("ble scan started", "prefix", NamePrefix, "expected", expectedID)
	adv, err := a.central.Scan(ctx, func(adv Advertisement) bool {
		return strings.HasPrefix(adv.Name, NamePrefix)
	})
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan: %v", ErrConnectFailed, err)
	}
	slog.Info("ble device selected", "name", adv.Name, "address", adv.Address)

	if expectedID != "" && adv.Name != NamePrefix+expectedID {
		slog.Warn("ble wrong device", "name", adv.Name, "expected", NamePrefix+expectedID)
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongDevice, adv.Name, NamePrefix+expectedID)
	}

	per, err := a.central.Connect(ctx, adv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	link, err := a.openLink(ctx, adv.Name, per)
	if err != nil {
		if derr := per.Disconnect(); derr != nil {
			slog.Debug("ble release after failed open", "error", derr)
		}
		return nil, err
	}

	if expectedID != "" && device.NormalizeID(link.identity.DeviceID) != expectedID {
		slog.Warn("ble identity mismatch", "got", link.identity.DeviceID, "expected", expectedID)
		link.Disconnect()
		return nil, fmt.Errorf("%w: got %q, want %q", ErrIdentityMismatch, link.identity.DeviceID, expectedID)
	}

	slog.Info("ble link established", "name", adv.Name, "device_id", link.identity.DeviceID)
	return link, nil
}

func (a *Adapter) openLink(ctx context.Context, name string, per Peripheral) (*Link, error) {
	l := &Link{
		name:         name,
		per:          per,
		writeTimeout: a.writeTimeout,
	}
	for _, c := range []struct {
		uuid string
		dst  *Characteristic
	}{
		{IdentityCharUUID, &l.identityChar},
		{WiFiConfigCharUUID, &l.wifiChar},
		{LocationCharUUID, &l.locationChar},
		{StatusCharUUID, &l.statusChar},
	} {
		ch, err := per.Characteristic(c.uuid)
		if err != nil {
			return nil, fmt.Errorf("%w: characteristic %s: %v", ErrConnectFailed, c.uuid, err)
		}
		*c.dst = ch
	}

	raw, err := l.identityChar.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read identity: %v", ErrConnectFailed, err)
	}
	id, err := DecodeIdentity(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	l.identity = id
	return l, nil
}
