// Package ble is the short-range bootstrap transport: it finds one Weather
// Potato over Bluetooth LE, checks its identity, and exchanges the handful of
// JSON messages needed to put it on WiFi.
//
// The radio itself sits behind the Central interface. A tinygo-bluetooth
// backed Central is compiled with -tags ble; SimCentral provides the
// firmware's behaviour in memory.
package ble

import (
	"context"
	"errors"
)

// GATT layout exposed by the firmware.
const (
	ServiceUUID        = "12345678-1234-5678-1234-56789abcdef0"
	IdentityCharUUID   = "12345678-1234-5678-1234-56789abcdef1"
	WiFiConfigCharUUID = "12345678-1234-5678-1234-56789abcdef2"
	LocationCharUUID   = "12345678-1234-5678-1234-56789abcdef3"
	StatusCharUUID     = "12345678-1234-5678-1234-56789abcdef4"

	// NamePrefix precedes the device identity in the advertised name.
	NamePrefix = "Potato-"
)

var (
	// ErrUnsupported means no usable Bluetooth stack on this platform/build.
	ErrUnsupported = errors.New("ble: bluetooth not supported")
	// ErrWrongDevice means the advertised name does not match the expected identity.
	ErrWrongDevice = errors.New("ble: wrong device selected")
	// ErrIdentityMismatch means the identity read after connecting does not match.
	ErrIdentityMismatch = errors.New("ble: device identity mismatch")
	// ErrConnectFailed wraps any other scan/connect/discovery failure.
	ErrConnectFailed = errors.New("ble: connection failed")
	// ErrCapabilityUnavailable is returned by reads or subscriptions the
	// characteristic (or the platform) does not support.
	ErrCapabilityUnavailable = errors.New("ble: capability unavailable")
	// ErrLinkClosed is returned by operations on a disconnected link.
	ErrLinkClosed = errors.New("ble: link closed")
)

// Advertisement is one scan result.
type Advertisement struct {
	Name    string
	Address string
}

// Central scans for and connects to peripherals.
type Central interface {
	// Scan blocks until an advertisement accepted by match is seen or ctx ends.
	Scan(ctx context.Context, match func(Advertisement) bool) (Advertisement, error)
	// Connect performs the GATT handshake with adv and discovers ServiceUUID.
	Connect(ctx context.Context, adv Advertisement) (Peripheral, error)
}

// Peripheral is a connected device.
type Peripheral interface {
	Characteristic(uuid string) (Characteristic, error)
	Disconnect() error
}

// Characteristic is one GATT characteristic of the potato service.
type Characteristic interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, value []byte) error
	// Subscribe delivers notifications to fn until the returned cancel is called.
	Subscribe(fn func([]byte)) (cancel func() error, err error)
}
