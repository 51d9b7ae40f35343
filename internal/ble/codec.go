package ble

import (
	"encoding/json"
	"fmt"

	"github.com/weatherpotato/potatolink/internal/device"
)

// Identity is the payload of the identity characteristic.
type Identity struct {
	DeviceID        string `json:"device_id"`
	MACAddress      string `json:"mac_address"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// StatusKind classifies a status characteristic value.
type StatusKind int

const (
	StatusOther StatusKind = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (k StatusKind) String() string {
	switch k {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "other"
	}
}

// Wire values of the firmware's status field.
const (
	wireConnecting  = "connecting_wifi"
	wireConnected   = "wifi_connected"
	wireFailed      = "wifi_failed"
	wireReady       = "ready"
	wireBLEDisabled = "ble_disabled"
)

// Status is one value read from or notified on the status characteristic.
type Status struct {
	Kind     StatusKind `json:"-"`
	Raw      string     `json:"status"`
	Message  string     `json:"message,omitempty"`
	LocalIP  string     `json:"local_ip,omitempty"`
	Hostname string     `json:"hostname,omitempty"`
	Port     int        `json:"port,omitempty"`
	DeviceID string     `json:"device_id,omitempty"`
}

// Terminal reports whether the status ends a credential push.
func (s Status) Terminal() bool {
	return s.Kind == StatusConnected || s.Kind == StatusFailed
}

// DecodeStatus parses a status characteristic value.
func DecodeStatus(data []byte) (Status, error) {
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return Status{}, fmt.Errorf("decode status %q: %w", truncate(data, 64), err)
	}
	switch s.Raw {
	case wireConnecting:
		s.Kind = StatusConnecting
	case wireConnected:
		s.Kind = StatusConnected
	case wireFailed:
		s.Kind = StatusFailed
	default:
		s.Kind = StatusOther
	}
	return s, nil
}

// DecodeIdentity parses the identity characteristic value.
func DecodeIdentity(data []byte) (Identity, error) {
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}

func encodeCredentials(c device.Credentials) ([]byte, error) {
	return json.Marshal(struct {
		SSID     string `json:"ssid"`
		Password string `json:"password"`
	}{c.SSID, c.Password})
}

func encodeLocation(l device.Location) ([]byte, error) {
	return json.Marshal(struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	}{l.Latitude, l.Longitude})
}

func encodeDisable() []byte {
	return []byte(`{"action":"disable_ble"}`)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
