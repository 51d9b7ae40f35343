// Package device holds the types shared by the provisioning, discovery and
// storage layers: what we send to a Weather Potato and what we learn back.
package device

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultHostname is the mDNS name the firmware announces once on WiFi.
	DefaultHostname = "weatherpotato.local"
	// DefaultPort is the firmware's local HTTP port.
	DefaultPort = 8080
	// IDLength is the length of a device identity (first 8 hex digits of the MAC).
	IDLength = 8
)

// Security values understood in WiFi share strings.
const (
	SecurityWPA2   = "WPA2"
	SecurityWPA    = "WPA"
	SecurityWEP    = "WEP"
	SecurityNoPass = "nopass"
)

// ErrInvalidInput is wrapped by every validation failure in this package.
var ErrInvalidInput = errors.New("invalid input")

// Credentials are the WiFi network settings pushed to the device.
type Credentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
	Security string `json:"type,omitempty"`
}

// Validate checks SSID and password lengths the way the firmware's WiFi
// stack constrains them (SSID 1..32 bytes, WPA passphrase 8..63 bytes).
func (c Credentials) Validate() error {
	if len(c.SSID) == 0 || len(c.SSID) > 32 {
		return fmt.Errorf("%w: ssid must be 1-32 bytes, got %d", ErrInvalidInput, len(c.SSID))
	}
	if strings.EqualFold(c.Security, SecurityNoPass) && c.Password == "" {
		return nil
	}
	if len(c.Password) < 8 || len(c.Password) > 63 {
		return fmt.Errorf("%w: password must be 8-63 bytes", ErrInvalidInput)
	}
	return nil
}

// Location is the place the device fetches weather for.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Place     string  `json:"place,omitempty"`
}

// Validate checks coordinate ranges.
func (l Location) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidInput, l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidInput, l.Longitude)
	}
	return nil
}

// Confirmation methods recorded on an EndpointInfo.
const (
	MethodHostname   = "hostname"
	MethodAddress    = "address"
	MethodBestEffort = "best_effort"
	MethodDiscovery  = "discovery"
)

// EndpointInfo is the outcome of a successful pairing or discovery, and the
// record the caller persists to reach the device later.
type EndpointInfo struct {
	DeviceID      string     `json:"device_id"`
	Endpoint      string     `json:"endpoint"`
	Hostname      string     `json:"hostname"`
	IP            string     `json:"ip,omitempty"`
	Port          int        `json:"port"`
	Method        string     `json:"method,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"` // nil when accepted best-effort
	LastSeen      int64      `json:"last_seen"`              // unix millis
	SetupComplete bool       `json:"setup_complete"`
	RelayURL      string     `json:"relay_url,omitempty"`
}

// Confirmed reports whether an HTTP liveness check backed this endpoint.
func (e EndpointInfo) Confirmed() bool { return e.ConfirmedAt != nil }

// BaseURL builds the plaintext base URL of the device's HTTP server.
func BaseURL(host string, port int) string {
	if port <= 0 {
		port = DefaultPort
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// NormalizeID upper-cases and trims a device identity.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// IDFromMAC derives the device identity from its MAC address the same way
// the firmware does: AA:BB:CC:DD:EE:FF -> AABBCCDD.
func IDFromMAC(mac string) string {
	clean := strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(mac))
	if len(clean) > IDLength {
		clean = clean[:IDLength]
	}
	return clean
}
