package localnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/weatherpotato/potatolink/internal/device"
)

// DeviceInfo is the device's /device-info document.
type DeviceInfo struct {
	DeviceID        string `json:"device_id"`
	MACAddress      string `json:"mac_address,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// Discover looks for an already configured potato at hostname:port
// (weatherpotato.local:8080 when empty/zero). It returns false when nothing
// usable answered within timeout.
func (v *Validator) Discover(ctx context.Context, hostname string, port int, timeout time.Duration) (*device.EndpointInfo, bool) {
	if hostname == "" {
		hostname = device.DefaultHostname
	}
	if port <= 0 {
		port = device.DefaultPort
	}
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}

	endpoint := device.BaseURL(hostname, port)
	var info DeviceInfo
	if err := v.getJSON(ctx, endpoint+"/device-info", timeout, &info); err != nil {
		slog.Info("discovery failed", "endpoint", endpoint, "error", err)
		return nil, false
	}
	if info.DeviceID == "" {
		slog.Info("discovery answer without device_id", "endpoint", endpoint)
		return nil, false
	}

	now := time.Now()
	slog.Info("device discovered", "endpoint", endpoint, "device_id", info.DeviceID)
	return &device.EndpointInfo{
		DeviceID:      device.NormalizeID(info.DeviceID),
		Endpoint:      endpoint,
		Hostname:      hostname,
		Port:          port,
		Method:        device.MethodDiscovery,
		ConfirmedAt:   &now,
		LastSeen:      now.UnixMilli(),
		SetupComplete: true,
	}, true
}

// configPayload is the firmware's POST /config body.
type configPayload struct {
	SSID      string  `json:"ssid"`
	Password  string  `json:"password"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PushConfig sends WiFi settings and location to a device in soft-AP mode
// (the device's own access point, typically http://192.168.4.1:8080).
func (v *Validator) PushConfig(ctx context.Context, endpoint string, creds device.Credentials, loc device.Location, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	body, err := json.Marshal(configPayload{
		SSID:      creds.SSID,
		Password:  creds.Password,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/config", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("push config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push config: %w: %d", ErrBadStatus, resp.StatusCode)
	}
	slog.Info("config pushed over soft-AP", "endpoint", endpoint, "ssid", creds.SSID)
	return nil
}
