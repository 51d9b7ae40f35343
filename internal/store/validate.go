package store

import (
	"fmt"

	"github.com/weatherpotato/potatolink/internal/device"
)

// MaxFieldLength matches the VARCHAR(255) columns of the SQL schemas.
const MaxFieldLength = 255

// ValidateEndpoint checks an endpoint before it is written.
func ValidateEndpoint(info device.EndpointInfo) error {
	if info.DeviceID == "" {
		return fmt.Errorf("endpoint: device id is required")
	}
	if info.Endpoint == "" {
		return fmt.Errorf("endpoint %s: url is required", info.DeviceID)
	}
	for name, v := range map[string]string{
		"device_id": info.DeviceID,
		"endpoint":  info.Endpoint,
		"hostname":  info.Hostname,
		"relay_url": info.RelayURL,
	} {
		if len(v) > MaxFieldLength {
			return fmt.Errorf("endpoint %s too long: %d chars (max %d)", name, len(v), MaxFieldLength)
		}
	}
	return nil
}
