package store

import (
	"strings"
	"testing"

	"github.com/weatherpotato/potatolink/internal/device"
)

func TestValidateEndpoint(t *testing.T) {
	ok := device.EndpointInfo{DeviceID: "ABCD1234", Endpoint: "http://192.168.1.42:8080"}
	tests := []struct {
		name    string
		mutate  func(*device.EndpointInfo)
		wantErr bool
	}{
		{"valid", func(*device.EndpointInfo) {}, false},
		{"no_device_id", func(e *device.EndpointInfo) { e.DeviceID = "" }, true},
		{"no_endpoint", func(e *device.EndpointInfo) { e.Endpoint = "" }, true},
		{"max_hostname", func(e *device.EndpointInfo) { e.Hostname = strings.Repeat("a", 255) }, false},
		{"hostname_too_long", func(e *device.EndpointInfo) { e.Hostname = strings.Repeat("a", 256) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := ok
			tt.mutate(&info)
			err := ValidateEndpoint(info)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEndpoint() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
