//go:build !ble

package ble

// NewDefaultCentral reports ErrUnsupported when built without the "ble" tag.
// Build with `go build -tags ble` to use the platform Bluetooth stack.
func NewDefaultCentral() (Central, error) {
	return nil, ErrUnsupported
}
