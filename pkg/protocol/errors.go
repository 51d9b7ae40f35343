package protocol

// Error texts sent in error frames. The first one matches what deployed
// firmware and browser clients already expect from the relay.
const (
	ErrDeviceOffline  = "Device offline or not found"
	ErrRateLimited    = "rate limited"
	ErrInvalidRequest = "invalid request"
	ErrLocalRequest   = "local request failed"
)
