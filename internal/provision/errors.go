package provision

import (
	"errors"
	"fmt"

	"github.com/weatherpotato/potatolink/internal/ble"
)

// Code classifies why a pairing session ended.
type Code string

const (
	CodeLinkRequired               Code = "link_required"
	CodeUnsupported                Code = "unsupported"
	CodeWrongDevice                Code = "wrong_device"
	CodeIdentityMismatch           Code = "identity_mismatch"
	CodeConnectFailed              Code = "connect_failed"
	CodeCredentialWriteFailed      Code = "credential_write_failed"
	CodeNetworkJoinTimeout         Code = "network_join_timeout"
	CodeDeviceReportedFailure      Code = "device_reported_failure"
	CodeLocalValidationUnconfirmed Code = "local_validation_unconfirmed"
	CodeInvalidInput               Code = "invalid_input"
	CodeCancelled                  Code = "cancelled"
)

// PairingError is the error returned by Controller.Run.
type PairingError struct {
	Code  Code
	Phase Phase // phase the session was in when it failed
	Err   error
}

func (e *PairingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pairing %s during %s", e.Code, e.Phase)
	}
	return fmt.Sprintf("pairing %s during %s: %v", e.Code, e.Phase, e.Err)
}

func (e *PairingError) Unwrap() error { return e.Err }

// Is matches another *PairingError by code, so errors.Is(err,
// &PairingError{Code: CodeNetworkJoinTimeout}) works.
func (e *PairingError) Is(target error) bool {
	t, ok := target.(*PairingError)
	return ok && t.Code == e.Code
}

// CodeOf returns the pairing code carried by err, or "" when err is not a
// pairing failure. Link setup errors from the ble package map to their
// codes as well.
func CodeOf(err error) Code {
	var pe *PairingError
	if errors.As(err, &pe) {
		return pe.Code
	}
	switch {
	case errors.Is(err, ble.ErrWrongDevice):
		return CodeWrongDevice
	case errors.Is(err, ble.ErrIdentityMismatch):
		return CodeIdentityMismatch
	case errors.Is(err, ble.ErrUnsupported):
		return CodeUnsupported
	case errors.Is(err, ble.ErrConnectFailed):
		return CodeConnectFailed
	}
	return ""
}

// ErrNoStatusChannel means the link can neither be read nor subscribed for
// status updates.
var ErrNoStatusChannel = errors.New("device status can be neither read nor subscribed")
