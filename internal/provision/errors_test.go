package provision

import (
	"errors"
	"fmt"
	"testing"

	"github.com/weatherpotato/potatolink/internal/ble"
)

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{&PairingError{Code: CodeNetworkJoinTimeout}, CodeNetworkJoinTimeout},
		{fmt.Errorf("wrapped: %w", &PairingError{Code: CodeCancelled}), CodeCancelled},
		{fmt.Errorf("scan: %w", ble.ErrWrongDevice), CodeWrongDevice},
		{ble.ErrIdentityMismatch, CodeIdentityMismatch},
		{ble.ErrUnsupported, CodeUnsupported},
		{ble.ErrConnectFailed, CodeConnectFailed},
		{errors.New("other"), ""},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Errorf("CodeOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestPairingErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("run: %w", &PairingError{Code: CodeDeviceReportedFailure, Phase: PhaseAwaitingNetworkJoin, Err: errors.New("wrong password")})
	if !errors.Is(err, &PairingError{Code: CodeDeviceReportedFailure}) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, &PairingError{Code: CodeNetworkJoinTimeout}) {
		t.Error("errors.Is matched a different code")
	}
}
