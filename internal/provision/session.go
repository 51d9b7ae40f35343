package provision

import (
	"github.com/weatherpotato/potatolink/internal/device"
)

// Phase is a pairing session state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSendingCredentials
	PhaseAwaitingNetworkJoin
	PhaseValidatingLocalReachability
	PhaseFinalizing
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSendingCredentials:
		return "sending_credentials"
	case PhaseAwaitingNetworkJoin:
		return "awaiting_network_join"
	case PhaseValidatingLocalReachability:
		return "validating_local_reachability"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Progress milestones.
const (
	ProgressCredentialsSent = 20
	ProgressLocationSent    = 40
	ProgressAwaitingJoin    = 60
	ProgressValidating      = 80
	ProgressFinalizing      = 90
	ProgressDone            = 100
)

// Event is delivered to the observer on every phase transition and
// progress change.
type Event struct {
	DeviceID string
	Phase    Phase
	Previous Phase
	Progress int
	Err      error // failure on PhaseFailed, warning otherwise
}

// Observer receives session events synchronously from Run.
type Observer func(Event)

// Session is the state of one pairing attempt.
type Session struct {
	DeviceID    string
	Credentials device.Credentials
	Location    device.Location
	Phase       Phase
	Progress    int
	LastError   error
	Warning     error // non-fatal, e.g. best-effort acceptance

	observer Observer
}

func (s *Session) emit(prev Phase, err error) {
	if s.observer == nil {
		return
	}
	s.observer(Event{
		DeviceID: s.DeviceID,
		Phase:    s.Phase,
		Previous: prev,
		Progress: s.Progress,
		Err:      err,
	})
}

func (s *Session) enter(p Phase) {
	if s.Phase == p || s.Phase.Terminal() {
		return
	}
	prev := s.Phase
	s.Phase = p
	s.emit(prev, nil)
}

// advance raises progress; it never decreases.
func (s *Session) advance(pct int) {
	if pct <= s.Progress {
		return
	}
	s.Progress = pct
	s.emit(s.Phase, nil)
}

func (s *Session) warn(err error) {
	s.Warning = err
	s.emit(s.Phase, err)
}

func (s *Session) fail(code Code, err error) *PairingError {
	pe := &PairingError{Code: code, Phase: s.Phase, Err: err}
	s.LastError = pe
	prev := s.Phase
	s.Phase = PhaseFailed
	s.emit(prev, pe)
	return pe
}
