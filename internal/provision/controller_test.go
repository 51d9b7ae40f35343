package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/weatherpotato/potatolink/internal/ble"
	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/localnet"
	"github.com/weatherpotato/potatolink/internal/localnet/simnet"
)

var (
	homeCreds = device.Credentials{SSID: "HomeNet", Password: "abcdefgh"}
	homeLoc   = device.Location{Latitude: 48.9075, Longitude: 2.3833}
)

func connectSim(t *testing.T, dev *ble.SimDevice) (*ble.Link, *ble.SimPeripheral) {
	t.Helper()
	central := ble.NewSimCentral(dev)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	link, err := ble.NewAdapter(central).Connect(ctx, dev.ID)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return link, central.Peripherals()[0]
}

func newNet(t *testing.T) *simnet.Network {
	t.Helper()
	n, err := simnet.New()
	if err != nil {
		t.Fatalf("simnet: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) progress() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	last := 0
	for _, e := range r.events {
		if e.Progress != last {
			out = append(out, e.Progress)
			last = e.Progress
		}
	}
	return out
}

func (r *recorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, e := range r.events {
		if len(out) == 0 || out[len(out)-1] != e.Phase {
			out = append(out, e.Phase)
		}
	}
	return out
}

type memStore struct {
	saved []device.EndpointInfo
}

func (m *memStore) Save(_ context.Context, info device.EndpointInfo) error {
	m.saved = append(m.saved, info)
	return nil
}

type countingValidator struct {
	calls int
	res   localnet.Result
}

func (v *countingValidator) Validate(context.Context, string, string, int, string, time.Duration) localnet.Result {
	v.calls++
	return v.res
}

func TestRun_HostnameTimesOutAddressConfirms(t *testing.T) {
	n := newNet(t)
	n.Blackhole("potato.local")
	n.Handle("192.168.1.42", simnet.NewFirmware("ABCD1234", "192.168.1.42"))

	link, per := connectSim(t, &ble.SimDevice{
		ID:        "ABCD1234",
		JoinDelay: 20 * time.Millisecond,
		LocalIP:   "192.168.1.42",
		Hostname:  "potato.local",
	})

	rec := &recorder{}
	st := &memStore{}
	c := NewController(localnet.NewValidator(n.Client()),
		WithJoinStrategy(HybridJoin{Interval: 20 * time.Millisecond}),
		WithAttemptTimeout(100*time.Millisecond),
		WithObserver(rec.observe),
		WithStore(st),
	)

	info, err := c.Run(context.Background(), link, homeCreds, homeLoc, "ABCD1234")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if info.Method != device.MethodAddress {
		t.Errorf("method = %q, want address", info.Method)
	}
	if info.Endpoint != "http://192.168.1.42:8080" {
		t.Errorf("endpoint = %q", info.Endpoint)
	}
	if !info.Confirmed() {
		t.Error("confirmedAt should be set")
	}

	wantProgress := []int{20, 40, 60, 80, 90, 100}
	if got := rec.progress(); !equalInts(got, wantProgress) {
		t.Errorf("progress = %v, want %v", got, wantProgress)
	}
	wantPhases := []Phase{
		PhaseSendingCredentials, PhaseAwaitingNetworkJoin, PhaseValidatingLocalReachability,
		PhaseFinalizing, PhaseSucceeded,
	}
	if got := rec.phases(); !equalPhases(got, wantPhases) {
		t.Errorf("phases = %v, want %v", got, wantPhases)
	}

	writes := per.Writes()
	if len(writes) != 2 || writes[0].UUID != ble.WiFiConfigCharUUID || writes[1].UUID != ble.LocationCharUUID {
		t.Errorf("writes = %+v, want wifi then location", writes)
	}
	if !link.Closed() || !per.Disconnected() {
		t.Error("link should be released after confirmation")
	}
	if per.Subscribers() != 0 {
		t.Errorf("subscriptions left open: %d", per.Subscribers())
	}
	if len(st.saved) != 1 || st.saved[0].DeviceID != "ABCD1234" {
		t.Errorf("store got %+v", st.saved)
	}
}

func TestRun_NilLinkContactsNothing(t *testing.T) {
	v := &countingValidator{}
	_, err := NewController(v).Run(context.Background(), nil, homeCreds, homeLoc, "ABCD1234")
	if CodeOf(err) != CodeLinkRequired {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodeLinkRequired)
	}
	if v.calls != 0 {
		t.Errorf("validator called %d times", v.calls)
	}
}

func TestRun_InvalidInputLeavesLinkUntouched(t *testing.T) {
	link, per := connectSim(t, &ble.SimDevice{ID: "ABCD1234"})
	_, err := NewController(&countingValidator{}).Run(context.Background(), link,
		device.Credentials{SSID: "HomeNet", Password: "short"}, homeLoc, "")
	if CodeOf(err) != CodeInvalidInput {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodeInvalidInput)
	}
	if len(per.Writes()) != 0 {
		t.Error("no write expected for invalid input")
	}
}

func TestRun_DeviceReportedFailure(t *testing.T) {
	link, per := connectSim(t, &ble.SimDevice{
		ID:          "ABCD1234",
		JoinDelay:   10 * time.Millisecond,
		FailJoin:    true,
		FailMessage: "wrong password",
	})
	v := &countingValidator{}
	rec := &recorder{}
	_, err := NewController(v,
		WithJoinStrategy(NotifyJoin{}),
		WithObserver(rec.observe),
	).Run(context.Background(), link, homeCreds, homeLoc, "ABCD1234")

	var pe *PairingError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PairingError, got %v", err)
	}
	if pe.Code != CodeDeviceReportedFailure || pe.Phase != PhaseAwaitingNetworkJoin {
		t.Errorf("got code=%q phase=%s", pe.Code, pe.Phase)
	}
	if v.calls != 0 {
		t.Error("validation must not run after a reported failure")
	}
	if per.Subscribers() != 0 {
		t.Error("subscription should be released on failure")
	}
	if link.Closed() {
		t.Error("link stays with the caller on failure")
	}
	if ph := rec.phases(); ph[len(ph)-1] != PhaseFailed {
		t.Errorf("last phase = %s", ph[len(ph)-1])
	}
}

func TestRun_BestEffortWithReportedAddress(t *testing.T) {
	link, per := connectSim(t, &ble.SimDevice{
		ID:        "ABCD1234",
		JoinDelay: 10 * time.Millisecond,
		LocalIP:   "192.168.1.42",
		Hostname:  "potato.local",
	})
	v := &countingValidator{res: localnet.Result{FailureReason: "hostname: timeout; address: timeout"}}
	rec := &recorder{}
	info, err := NewController(v,
		WithJoinStrategy(PollJoin{Interval: 10 * time.Millisecond}),
		WithObserver(rec.observe),
	).Run(context.Background(), link, homeCreds, homeLoc, "ABCD1234")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if info.ConfirmedAt != nil {
		t.Error("best-effort endpoint must not carry confirmedAt")
	}
	if info.Method != device.MethodBestEffort || info.Endpoint != "http://192.168.1.42:8080" {
		t.Errorf("got method=%q endpoint=%q", info.Method, info.Endpoint)
	}
	if !per.Disconnected() {
		t.Error("link should be released after best-effort acceptance")
	}

	var warned bool
	for _, e := range rec.events {
		if CodeOf(e.Err) == CodeLocalValidationUnconfirmed && e.Phase != PhaseFailed {
			warned = true
		}
	}
	if !warned {
		t.Error("expected an unconfirmed-validation warning event")
	}
}

func TestRun_UnconfirmedWithoutAddressFails(t *testing.T) {
	link, per := connectSim(t, &ble.SimDevice{
		ID:        "ABCD1234",
		JoinDelay: 10 * time.Millisecond,
		Hostname:  "potato.local",
	})
	v := &countingValidator{res: localnet.Result{FailureReason: "hostname: timeout"}}
	_, err := NewController(v,
		WithJoinStrategy(HybridJoin{Interval: 10 * time.Millisecond}),
	).Run(context.Background(), link, homeCreds, homeLoc, "ABCD1234")
	if CodeOf(err) != CodeLocalValidationUnconfirmed {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodeLocalValidationUnconfirmed)
	}
	if per.Disconnected() {
		t.Error("link must not be released without any reachability confirmation")
	}
}

func TestRun_JoinTimeout(t *testing.T) {
	link, per := connectSim(t, &ble.SimDevice{ID: "ABCD1234", SilentJoin: true})
	_, err := NewController(&countingValidator{},
		WithJoinStrategy(HybridJoin{Interval: 10 * time.Millisecond}),
		WithJoinBudget(100*time.Millisecond),
	).Run(context.Background(), link, homeCreds, homeLoc, "ABCD1234")
	if CodeOf(err) != CodeNetworkJoinTimeout {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodeNetworkJoinTimeout)
	}
	if !errors.Is(err, &PairingError{Code: CodeNetworkJoinTimeout}) {
		t.Error("errors.Is should match by code")
	}
	if per.Subscribers() != 0 {
		t.Error("subscription should be released on timeout")
	}
}

func TestRun_Cancelled(t *testing.T) {
	link, per := connectSim(t, &ble.SimDevice{ID: "ABCD1234", SilentJoin: true})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := NewController(&countingValidator{},
		WithJoinStrategy(NotifyJoin{}),
	).Run(ctx, link, homeCreds, homeLoc, "ABCD1234")
	if CodeOf(err) != CodeCancelled {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodeCancelled)
	}
	if per.Subscribers() != 0 {
		t.Error("subscription should be released on cancellation")
	}
}

func TestRun_CredentialWriteFailed(t *testing.T) {
	link, _ := connectSim(t, &ble.SimDevice{ID: "ABCD1234", FailWrites: ble.LocationCharUUID})
	rec := &recorder{}
	_, err := NewController(&countingValidator{}, WithObserver(rec.observe)).
		Run(context.Background(), link, homeCreds, homeLoc, "ABCD1234")
	if CodeOf(err) != CodeCredentialWriteFailed {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodeCredentialWriteFailed)
	}
	if got := rec.progress(); !equalInts(got, []int{20}) {
		t.Errorf("progress = %v, want [20]", got)
	}
}

func TestRun_DisablesRadioWhenAsked(t *testing.T) {
	link, per := connectSim(t, &ble.SimDevice{ID: "ABCD1234", LocalIP: "192.168.1.42"})
	v := &countingValidator{res: localnet.Result{Succeeded: true, Method: device.MethodAddress, Endpoint: "http://192.168.1.42:8080"}}
	_, err := NewController(v,
		WithJoinStrategy(HybridJoin{Interval: 10 * time.Millisecond}),
		WithDisableRadio(true),
	).Run(context.Background(), link, homeCreds, homeLoc, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !per.RadioDisabled() {
		t.Error("expected disable_ble before release")
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalPhases(a, b []Phase) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRun_JoinStrategyFallback(t *testing.T) {
	confirmed := localnet.Result{Succeeded: true, Method: device.MethodAddress, Endpoint: "http://192.168.1.42:8080"}
	tests := []struct {
		name     string
		strategy JoinStrategy
		dev      ble.SimDevice
		wantCode Code
	}{
		{
			name:     "notify without notifications polls",
			strategy: NotifyJoin{Interval: 10 * time.Millisecond},
			dev:      ble.SimDevice{NoNotify: true},
		},
		{
			name:     "poll without reads waits on notifications",
			strategy: PollJoin{Interval: 10 * time.Millisecond},
			dev:      ble.SimDevice{NoRead: true},
		},
		{
			name:     "no status channel at all",
			strategy: HybridJoin{Interval: 10 * time.Millisecond},
			dev:      ble.SimDevice{NoNotify: true, NoRead: true},
			wantCode: CodeUnsupported,
		},
		{
			name:     "poll sees reported failure",
			strategy: PollJoin{Interval: 10 * time.Millisecond},
			dev:      ble.SimDevice{FailJoin: true, FailMessage: "wrong password"},
			wantCode: CodeDeviceReportedFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := tt.dev
			dev.ID = "ABCD1234"
			dev.LocalIP = "192.168.1.42"
			dev.JoinDelay = 10 * time.Millisecond
			link, per := connectSim(t, &dev)

			info, err := NewController(&countingValidator{res: confirmed},
				WithJoinStrategy(tt.strategy),
				WithJoinBudget(2*time.Second),
			).Run(context.Background(), link, homeCreds, homeLoc, "ABCD1234")

			if tt.wantCode != "" {
				if got := CodeOf(err); got != tt.wantCode {
					t.Fatalf("code = %q, want %q (err %v)", got, tt.wantCode, err)
				}
			} else {
				if err != nil {
					t.Fatalf("Run: %v", err)
				}
				if info.Endpoint != confirmed.Endpoint {
					t.Errorf("endpoint = %q, want %q", info.Endpoint, confirmed.Endpoint)
				}
			}
			if per.Subscribers() != 0 {
				t.Error("subscription should be released")
			}
		})
	}
}

func TestRun_BestEffortIPv6Endpoint(t *testing.T) {
	link, _ := connectSim(t, &ble.SimDevice{
		ID:        "ABCD1234",
		JoinDelay: 10 * time.Millisecond,
		LocalIP:   "fd00::42",
	})
	v := &countingValidator{res: localnet.Result{FailureReason: "address: timeout"}}
	info, err := NewController(v,
		WithJoinStrategy(HybridJoin{Interval: 10 * time.Millisecond}),
	).Run(context.Background(), link, homeCreds, homeLoc, "ABCD1234")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if info.Endpoint != "http://[fd00::42]:8080" {
		t.Errorf("endpoint = %q", info.Endpoint)
	}
}
