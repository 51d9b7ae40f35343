package localnet

import (
	"context"
	"testing"
	"time"

	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/localnet/simnet"
)

func newNet(t *testing.T) *simnet.Network {
	t.Helper()
	n, err := simnet.New()
	if err != nil {
		t.Fatalf("simnet: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestValidate_HostnameFirst(t *testing.T) {
	n := newNet(t)
	fw := simnet.NewFirmware("ABCD1234", "192.168.1.42")
	n.Handle("potato.local", fw)
	n.Handle("192.168.1.42", fw)

	res := NewValidator(n.Client()).Validate(context.Background(), "potato.local", "192.168.1.42", 8080, "ABCD1234", time.Second)
	if !res.Succeeded {
		t.Fatalf("expected success, got %q", res.FailureReason)
	}
	if res.Method != device.MethodHostname {
		t.Errorf("method = %q, want hostname", res.Method)
	}
	if res.Endpoint != "http://potato.local:8080" {
		t.Errorf("endpoint = %q", res.Endpoint)
	}
}

func TestValidate_AddressFallbackAfterTimeout(t *testing.T) {
	n := newNet(t)
	n.Blackhole("potato.local")
	n.Handle("192.168.1.42", simnet.NewFirmware("ABCD1234", "192.168.1.42"))

	start := time.Now()
	res := NewValidator(n.Client()).Validate(context.Background(), "potato.local", "192.168.1.42", 8080, "ABCD1234", 100*time.Millisecond)
	if !res.Succeeded {
		t.Fatalf("expected success, got %q", res.FailureReason)
	}
	if res.Method != device.MethodAddress || res.Endpoint != "http://192.168.1.42:8080" {
		t.Errorf("got method=%q endpoint=%q", res.Method, res.Endpoint)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("hostname attempt was not bounded by its own timeout")
	}
}

func TestValidate_WrongIdentity(t *testing.T) {
	n := newNet(t)
	n.Handle("potato.local", simnet.NewFirmware("FFFF0000", "192.168.1.7"))

	res := NewValidator(n.Client()).Validate(context.Background(), "potato.local", "", 8080, "ABCD1234", time.Second)
	if res.Succeeded {
		t.Fatal("expected failure for mismatching identity")
	}
	if res.FailureReason == "" {
		t.Error("failure reason should be set")
	}
}

func TestValidate_NotReady(t *testing.T) {
	n := newNet(t)
	fw := simnet.NewFirmware("ABCD1234", "192.168.1.42")
	fw.Status = "booting"
	n.Handle("192.168.1.42", fw)

	res := NewValidator(n.Client()).Validate(context.Background(), "", "192.168.1.42", 8080, "ABCD1234", time.Second)
	if res.Succeeded {
		t.Fatal("expected failure when device is not ready")
	}
}

func TestValidate_NothingToProbe(t *testing.T) {
	res := NewValidator(nil).Validate(context.Background(), "", "", 8080, "ABCD1234", time.Second)
	if res.Succeeded || res.FailureReason == "" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestDiscover(t *testing.T) {
	n := newNet(t)
	n.Handle(device.DefaultHostname, simnet.NewFirmware("abcd1234", "192.168.1.42"))

	info, ok := NewValidator(n.Client()).Discover(context.Background(), "", 0, time.Second)
	if !ok {
		t.Fatal("expected device to be discovered")
	}
	if info.DeviceID != "ABCD1234" || info.Endpoint != "http://weatherpotato.local:8080" {
		t.Errorf("unexpected info %+v", info)
	}
	if !info.Confirmed() || !info.SetupComplete {
		t.Error("discovered endpoint should be confirmed and complete")
	}
}

func TestDiscover_NotFound(t *testing.T) {
	n := newNet(t)
	if _, ok := NewValidator(n.Client()).Discover(context.Background(), "", 0, 200*time.Millisecond); ok {
		t.Error("expected nothing to be discovered")
	}
}

func TestPushConfig(t *testing.T) {
	n := newNet(t)
	fw := simnet.NewFirmware("ABCD1234", "192.168.4.1")
	n.Handle("192.168.4.1", fw)

	err := NewValidator(n.Client()).PushConfig(context.Background(), "http://192.168.4.1:8080",
		device.Credentials{SSID: "HomeNet", Password: "abcdefgh"},
		device.Location{Latitude: 48.9075, Longitude: 2.3833}, time.Second)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	cfg := fw.Config()
	if cfg["ssid"] != "HomeNet" || cfg["latitude"] != 48.9075 {
		t.Errorf("firmware got %v", cfg)
	}
}
