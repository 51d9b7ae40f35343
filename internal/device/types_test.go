package device

import (
	"errors"
	"strings"
	"testing"
)

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		ok    bool
	}{
		{"valid", Credentials{SSID: "HomeNet", Password: "abcdefgh"}, true},
		{"empty ssid", Credentials{SSID: "", Password: "abcdefgh"}, false},
		{"long ssid", Credentials{SSID: strings.Repeat("x", 33), Password: "abcdefgh"}, false},
		{"short password", Credentials{SSID: "HomeNet", Password: "short"}, false},
		{"long password", Credentials{SSID: "HomeNet", Password: strings.Repeat("p", 64)}, false},
		{"open network", Credentials{SSID: "Cafe", Security: "nopass"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("error %v does not wrap ErrInvalidInput", err)
				}
			}
		})
	}
}

func TestLocation_Validate(t *testing.T) {
	if err := (Location{Latitude: 48.9075, Longitude: 2.3833}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (Location{Latitude: 91}).Validate(); err == nil {
		t.Error("expected latitude error")
	}
	if err := (Location{Longitude: -181}).Validate(); err == nil {
		t.Error("expected longitude error")
	}
}

func TestIDFromMAC(t *testing.T) {
	if got := IDFromMAC("ab:cd:12:34:ee:ff"); got != "ABCD1234" {
		t.Errorf("IDFromMAC = %q, want ABCD1234", got)
	}
}

func TestBaseURL(t *testing.T) {
	if got := BaseURL("192.168.1.42", 8080); got != "http://192.168.1.42:8080" {
		t.Errorf("got %q", got)
	}
	if got := BaseURL("potato.local", 0); got != "http://potato.local:8080" {
		t.Errorf("default port: got %q", got)
	}
	if got := BaseURL("fe80::1", 8080); got != "http://[fe80::1]:8080" {
		t.Errorf("ipv6: got %q", got)
	}
}
