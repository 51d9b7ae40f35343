// Package storetest runs the same behavioural checks against every
// EndpointStore backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/store"
)

// Run exercises s. The store must start empty.
func Run(t *testing.T, s store.EndpointStore) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.LoadLatest(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LoadLatest on empty store: got %v, want ErrNotFound", err)
	}

	confirmed := time.UnixMilli(1_760_000_000_000).UTC()
	first := device.EndpointInfo{
		DeviceID:      "ABCD1234",
		Endpoint:      "http://192.168.1.42:8080",
		Hostname:      "weatherpotato.local",
		IP:            "192.168.1.42",
		Port:          8080,
		Method:        device.MethodAddress,
		ConfirmedAt:   &confirmed,
		LastSeen:      confirmed.UnixMilli(),
		SetupComplete: true,
	}
	second := device.EndpointInfo{
		DeviceID: "EEFF0011",
		Endpoint: "http://10.0.0.7:8080",
		Hostname: "weatherpotato.local",
		IP:       "10.0.0.7",
		Port:     8080,
		Method:   device.MethodBestEffort,
		LastSeen: confirmed.UnixMilli() + 1000,
		RelayURL: "wss://relay.example.com",
	}

	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("Save first: %v", err)
	}
	if err := s.Save(ctx, second); err != nil {
		t.Fatalf("Save second: %v", err)
	}

	got, err := s.Load(ctx, "ABCD1234")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Endpoint != first.Endpoint || got.IP != first.IP || got.Method != first.Method || !got.SetupComplete {
		t.Errorf("Load = %+v, want %+v", got, first)
	}
	if got.ConfirmedAt == nil || !got.ConfirmedAt.Equal(confirmed) {
		t.Errorf("ConfirmedAt = %v, want %v", got.ConfirmedAt, confirmed)
	}

	latest, err := s.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if latest.DeviceID != "EEFF0011" || latest.ConfirmedAt != nil || latest.RelayURL != second.RelayURL {
		t.Errorf("LoadLatest = %+v, want second endpoint", latest)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List returned %d endpoints, want 2", len(list))
	}

	first.IP = "192.168.1.43"
	first.Endpoint = "http://192.168.1.43:8080"
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("re-Save: %v", err)
	}
	if got, _ := s.Load(ctx, "ABCD1234"); got == nil || got.IP != "192.168.1.43" {
		t.Errorf("re-Save did not replace the endpoint: %+v", got)
	}
	if latest, _ := s.LoadLatest(ctx); latest == nil || latest.DeviceID != "ABCD1234" {
		t.Errorf("latest after re-Save = %+v, want ABCD1234", latest)
	}

	if err := s.Delete(ctx, "ABCD1234"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "ABCD1234"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Load after Delete: got %v, want ErrNotFound", err)
	}
	if latest, err := s.LoadLatest(ctx); err != nil || latest.DeviceID != "EEFF0011" {
		t.Errorf("LoadLatest after deleting latest = %+v, %v", latest, err)
	}
	if err := s.Delete(ctx, "NOPE0000"); err != nil {
		t.Errorf("Delete of unknown device: %v", err)
	}

	if err := s.Save(ctx, device.EndpointInfo{}); err == nil {
		t.Error("Save accepted an empty endpoint")
	}
}
