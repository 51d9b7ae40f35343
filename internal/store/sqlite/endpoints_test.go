package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/store/storetest"
)

func TestEndpointStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "endpoints.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	storetest.Run(t, s)
}

func TestEndpointStore_MigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoints.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save(context.Background(), device.EndpointInfo{DeviceID: "ABCD1234", Endpoint: "http://10.0.0.2:8080"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Load(context.Background(), "abcd1234")
	if err != nil || got.Endpoint != "http://10.0.0.2:8080" {
		t.Fatalf("Load after reopen = %+v, %v", got, err)
	}
}
