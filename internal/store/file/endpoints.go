// Package file stores endpoints in a single JSON file.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/store"
)

type entry struct {
	Seq  int64               `json:"seq"`
	Info device.EndpointInfo `json:"info"`
}

type document struct {
	Seq       int64             `json:"seq"`
	Endpoints map[string]*entry `json:"endpoints"`
}

// EndpointStore implements store.EndpointStore over a JSON file. The whole
// file is rewritten atomically on every change.
type EndpointStore struct {
	path string
	mu   sync.Mutex
}

// NewEndpointStore returns a store at path; the file is created on first Save.
func NewEndpointStore(path string) *EndpointStore {
	return &EndpointStore{path: path}
}

func (s *EndpointStore) Load(_ context.Context, deviceID string) (*device.EndpointInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	e, ok := doc.Endpoints[device.NormalizeID(deviceID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	info := e.Info
	return &info, nil
}

func (s *EndpointStore) LoadLatest(_ context.Context) (*device.EndpointInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	var latest *entry
	for _, e := range doc.Endpoints {
		if latest == nil || e.Seq > latest.Seq {
			latest = e
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	info := latest.Info
	return &info, nil
}

func (s *EndpointStore) List(_ context.Context) ([]device.EndpointInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	entries := make([]*entry, 0, len(doc.Endpoints))
	for _, e := range doc.Endpoints {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq > entries[j].Seq })
	out := make([]device.EndpointInfo, len(entries))
	for i, e := range entries {
		out[i] = e.Info
	}
	return out, nil
}

func (s *EndpointStore) Save(_ context.Context, info device.EndpointInfo) error {
	info.DeviceID = device.NormalizeID(info.DeviceID)
	if err := store.ValidateEndpoint(info); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Seq++
	doc.Endpoints[info.DeviceID] = &entry{Seq: doc.Seq, Info: info}
	if err := s.write(doc); err != nil {
		return err
	}
	slog.Debug("endpoint saved", "device_id", info.DeviceID, "endpoint", info.Endpoint, "path", s.path)
	return nil
}

func (s *EndpointStore) Delete(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	id := device.NormalizeID(deviceID)
	if _, ok := doc.Endpoints[id]; !ok {
		return nil
	}
	delete(doc.Endpoints, id)
	return s.write(doc)
}

func (s *EndpointStore) Close() error { return nil }

func (s *EndpointStore) read() (*document, error) {
	doc := &document{Endpoints: make(map[string]*entry)}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read endpoints: %w", err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse endpoints %s: %w", s.path, err)
	}
	if doc.Endpoints == nil {
		doc.Endpoints = make(map[string]*entry)
	}
	return doc, nil
}

func (s *EndpointStore) write(doc *document) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write endpoints: %w", err)
	}
	return os.Rename(tmp, s.path)
}
