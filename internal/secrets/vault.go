// Package secrets remembers WiFi passwords per SSID so repeated pairings do
// not prompt again. The OS keyring is preferred; an encrypted JSON file is
// the fallback when no keyring is reachable.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"
)

// Service is the keyring service name entries are stored under.
const Service = "potatolink"

var (
	// ErrNotFound means no password is stored for the SSID.
	ErrNotFound = errors.New("secret not found")
	// ErrUnavailable means neither the keyring nor an encryption key is available.
	ErrUnavailable = errors.New("no keyring and no encryption key configured")
)

// Vault stores one password per SSID.
type Vault interface {
	Get(ssid string) (string, error)
	Set(ssid, password string) error
	Delete(ssid string) error
	Backend() string
}

// Open returns the keyring vault when the OS keyring answers, otherwise a
// file vault at path encrypted with key.
func Open(path, key string) (Vault, error) {
	if keyringAvailable() {
		return KeyringVault{}, nil
	}
	if key == "" {
		return nil, ErrUnavailable
	}
	slog.Info("os keyring unavailable, using encrypted file", "path", path)
	return NewFileVault(path, key)
}

func keyringAvailable() bool {
	_, err := keyring.Get(Service, "__probe__")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

// KeyringVault keeps passwords in the OS keyring.
type KeyringVault struct{}

func (KeyringVault) Get(ssid string) (string, error) {
	pw, err := keyring.Get(Service, ssid)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return pw, err
}

func (KeyringVault) Set(ssid, password string) error {
	return keyring.Set(Service, ssid, password)
}

func (KeyringVault) Delete(ssid string) error {
	err := keyring.Delete(Service, ssid)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

func (KeyringVault) Backend() string { return "keyring" }

// FileVault keeps AES-GCM sealed passwords in a 0600 JSON file.
type FileVault struct {
	path string
	box  *box

	mu sync.Mutex
}

// NewFileVault opens (or lazily creates) the vault file at path.
func NewFileVault(path, key string) (*FileVault, error) {
	if key == "" {
		return nil, ErrUnavailable
	}
	b, err := newBox(key)
	if err != nil {
		return nil, fmt.Errorf("vault cipher: %w", err)
	}
	return &FileVault{path: path, box: b}, nil
}

func (v *FileVault) Get(ssid string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries, err := v.load()
	if err != nil {
		return "", err
	}
	sealed, ok := entries[ssid]
	if !ok {
		return "", ErrNotFound
	}
	return v.box.open(sealed)
}

func (v *FileVault) Set(ssid, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries, err := v.load()
	if err != nil {
		return err
	}
	sealed, err := v.box.seal(password)
	if err != nil {
		return err
	}
	entries[ssid] = sealed
	return v.save(entries)
}

func (v *FileVault) Delete(ssid string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := entries[ssid]; !ok {
		return nil
	}
	delete(entries, ssid)
	return v.save(entries)
}

func (v *FileVault) Backend() string { return "file" }

func (v *FileVault) load() (map[string]string, error) {
	entries := make(map[string]string)
	data, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("vault file %s: %w", v.path, err)
	}
	return entries, nil
}

func (v *FileVault) save(entries map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, v.path)
}
