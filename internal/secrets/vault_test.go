package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestFileVault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wifi.json")
	v, err := NewFileVault(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("NewFileVault: %v", err)
	}

	if _, err := v.Get("HomeNet"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := v.Set("HomeNet", "abcdefgh"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := v.Get("HomeNet")
	if err != nil || got != "abcdefgh" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "abcdefgh") {
		t.Error("password stored in clear text")
	}
	if info, _ := os.Stat(path); info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}

	if err := v.Delete("HomeNet"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := v.Get("HomeNet"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFileVault_WrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wifi.json")
	v, _ := NewFileVault(path, strings.Repeat("k", 32))
	v.Set("HomeNet", "abcdefgh")

	other, _ := NewFileVault(path, strings.Repeat("x", 32))
	if _, err := other.Get("HomeNet"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt with wrong key, got %v", err)
	}
}

func TestFileVault_RequiresKey(t *testing.T) {
	if _, err := NewFileVault(filepath.Join(t.TempDir(), "x.json"), ""); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestOpen_PrefersKeyring(t *testing.T) {
	keyring.MockInit()
	v, err := Open(filepath.Join(t.TempDir(), "wifi.json"), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if v.Backend() != "keyring" {
		t.Fatalf("backend = %s, want keyring", v.Backend())
	}
	if err := v.Set("HomeNet", "abcdefgh"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, _ := v.Get("HomeNet"); got != "abcdefgh" {
		t.Errorf("Get = %q", got)
	}
	if err := v.Delete("Missing"); err != nil {
		t.Errorf("Delete of missing entry: %v", err)
	}
}

func TestDeriveKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	if k := deriveKey(hexKey); len(k) != 32 || k[0] != 0xab {
		t.Errorf("hex key not decoded: %x", k)
	}
	if k := deriveKey("short passphrase"); len(k) != 32 {
		t.Errorf("passphrase key length = %d", len(k))
	}
}
