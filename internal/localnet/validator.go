// Package localnet talks to a potato's plaintext HTTP server on the local
// network: liveness checks after provisioning, discovery of an already
// configured device, and the soft-AP configuration push.
package localnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/weatherpotato/potatolink/internal/device"
)

const (
	// DefaultAttemptTimeout bounds a single liveness probe.
	DefaultAttemptTimeout = 5 * time.Second
	// DefaultDiscoveryTimeout bounds a discovery probe.
	DefaultDiscoveryTimeout = 3 * time.Second

	readyStatus  = "ready"
	maxBodyBytes = 64 * 1024
)

// Health is the device's /health document.
type Health struct {
	DeviceID        string `json:"device_id"`
	Status          string `json:"status"`
	LocalIP         string `json:"local_ip"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// Result is the outcome of Validate.
type Result struct {
	Succeeded     bool
	Method        string // device.MethodHostname or device.MethodAddress
	Endpoint      string
	Health        Health
	FailureReason string
}

// Validator probes device HTTP endpoints.
type Validator struct {
	client *http.Client
}

// NewValidator returns a Validator using client, or a default client when nil.
// Per-attempt deadlines come from contexts, not from the client timeout.
func NewValidator(client *http.Client) *Validator {
	if client == nil {
		client = &http.Client{}
	}
	return &Validator{client: client}
}

// Validate probes {hostname, port} then {address, port}, each bounded by
// attemptTimeout, and accepts the first whose /health reports the expected
// identity with status "ready". It never retries within a call.
func (v *Validator) Validate(ctx context.Context, hostname, address string, port int, expectedID string, attemptTimeout time.Duration) Result {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	var reasons []string

	for _, try := range []struct {
		host   string
		method string
	}{
		{hostname, device.MethodHostname},
		{address, device.MethodAddress},
	} {
		if try.host == "" {
			continue
		}
		endpoint := device.BaseURL(try.host, port)
		h, err := v.probe(ctx, endpoint, attemptTimeout)
		if err == nil {
			err = checkHealth(h, expectedID)
		}
		if err != nil {
			slog.Info("liveness check failed", "method", try.method, "endpoint", endpoint, "error", err)
			reasons = append(reasons, fmt.Sprintf("%s: %v", try.method, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		slog.Info("liveness check passed", "method", try.method, "endpoint", endpoint)
		return Result{Succeeded: true, Method: try.method, Endpoint: endpoint, Health: h}
	}

	reason := "no hostname or address to probe"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}
	return Result{FailureReason: reason}
}

// Health fetches and decodes the /health document of endpoint.
func (v *Validator) Health(ctx context.Context, endpoint string, timeout time.Duration) (Health, error) {
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return v.probe(ctx, endpoint, timeout)
}

func (v *Validator) probe(ctx context.Context, endpoint string, timeout time.Duration) (Health, error) {
	var h Health
	err := v.getJSON(ctx, endpoint+"/health", timeout, &h)
	return h, err
}

func checkHealth(h Health, expectedID string) error {
	if device.NormalizeID(h.DeviceID) != device.NormalizeID(expectedID) {
		return fmt.Errorf("%w: got %q, want %q", ErrIdentityMismatch, h.DeviceID, expectedID)
	}
	if h.Status != readyStatus {
		return fmt.Errorf("%w: status %q", ErrNotReady, h.Status)
	}
	return nil
}

var (
	// ErrIdentityMismatch means a different device answered.
	ErrIdentityMismatch = errors.New("device identity mismatch")
	// ErrNotReady means the device answered but is not ready.
	ErrNotReady = errors.New("device not ready")
	// ErrBadStatus wraps non-2xx HTTP responses.
	ErrBadStatus = errors.New("unexpected http status")
)

func (v *Validator) getJSON(ctx context.Context, url string, timeout time.Duration, dst any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
