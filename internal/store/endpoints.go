// Package store persists the endpoints learned by pairing and discovery so
// later commands can reach a device without pairing again.
package store

import (
	"context"
	"errors"

	"github.com/weatherpotato/potatolink/internal/device"
)

// ErrNotFound is returned when no endpoint is stored for the device.
var ErrNotFound = errors.New("endpoint not found")

// EndpointStore keeps one EndpointInfo per device, remembering which one was
// saved last.
type EndpointStore interface {
	Load(ctx context.Context, deviceID string) (*device.EndpointInfo, error)
	LoadLatest(ctx context.Context) (*device.EndpointInfo, error)
	List(ctx context.Context) ([]device.EndpointInfo, error)
	Save(ctx context.Context, info device.EndpointInfo) error
	Delete(ctx context.Context, deviceID string) error
	Close() error
}
