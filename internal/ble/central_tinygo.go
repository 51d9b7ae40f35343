//go:build ble

package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// NewDefaultCentral enables the platform Bluetooth adapter.
// Only compiled with -tags ble.
func NewDefaultCentral() (Central, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return &tinygoCentral{adapter: adapter, seen: make(map[string]bluetooth.Address)}, nil
}

type tinygoCentral struct {
	adapter *bluetooth.Adapter

	mu   sync.Mutex
	seen map[string]bluetooth.Address
}

func (c *tinygoCentral) Scan(ctx context.Context, match func(Advertisement) bool) (Advertisement, error) {
	found := make(chan Advertisement, 1)
	errCh := make(chan error, 1)

	go func() {
		errCh <- c.adapter.Scan(func(a *bluetooth.Adapter, res bluetooth.ScanResult) {
			adv := Advertisement{Name: res.LocalName(), Address: res.Address.String()}
			if !match(adv) {
				return
			}
			c.mu.Lock()
			c.seen[adv.Address] = res.Address
			c.mu.Unlock()
			select {
			case found <- adv:
				a.StopScan()
			default:
			}
		})
	}()

	select {
	case adv := <-found:
		return adv, nil
	case err := <-errCh:
		if err == nil {
			err = fmt.Errorf("scan stopped")
		}
		return Advertisement{}, err
	case <-ctx.Done():
		c.adapter.StopScan()
		return Advertisement{}, ctx.Err()
	}
}

func (c *tinygoCentral) Connect(ctx context.Context, adv Advertisement) (Peripheral, error) {
	c.mu.Lock()
	addr, ok := c.seen[adv.Address]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("address %s not seen in scan", adv.Address)
	}

	dev, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	disconnect := func() error { return dev.Disconnect() }

	svcUUID, _ := bluetooth.ParseUUID(ServiceUUID)
	services, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(services) == 0 {
		disconnect()
		return nil, fmt.Errorf("discover service %s: %v", ServiceUUID, err)
	}

	chars, err := services[0].DiscoverCharacteristics(nil)
	if err != nil {
		disconnect()
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}

	p := &tinygoPeripheral{disconnect: disconnect, chars: make(map[string]Characteristic)}
	for i := range chars {
		ch := chars[i]
		p.chars[ch.UUID().String()] = &tinygoChar{
			read: func(buf []byte) (int, error) { return ch.Read(buf) },
			write: func(b []byte) error {
				_, err := ch.Write(b)
				return err
			},
			notify: func(fn func([]byte)) error { return ch.EnableNotifications(fn) },
		}
	}
	slog.Debug("ble characteristics discovered", "count", len(chars))
	return p, nil
}

type tinygoPeripheral struct {
	disconnect func() error
	chars      map[string]Characteristic
}

func (p *tinygoPeripheral) Characteristic(uuid string) (Characteristic, error) {
	ch, ok := p.chars[uuid]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found", uuid)
	}
	return ch, nil
}

func (p *tinygoPeripheral) Disconnect() error { return p.disconnect() }

type tinygoChar struct {
	read   func([]byte) (int, error)
	write  func([]byte) error
	notify func(func([]byte)) error
}

// maxValueLen is the largest characteristic value the firmware produces.
const maxValueLen = 512

func (c *tinygoChar) Read(ctx context.Context) ([]byte, error) {
	buf := make([]byte, maxValueLen)
	n, err := c.read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinygoChar) Write(ctx context.Context, value []byte) error {
	return c.write(value)
}

func (c *tinygoChar) Subscribe(fn func([]byte)) (func() error, error) {
	if err := c.notify(func(b []byte) {
		fn(append([]byte(nil), b...))
	}); err != nil {
		return nil, err
	}
	return func() error { return c.notify(nil) }, nil
}
