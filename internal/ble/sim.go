package ble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SimDevice describes an in-memory potato that behaves like the firmware:
// once both WiFi settings and a location have been written it reports
// connecting_wifi, then after JoinDelay either wifi_connected or wifi_failed.
type SimDevice struct {
	ID              string
	MAC             string
	AdvertisedName  string // defaults to Potato-<ID>
	FirmwareVersion string

	JoinDelay   time.Duration
	FailJoin    bool   // report wifi_failed instead of wifi_connected
	FailMessage string // message of the wifi_failed status
	LocalIP     string
	Hostname    string
	Port        int

	NoNotify   bool   // status Subscribe returns ErrCapabilityUnavailable
	NoRead     bool   // status Read returns ErrCapabilityUnavailable
	FailWrites string // characteristic UUID whose writes fail
	SilentJoin bool   // never report a terminal status
}

// SimCentral is a Central over a fixed set of simulated devices.
type SimCentral struct {
	Devices []*SimDevice

	mu          sync.Mutex
	peripherals []*SimPeripheral
}

// NewSimCentral returns a central that advertises devs in order.
func NewSimCentral(devs ...*SimDevice) *SimCentral {
	return &SimCentral{Devices: devs}
}

func (c *SimCentral) Scan(ctx context.Context, match func(Advertisement) bool) (Advertisement, error) {
	for _, d := range c.Devices {
		adv := Advertisement{Name: d.name(), Address: d.MAC}
		if match(adv) {
			return adv, nil
		}
	}
	<-ctx.Done()
	return Advertisement{}, ctx.Err()
}

func (c *SimCentral) Connect(ctx context.Context, adv Advertisement) (Peripheral, error) {
	for _, d := range c.Devices {
		if d.name() == adv.Name {
			p := newSimPeripheral(d)
			c.mu.Lock()
			c.peripherals = append(c.peripherals, p)
			c.mu.Unlock()
			return p, nil
		}
	}
	return nil, fmt.Errorf("sim: no device %q", adv.Name)
}

// Peripherals returns every peripheral handed out by Connect.
func (c *SimCentral) Peripherals() []*SimPeripheral {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*SimPeripheral, len(c.peripherals))
	copy(out, c.peripherals)
	return out
}

func (d *SimDevice) name() string {
	if d.AdvertisedName != "" {
		return d.AdvertisedName
	}
	return NamePrefix + d.ID
}

// SimWrite records one write received by a simulated peripheral.
type SimWrite struct {
	UUID  string
	Value []byte
}

// SimPeripheral is the connected side of a SimDevice.
type SimPeripheral struct {
	dev *SimDevice

	mu           sync.Mutex
	status       []byte
	subs         map[int]func([]byte)
	nextSub      int
	writes       []SimWrite
	gotWiFi      bool
	gotLocation  bool
	joining      bool
	disconnected bool
	radioOff     bool
	timer        *time.Timer
}

func newSimPeripheral(d *SimDevice) *SimPeripheral {
	return &SimPeripheral{
		dev:    d,
		status: []byte(`{"status":"ready"}`),
		subs:   make(map[int]func([]byte)),
	}
}

func (p *SimPeripheral) Characteristic(uuid string) (Characteristic, error) {
	switch uuid {
	case IdentityCharUUID, WiFiConfigCharUUID, LocationCharUUID, StatusCharUUID:
		return &simChar{p: p, uuid: uuid}, nil
	}
	return nil, fmt.Errorf("sim: unknown characteristic %s", uuid)
}

func (p *SimPeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.subs = make(map[int]func([]byte))
	return nil
}

// Disconnected reports whether the central released the peripheral.
func (p *SimPeripheral) Disconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

// RadioDisabled reports whether a disable_ble command was received.
func (p *SimPeripheral) RadioDisabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.radioOff
}

// Subscribers returns the number of active status subscriptions.
func (p *SimPeripheral) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Writes returns all writes received, in order.
func (p *SimPeripheral) Writes() []SimWrite {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SimWrite, len(p.writes))
	copy(out, p.writes)
	return out
}

// SetStatus replaces the status value and notifies subscribers.
func (p *SimPeripheral) SetStatus(v any) {
	data, _ := json.Marshal(v)
	p.mu.Lock()
	p.setStatusLocked(data)
	p.mu.Unlock()
}

func (p *SimPeripheral) setStatusLocked(data []byte) {
	p.status = data
	for _, fn := range p.subs {
		go fn(data)
	}
}

func (p *SimPeripheral) identity() []byte {
	data, _ := json.Marshal(Identity{
		DeviceID:        p.dev.ID,
		MACAddress:      p.dev.MAC,
		FirmwareVersion: p.dev.FirmwareVersion,
	})
	return data
}

func (p *SimPeripheral) onWrite(uuid string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return errors.New("sim: not connected")
	}
	if p.dev.FailWrites == uuid {
		return errors.New("sim: write rejected")
	}
	p.writes = append(p.writes, SimWrite{UUID: uuid, Value: append([]byte(nil), value...)})

	switch uuid {
	case WiFiConfigCharUUID:
		p.gotWiFi = true
	case LocationCharUUID:
		p.gotLocation = true
	case StatusCharUUID:
		var cmd struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(value, &cmd) == nil && cmd.Action == "disable_ble" {
			p.radioOff = true
			p.setStatusLocked([]byte(`{"status":"ble_disabled","message":"Switching to HTTP only"}`))
		}
		return nil
	default:
		return fmt.Errorf("sim: characteristic %s is read-only", uuid)
	}

	if p.gotWiFi && p.gotLocation && !p.joining {
		p.joining = true
		p.setStatusLocked([]byte(`{"status":"connecting_wifi","message":"Connecting to network..."}`))
		if !p.dev.SilentJoin {
			p.timer = time.AfterFunc(p.dev.JoinDelay, p.finishJoin)
		}
	}
	return nil
}

func (p *SimPeripheral) finishJoin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return
	}
	if p.dev.FailJoin {
		msg := p.dev.FailMessage
		if msg == "" {
			msg = "Connection timeout or invalid credentials"
		}
		data, _ := json.Marshal(Status{Raw: wireFailed, Message: msg})
		p.setStatusLocked(data)
		return
	}
	data, _ := json.Marshal(Status{
		Raw:      wireConnected,
		LocalIP:  p.dev.LocalIP,
		Hostname: p.dev.Hostname,
		Port:     p.dev.Port,
		DeviceID: p.dev.ID,
	})
	p.setStatusLocked(data)
}

type simChar struct {
	p    *SimPeripheral
	uuid string
}

func (c *simChar) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if c.p.disconnected {
		return nil, errors.New("sim: not connected")
	}
	switch c.uuid {
	case IdentityCharUUID:
		return c.p.identity(), nil
	case StatusCharUUID:
		if c.p.dev.NoRead {
			return nil, ErrCapabilityUnavailable
		}
		return append([]byte(nil), c.p.status...), nil
	}
	return nil, ErrCapabilityUnavailable
}

func (c *simChar) Write(ctx context.Context, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.p.onWrite(c.uuid, value)
}

func (c *simChar) Subscribe(fn func([]byte)) (func() error, error) {
	if c.uuid != StatusCharUUID || c.p.dev.NoNotify {
		return nil, ErrCapabilityUnavailable
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	id := c.p.nextSub
	c.p.nextSub++
	c.p.subs[id] = fn
	return func() error {
		c.p.mu.Lock()
		defer c.p.mu.Unlock()
		delete(c.p.subs, id)
		return nil
	}, nil
}
