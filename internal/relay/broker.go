// Package relay implements the WebSocket broker that tunnels request and
// response pairs between clients and devices registered by identity.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/weatherpotato/potatolink/pkg/protocol"
)

// Config configures a Broker.
type Config struct {
	RateLimitRPM   int // per connection; <= 0 disables
	RateLimitBurst int
	RecentDevices  int // size of the recently-seen list, default 128
	Presence       PresenceNotifier
}

// DeviceInfo describes a device known to the broker.
type DeviceInfo struct {
	DeviceID string `json:"device_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen"` // unix millis
}

// Broker owns the device registry and every live connection. It is safe for
// concurrent use; several brokers may coexist in one process.
type Broker struct {
	cfg      Config
	upgrader websocket.Upgrader
	limiter  *RateLimiter
	metrics  *metrics
	recent   *lru.Cache[string, DeviceInfo]
	handler  http.Handler

	mu      sync.Mutex
	devices map[string]*conn
	conns   map[*conn]struct{}
	server  *http.Server

	presenceMu sync.Mutex
	published  map[string]bool // last presence sent per device, true = online
}

// New creates a broker.
func New(cfg Config) *Broker {
	size := cfg.RecentDevices
	if size <= 0 {
		size = 128
	}
	recent, _ := lru.New[string, DeviceInfo](size)

	b := &Broker{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limiter: NewRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst),
		metrics: newMetrics(),
		recent:  recent,
		devices: make(map[string]*conn),
		conns:   make(map[*conn]struct{}),

		published: make(map[string]bool),
	}
	b.handler = b.routes()
	return b
}

// Handler returns the broker's HTTP handler (WebSocket upgrade plus the
// /health, /devices and /metrics endpoints).
func (b *Broker) Handler() http.Handler { return b.handler }

// Serve accepts connections on ln until Shutdown is called or ctx ends.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           b.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	b.mu.Lock()
	b.server = srv
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Shutdown(sctx)
	})
	defer stop()

	slog.Info("relay listening", "addr", ln.Addr().String(), "rate_limit", b.limiter.Enabled())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and closes every connection. Devices are
// reported offline and their pending requests fail.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	srv := b.server
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, c := range conns {
		c.ws.Close()
	}
	b.limiter.Stop()
	return err
}

// SetRateLimit changes the per-connection request limit at runtime.
func (b *Broker) SetRateLimit(rpm, burst int) {
	b.limiter.SetLimit(rpm, burst)
	slog.Info("relay rate limit updated", "rpm", rpm, "burst", burst)
}

// DeviceCount returns the number of registered devices.
func (b *Broker) DeviceCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.devices)
}

// Devices lists online devices followed by recently seen offline ones.
func (b *Broker) Devices() []DeviceInfo {
	b.mu.Lock()
	online := make(map[string]bool, len(b.devices))
	for id := range b.devices {
		online[id] = true
	}
	b.mu.Unlock()

	out := make([]DeviceInfo, 0, b.recent.Len())
	for _, id := range b.recent.Keys() {
		info, ok := b.recent.Peek(id)
		if !ok {
			continue
		}
		info.Online = online[id]
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Online != out[j].Online {
			return out[i].Online
		}
		return out[i].LastSeen > out[j].LastSeen
	})
	return out
}

func (b *Broker) accept(ws *websocket.Conn) {
	c := newConn(ws, b)
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	b.metrics.connections.Inc()
	slog.Debug("relay connection opened", "conn", c.id, "remote", ws.RemoteAddr().String())
	c.run()
}

// handle dispatches one inbound frame.
func (b *Broker) handle(c *conn, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		slog.Warn("relay message ignored", "conn", c.id, "error", err)
		return
	}
	b.metrics.messages.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case protocol.TypeRegister:
		b.register(c, msg.DeviceID)
	case protocol.TypeRequest:
		if !b.limiter.Allow(c.id) {
			b.metrics.limited.Inc()
			c.sendMessage(protocol.NewError(msg.ID, protocol.ErrRateLimited))
			return
		}
		b.forward(c, msg, data)
	case protocol.TypeResponse, protocol.TypeError:
		requester, ok := c.takePending(msg.ID)
		if !ok {
			slog.Debug("relay reply without pending request", "conn", c.id, "id", msg.ID)
			return
		}
		requester.enqueue(data)
	}
}

func (b *Broker) register(c *conn, deviceID string) {
	prevID := c.setDeviceID(deviceID)
	now := time.Now().UnixMilli()

	b.mu.Lock()
	if prevID != "" && prevID != deviceID && b.devices[prevID] == c {
		delete(b.devices, prevID)
	}
	old := b.devices[deviceID]
	b.devices[deviceID] = c
	count := len(b.devices)
	b.mu.Unlock()

	b.recent.Add(deviceID, DeviceInfo{DeviceID: deviceID, LastSeen: now})
	b.metrics.devices.Set(float64(count))
	if old != nil && old != c {
		slog.Info("device registration replaced", "device_id", deviceID, "conn", c.id, "previous", old.id)
	} else {
		slog.Info("device registered", "device_id", deviceID, "conn", c.id)
	}
	b.publishPresence(deviceID)
}

func (b *Broker) forward(requester *conn, msg *protocol.Message, raw []byte) {
	b.mu.Lock()
	dev := b.devices[msg.DeviceID]
	b.mu.Unlock()

	if dev == nil || !dev.addPending(msg.ID, requester) {
		b.metrics.offline.Inc()
		requester.sendMessage(protocol.NewError(msg.ID, protocol.ErrDeviceOffline))
		return
	}
	b.metrics.forwarded.Inc()
	if !dev.enqueue(raw) {
		if r, ok := dev.takePending(msg.ID); ok {
			r.sendMessage(protocol.NewError(msg.ID, protocol.ErrDeviceOffline))
		}
	}
}

// publishPresence reports the registry's current state for deviceID. Calls
// are serialized and read the registry under the lock, so a late offline
// from a replaced connection cannot overwrite a newer online.
func (b *Broker) publishPresence(deviceID string) {
	if b.cfg.Presence == nil {
		return
	}
	b.presenceMu.Lock()
	defer b.presenceMu.Unlock()

	b.mu.Lock()
	online := b.devices[deviceID] != nil
	b.mu.Unlock()

	if last, ok := b.published[deviceID]; ok && last == online {
		return
	}
	b.published[deviceID] = online
	if online {
		b.cfg.Presence.DeviceOnline(deviceID)
	} else {
		b.cfg.Presence.DeviceOffline(deviceID)
	}
}

// release runs once per connection after its reader stops.
func (b *Broker) release(c *conn) {
	deviceID, pending := c.shut()

	b.mu.Lock()
	delete(b.conns, c)
	stillCurrent := deviceID != "" && b.devices[deviceID] == c
	if stillCurrent {
		delete(b.devices, deviceID)
	}
	count := len(b.devices)
	b.mu.Unlock()

	b.limiter.Forget(c.id)
	b.metrics.connections.Dec()
	b.metrics.devices.Set(float64(count))

	for id, requester := range pending {
		requester.sendMessage(protocol.NewError(id, protocol.ErrDeviceOffline))
	}
	if stillCurrent {
		b.recent.Add(deviceID, DeviceInfo{DeviceID: deviceID, LastSeen: time.Now().UnixMilli()})
		slog.Info("device disconnected", "device_id", deviceID, "failed_pending", len(pending))
		b.publishPresence(deviceID)
	} else {
		slog.Debug("relay connection closed", "conn", c.id, "failed_pending", len(pending))
	}
}
