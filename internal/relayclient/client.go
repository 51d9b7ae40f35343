// Package relayclient is the requester side of the relay: it keeps one
// WebSocket to the broker, reconnects with backoff, and correlates tunneled
// requests with their replies.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weatherpotato/potatolink/internal/backoff"
	"github.com/weatherpotato/potatolink/pkg/protocol"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultOpenTimeout    = 5 * time.Second

	maxMessageSize = 512 * 1024
	writeTimeout   = 10 * time.Second
	sendBuffer     = 64
)

var (
	// ErrRelayTimeout means no reply arrived within the request timeout.
	ErrRelayTimeout = errors.New("relay request timed out")
	// ErrConnectionLost means reconnect attempts were exhausted.
	ErrConnectionLost = errors.New("relay connection lost and max reconnect attempts reached")
	// ErrNotConnected means the connection did not open within the open wait.
	ErrNotConnected = errors.New("relay connection not ready")
)

// RemoteError is an error frame sent back by the broker or the device.
type RemoteError struct {
	Text string
}

func (e *RemoteError) Error() string { return "relay: " + e.Text }

// DeviceOffline reports whether the broker had no route to the device.
func (e *RemoteError) DeviceOffline() bool { return e.Text == protocol.ErrDeviceOffline }

// Config configures a Client.
type Config struct {
	URL            string // ws:// or wss:// broker URL
	DeviceID       string
	RequestTimeout time.Duration
	OpenTimeout    time.Duration
	Backoff        backoff.Policy
	Dialer         *websocket.Dialer
}

type reply struct {
	data json.RawMessage
	err  error
}

// Client talks to one device through the broker.
type Client struct {
	cfg Config

	mu         sync.Mutex
	ws         *websocket.Conn
	out        chan []byte   // writer queue of the live connection
	opened     chan struct{} // closed once the current connection is open
	connecting bool
	reconnect  bool
	exhausted  bool // reconnects ran out; cleared by Connect
	attempts   int
	pending    map[string]chan reply
}

// New returns an unconnected client.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = backoff.Relay()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:     cfg,
		opened:  make(chan struct{}),
		pending: make(map[string]chan reply),
	}
}

// Connect starts connecting in the background. It is a no-op while a
// connection is open or being opened, and re-enables automatic reconnects
// after Disconnect or exhaustion.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = true
	c.exhausted = false
	if c.connecting || c.ws != nil {
		return
	}
	c.attempts = 0
	c.connecting = true
	go c.dial()
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Disconnect closes the connection and disables automatic reconnects.
// Pending requests run to their own timeouts.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.reconnect = false
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
	slog.Info("relay client disconnected", "device_id", c.cfg.DeviceID)
}

func (c *Client) dial() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpenTimeout)
	defer cancel()

	slog.Info("relay connecting", "url", c.cfg.URL)
	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		slog.Warn("relay dial failed", "url", c.cfg.URL, "error", err)
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		c.scheduleReconnect()
		return
	}
	ws.SetReadLimit(maxMessageSize)

	out := make(chan []byte, sendBuffer)
	c.mu.Lock()
	if !c.reconnect {
		// Disconnect raced the dial.
		c.connecting = false
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws, c.out = ws, out
	c.connecting = false
	c.attempts = 0
	close(c.opened)
	c.mu.Unlock()
	slog.Info("relay connected", "url", c.cfg.URL)

	done := make(chan struct{})
	go c.writeLoop(ws, out, done)
	c.readLoop(ws)
	close(done)

	c.mu.Lock()
	c.ws, c.out = nil, nil
	c.opened = make(chan struct{})
	c.mu.Unlock()
	slog.Info("relay connection closed", "url", c.cfg.URL)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reconnect || c.connecting || c.ws != nil {
		return
	}
	c.attempts++
	if c.cfg.Backoff.Exhausted(c.attempts) {
		slog.Error("relay max reconnect attempts reached", "attempts", c.attempts-1)
		c.reconnect = false
		c.exhausted = true
		for id, ch := range c.pending {
			ch <- reply{err: ErrConnectionLost}
			delete(c.pending, id)
		}
		return
	}
	delay := c.cfg.Backoff.Delay(c.attempts)
	slog.Info("relay reconnecting", "in", delay, "attempt", c.attempts, "max", c.cfg.Backoff.MaxAttempts)
	c.connecting = true
	time.AfterFunc(delay, func() {
		c.mu.Lock()
		stop := !c.reconnect
		if stop {
			c.connecting = false
		}
		c.mu.Unlock()
		if !stop {
			c.dial()
		}
	})
}

func (c *Client) writeLoop(ws *websocket.Conn, out <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case data := <-out:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("relay write failed", "error", err)
				ws.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	defer ws.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("relay read error", "error", err)
			}
			return
		}
		var m protocol.Message
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn("relay message ignored", "error", err)
			continue
		}
		switch m.Type {
		case protocol.TypeResponse:
			c.resolve(m.ID, reply{data: m.Data})
		case protocol.TypeError:
			text := m.Error
			if text == "" {
				text = "unknown error from relay"
			}
			c.resolve(m.ID, reply{err: &RemoteError{Text: text}})
		}
	}
}

// resolve delivers r to the request waiting on id; late replies are dropped.
func (c *Client) resolve(id string, r reply) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		slog.Debug("relay reply without pending request", "id", id)
		return
	}
	ch <- r
}

// Request tunnels method+path to the device and returns the response data.
func (c *Client) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	out, err := c.waitOpen(ctx)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if body != nil {
		if raw, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
	}
	id := uuid.NewString()
	frame, err := json.Marshal(protocol.NewRequest(id, c.cfg.DeviceID, method, path, raw))
	if err != nil {
		return nil, err
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case out <- frame:
	default:
		return nil, fmt.Errorf("relay send queue full")
	}
	slog.Debug("relay request sent", "id", id, "method", method, "path", path)

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.data, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrRelayTimeout, c.cfg.RequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) waitOpen(ctx context.Context) (chan<- []byte, error) {
	timer := time.NewTimer(c.cfg.OpenTimeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		out, opened, exhausted := c.out, c.opened, c.exhausted
		c.mu.Unlock()
		if out != nil {
			return out, nil
		}
		if exhausted {
			return nil, ErrConnectionLost
		}
		select {
		case <-opened:
		case <-timer.C:
			return nil, fmt.Errorf("%w within %s", ErrNotConnected, c.cfg.OpenTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
