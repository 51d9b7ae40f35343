package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weatherpotato/potatolink/pkg/protocol"
)

const (
	// maxMessageSize caps one relay frame (512KB).
	maxMessageSize = 512 * 1024
	readTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	sendBuffer     = 256
)

// conn is one WebSocket connection: a device, a requester, or both.
type conn struct {
	id     string
	ws     *websocket.Conn
	broker *Broker
	send   chan []byte
	done   chan struct{}

	mu       sync.Mutex
	deviceID string           // identity this connection registered, if any
	pending  map[string]*conn // request id → requester, for requests forwarded here
	closed   bool
}

func newConn(ws *websocket.Conn, b *Broker) *conn {
	return &conn{
		id:      uuid.NewString(),
		ws:      ws,
		broker:  b,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]*conn),
	}
}

// run blocks until the connection ends, then releases it.
func (c *conn) run() {
	go c.writePump()
	c.readPump()
	c.broker.release(c)
}

func (c *conn) readPump() {
	defer c.ws.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "conn", c.id, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.broker.handle(c, data)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue queues raw bytes for the writer; it never blocks.
func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		slog.Warn("relay send buffer full, dropping message", "conn", c.id)
		c.broker.metrics.dropped.Inc()
		return false
	}
}

func (c *conn) sendMessage(m *protocol.Message) {
	data, err := json.Marshal(m)
	if err != nil {
		slog.Error("marshal relay message failed", "error", err)
		return
	}
	c.enqueue(data)
}

// addPending records requester for id; false when the connection is closed.
func (c *conn) addPending(id string, requester *conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.pending[id] = requester
	return true
}

// takePending removes and returns the requester waiting on id.
func (c *conn) takePending(id string) (*conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return r, ok
}

// shut marks the connection closed and hands back what it still owed.
func (c *conn) shut() (deviceID string, pending map[string]*conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", nil
	}
	c.closed = true
	close(c.done)
	pending, c.pending = c.pending, make(map[string]*conn)
	return c.deviceID, pending
}

func (c *conn) setDeviceID(id string) (previous string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous, c.deviceID = c.deviceID, id
	return previous
}
