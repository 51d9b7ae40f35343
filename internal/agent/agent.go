// Package agent is the device side of the relay tunnel: it registers a
// device identity with the broker and replays tunneled requests against the
// device's local HTTP server.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weatherpotato/potatolink/internal/backoff"
	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/pkg/protocol"
)

const (
	DefaultLocalTimeout = 10 * time.Second

	maxBodyBytes = 512 * 1024
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Config configures an Agent.
type Config struct {
	RelayURL     string
	DeviceID     string
	LocalURL     string        // device base URL, default http://weatherpotato.local:8080
	LocalTimeout time.Duration // per forwarded request
	Backoff      backoff.Policy
	HTTPClient   *http.Client
	Dialer       *websocket.Dialer
}

// Agent bridges one device to the broker.
type Agent struct {
	cfg Config

	mu        sync.Mutex
	connected bool
}

// New validates cfg and returns an agent.
func New(cfg Config) (*Agent, error) {
	if cfg.RelayURL == "" {
		return nil, errors.New("agent: relay url is required")
	}
	cfg.DeviceID = device.NormalizeID(cfg.DeviceID)
	if cfg.DeviceID == "" {
		return nil, errors.New("agent: device id is required")
	}
	if cfg.LocalURL == "" {
		cfg.LocalURL = device.BaseURL(device.DefaultHostname, device.DefaultPort)
	}
	cfg.LocalURL = strings.TrimRight(cfg.LocalURL, "/")
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = DefaultLocalTimeout
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = backoff.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: true}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Agent{cfg: cfg}, nil
}

// Connected reports whether the agent currently holds a registered session.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Run keeps the agent registered until ctx ends. With Backoff.MaxAttempts
// set, it gives up after that many consecutive failed reconnects.
func (a *Agent) Run(ctx context.Context) error {
	attempt := 0
	for {
		established, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			attempt = 0
		}
		attempt++
		if a.cfg.Backoff.MaxAttempts > 0 && a.cfg.Backoff.Exhausted(attempt) {
			return fmt.Errorf("agent: giving up after %d reconnect attempts: %w", attempt-1, err)
		}
		delay := a.cfg.Backoff.Delay(attempt)
		slog.Warn("agent disconnected, retrying", "error", err, "in", delay, "attempt", attempt)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection; established reports whether it registered.
func (a *Agent) session(ctx context.Context) (established bool, err error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := a.cfg.Dialer.DialContext(dctx, a.cfg.RelayURL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	defer ws.Close()
	ws.SetReadLimit(maxBodyBytes)

	var wg sync.WaitGroup
	defer wg.Wait()
	sctx, stop := context.WithCancel(ctx)
	defer stop()
	context.AfterFunc(sctx, func() { ws.Close() })

	out := make(chan *protocol.Message, 64)
	go a.writeLoop(sctx, ws, out)

	out <- protocol.NewRegister(a.cfg.DeviceID)
	a.setConnected(true)
	defer a.setConnected(false)
	slog.Info("agent registered", "device_id", a.cfg.DeviceID, "relay", a.cfg.RelayURL, "local", a.cfg.LocalURL)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			slog.Warn("agent message ignored", "error", err)
			continue
		}
		if msg.Type != protocol.TypeRequest {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := a.forward(sctx, msg)
			select {
			case out <- reply:
			case <-sctx.Done():
			}
		}()
	}
}

func (a *Agent) writeLoop(ctx context.Context, ws *websocket.Conn, out <-chan *protocol.Message) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case m := <-out:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(m); err != nil {
				slog.Warn("agent write failed", "error", err)
				ws.Close()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// forward performs one tunneled request against the local device.
func (a *Agent) forward(ctx context.Context, msg *protocol.Message) *protocol.Message {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.LocalTimeout)
	defer cancel()

	method := msg.Method
	if method == "" {
		method = http.MethodGet
	}
	path := msg.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var body io.Reader
	hasBody := len(msg.Body) > 0 && string(msg.Body) != "null"
	if hasBody {
		body = bytes.NewReader(msg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.LocalURL+path, body)
	if err != nil {
		return protocol.NewError(msg.ID, protocol.ErrLocalRequest+": "+err.Error())
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		slog.Warn("agent local request failed", "id", msg.ID, "method", method, "path", path, "error", err)
		return protocol.NewError(msg.ID, protocol.ErrLocalRequest+": "+err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return protocol.NewError(msg.ID, protocol.ErrLocalRequest+": "+err.Error())
	}
	slog.Debug("agent forwarded request", "id", msg.ID, "method", method, "path", path, "status", resp.StatusCode)
	return protocol.NewResponse(msg.ID, resp.StatusCode, payload(raw))
}

// payload keeps JSON bodies as-is and wraps anything else in a JSON string.
func payload(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	s, _ := json.Marshal(string(raw))
	return s
}

func (a *Agent) setConnected(v bool) {
	a.mu.Lock()
	a.connected = v
	a.mu.Unlock()
}
