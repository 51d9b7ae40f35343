package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weatherpotato/potatolink/internal/backoff"
	"github.com/weatherpotato/potatolink/pkg/protocol"
)

// fakeRelay accepts WebSockets and hands every request to reply, which may
// return nil to stay silent.
type fakeRelay struct {
	srv     *httptest.Server
	accepts atomic.Int32
	reply   func(req *protocol.Message) *protocol.Message

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeRelay(t *testing.T, reply func(*protocol.Message) *protocol.Message) *fakeRelay {
	t.Helper()
	f := &fakeRelay{reply: reply}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.accepts.Add(1)
		f.mu.Lock()
		f.conns = append(f.conns, ws)
		f.mu.Unlock()
		go func() {
			defer ws.Close()
			for {
				var m protocol.Message
				if err := ws.ReadJSON(&m); err != nil {
					return
				}
				if out := f.reply(&m); out != nil {
					ws.WriteJSON(out)
				}
			}
		}()
	}))
	t.Cleanup(f.kill)
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// kill drops every connection and stops accepting new ones.
func (f *fakeRelay) kill() {
	f.mu.Lock()
	for _, ws := range f.conns {
		ws.Close()
	}
	f.conns = nil
	f.mu.Unlock()
	f.srv.Close()
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	f := newFakeRelay(t, func(m *protocol.Message) *protocol.Message {
		if m.DeviceID != "ABCD1234" || m.Method != "GET" || m.Path != "/weather" {
			return protocol.NewError(m.ID, "unexpected request")
		}
		return protocol.NewResponse(m.ID, 200, json.RawMessage(`{"temperature":17}`))
	})
	c := New(Config{URL: f.url(), DeviceID: "ABCD1234"})
	c.Connect()
	defer c.Disconnect()

	data, err := c.Request(context.Background(), "GET", "/weather", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(data) != `{"temperature":17}` {
		t.Errorf("data = %s", data)
	}
}

func TestRequestRemoteError(t *testing.T) {
	f := newFakeRelay(t, func(m *protocol.Message) *protocol.Message {
		return protocol.NewError(m.ID, protocol.ErrDeviceOffline)
	})
	c := New(Config{URL: f.url(), DeviceID: "ABCD1234"})
	c.Connect()
	defer c.Disconnect()

	_, err := c.Request(context.Background(), "GET", "/weather", nil)
	var re *RemoteError
	if !errors.As(err, &re) || !re.DeviceOffline() {
		t.Fatalf("expected device-offline RemoteError, got %v", err)
	}
}

func TestRequestTimeoutIgnoresLateReply(t *testing.T) {
	var late sync.WaitGroup
	late.Add(1)
	f := newFakeRelay(t, func(m *protocol.Message) *protocol.Message {
		if m.Path == "/slow" {
			time.Sleep(150 * time.Millisecond)
			defer late.Done()
			return protocol.NewResponse(m.ID, 200, json.RawMessage(`"late"`))
		}
		return protocol.NewResponse(m.ID, 200, json.RawMessage(`"fast"`))
	})
	c := New(Config{URL: f.url(), DeviceID: "ABCD1234", RequestTimeout: 50 * time.Millisecond})
	c.Connect()
	defer c.Disconnect()

	_, err := c.Request(context.Background(), "GET", "/slow", nil)
	if !errors.Is(err, ErrRelayTimeout) {
		t.Fatalf("expected ErrRelayTimeout, got %v", err)
	}
	late.Wait()

	c.cfg.RequestTimeout = time.Second
	data, err := c.Request(context.Background(), "GET", "/fast", nil)
	if err != nil || string(data) != `"fast"` {
		t.Fatalf("follow-up request: data=%s err=%v", data, err)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	f := newFakeRelay(t, func(*protocol.Message) *protocol.Message { return nil })
	c := New(Config{URL: f.url()})
	c.Connect()
	c.Connect()
	waitConnected(t, c)
	c.Connect()
	defer c.Disconnect()

	time.Sleep(50 * time.Millisecond)
	if n := f.accepts.Load(); n != 1 {
		t.Errorf("accepted %d connections, want 1", n)
	}
}

func TestExhaustedReconnectFailsPending(t *testing.T) {
	f := newFakeRelay(t, func(*protocol.Message) *protocol.Message { return nil })
	c := New(Config{
		URL:            f.url(),
		DeviceID:       "ABCD1234",
		RequestTimeout: 5 * time.Second,
		OpenTimeout:    3 * time.Second,
		Backoff:        backoff.Policy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond},
	})
	c.Connect()
	waitConnected(t, c)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "GET", "/weather", nil)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	f.kill()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending request was not failed after reconnect exhaustion")
	}
	if c.Connected() {
		t.Error("client should stay disconnected")
	}

	start := time.Now()
	if _, err := c.Request(context.Background(), "GET", "/weather", nil); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("request after exhaustion: got %v, want ErrConnectionLost", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("request after exhaustion took %s, want immediate failure", d)
	}
}

func TestDisconnectStopsReconnect(t *testing.T) {
	f := newFakeRelay(t, func(*protocol.Message) *protocol.Message { return nil })
	c := New(Config{URL: f.url(), Backoff: backoff.Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond}})
	c.Connect()
	waitConnected(t, c)

	c.Disconnect()
	time.Sleep(100 * time.Millisecond)
	if c.Connected() {
		t.Error("client reconnected after Disconnect")
	}
	if n := f.accepts.Load(); n != 1 {
		t.Errorf("accepted %d connections, want 1", n)
	}
}

func TestRequestWithoutConnection(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1", OpenTimeout: 50 * time.Millisecond})
	_, err := c.Request(context.Background(), "GET", "/weather", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
