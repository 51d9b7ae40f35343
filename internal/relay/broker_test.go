package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weatherpotato/potatolink/pkg/protocol"
)

func startBroker(t *testing.T, cfg Config) (*Broker, *httptest.Server) {
	t.Helper()
	b := New(cfg)
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(func() {
		b.Shutdown(context.Background())
		srv.Close()
	})
	return b, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, m *protocol.Message) {
	t.Helper()
	if err := ws.WriteJSON(m); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendRaw(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readRaw(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func read(t *testing.T, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	var m protocol.Message
	if err := json.Unmarshal(readRaw(t, ws), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &m
}

// expectSilence leaves ws unreadable once the deadline passes, so it must be
// the last read on the connection.
func expectSilence(t *testing.T, ws *websocket.Conn, d time.Duration) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(d))
	if _, data, err := ws.ReadMessage(); err == nil {
		t.Fatalf("unexpected message %s", data)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func registered(b *Broker, deviceID string) *conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[deviceID]
}

func registerDevice(t *testing.T, b *Broker, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	before := registered(b, id)
	ws := dial(t, srv)
	send(t, ws, protocol.NewRegister(id))
	waitFor(t, "registration of "+id, func() bool {
		c := registered(b, id)
		return c != nil && c != before
	})
	return ws
}

func TestRequestToUnknownDeviceFailsImmediately(t *testing.T) {
	b, srv := startBroker(t, Config{})
	client := dial(t, srv)

	send(t, client, protocol.NewRequest("r1", "NOPE0000", "GET", "/weather", nil))
	got := read(t, client)
	if got.Type != protocol.TypeError || got.ID != "r1" || got.Error != protocol.ErrDeviceOffline {
		t.Fatalf("got %+v, want device-offline error for r1", got)
	}
	if n := b.DeviceCount(); n != 0 {
		t.Errorf("DeviceCount = %d, want 0", n)
	}
}

func TestRoundTripForwardsVerbatim(t *testing.T) {
	b, srv := startBroker(t, Config{})
	dev := registerDevice(t, b, srv, "ABCD1234")
	client := dial(t, srv)

	req := `{"id":"r1","type":"request","device_id":"ABCD1234","method":"GET","path":"/weather","extra":true}`
	sendRaw(t, client, req)
	if got := string(readRaw(t, dev)); got != req {
		t.Fatalf("device got %s, want verbatim %s", got, req)
	}

	send(t, dev, protocol.NewResponse("r1", 200, json.RawMessage(`{"temperature":17}`)))
	resp := read(t, client)
	if resp.Type != protocol.TypeResponse || resp.ID != "r1" || resp.Status != 200 {
		t.Fatalf("got %+v", resp)
	}
	if string(resp.Data) != `{"temperature":17}` {
		t.Errorf("data = %s", resp.Data)
	}

	// A second reply for the same id has nobody waiting.
	send(t, dev, protocol.NewResponse("r1", 200, nil))
	expectSilence(t, client, 100*time.Millisecond)
}

func TestDeviceErrorIsForwarded(t *testing.T) {
	b, srv := startBroker(t, Config{})
	dev := registerDevice(t, b, srv, "ABCD1234")
	client := dial(t, srv)

	send(t, client, protocol.NewRequest("r2", "ABCD1234", "GET", "/weather", nil))
	read(t, dev)
	send(t, dev, protocol.NewError("r2", "local request failed"))

	got := read(t, client)
	if got.Type != protocol.TypeError || got.ID != "r2" || got.Error != "local request failed" {
		t.Fatalf("got %+v", got)
	}
}

func TestDeviceCloseFailsPending(t *testing.T) {
	b, srv := startBroker(t, Config{})
	dev := registerDevice(t, b, srv, "ABCD1234")
	client := dial(t, srv)

	send(t, client, protocol.NewRequest("r1", "ABCD1234", "GET", "/weather", nil))
	send(t, client, protocol.NewRequest("r2", "ABCD1234", "GET", "/health", nil))
	read(t, dev)
	read(t, dev)
	dev.Close()

	seen := map[string]bool{}
	for range 2 {
		m := read(t, client)
		if m.Type != protocol.TypeError || m.Error != protocol.ErrDeviceOffline {
			t.Fatalf("got %+v, want device-offline error", m)
		}
		seen[m.ID] = true
	}
	if !seen["r1"] || !seen["r2"] {
		t.Errorf("errors for %v, want r1 and r2", seen)
	}
	waitFor(t, "unregistration", func() bool { return b.DeviceCount() == 0 })
}

func TestReplacedRegistrationSurvivesOldClose(t *testing.T) {
	b, srv := startBroker(t, Config{})
	first := registerDevice(t, b, srv, "ABCD1234")
	client := dial(t, srv)

	// r1 is pending on the first connection.
	send(t, client, protocol.NewRequest("r1", "ABCD1234", "GET", "/weather", nil))
	read(t, first)

	second := registerDevice(t, b, srv, "ABCD1234")
	if n := b.DeviceCount(); n != 1 {
		t.Fatalf("DeviceCount = %d, want 1", n)
	}

	first.Close()
	m := read(t, client)
	if m.ID != "r1" || m.Error != protocol.ErrDeviceOffline {
		t.Fatalf("got %+v, want offline error for r1", m)
	}

	// The newer registration must still be routable.
	send(t, client, protocol.NewRequest("r2", "ABCD1234", "GET", "/weather", nil))
	if got := read(t, second); got.ID != "r2" {
		t.Fatalf("second device got %+v", got)
	}
	if n := b.DeviceCount(); n != 1 {
		t.Errorf("DeviceCount = %d after old close, want 1", n)
	}
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	_, srv := startBroker(t, Config{})
	client := dial(t, srv)

	sendRaw(t, client, `{not json`)
	sendRaw(t, client, `{"type":"bogus","id":"x"}`)

	send(t, client, protocol.NewRequest("r3", "NOPE0000", "GET", "/", nil))
	got := read(t, client)
	if got.ID != "r3" || got.Error != protocol.ErrDeviceOffline {
		t.Fatalf("first frame after malformed input = %+v, want offline error for r3", got)
	}
}

func TestRateLimitedRequest(t *testing.T) {
	_, srv := startBroker(t, Config{RateLimitRPM: 1, RateLimitBurst: 1})
	client := dial(t, srv)

	send(t, client, protocol.NewRequest("a", "NOPE0000", "GET", "/", nil))
	if got := read(t, client); got.Error != protocol.ErrDeviceOffline {
		t.Fatalf("first request: got %+v", got)
	}
	send(t, client, protocol.NewRequest("b", "NOPE0000", "GET", "/", nil))
	got := read(t, client)
	if got.ID != "b" || got.Error != protocol.ErrRateLimited {
		t.Fatalf("second request: got %+v, want rate limited", got)
	}
}

func TestHealthAndDevices(t *testing.T) {
	b, srv := startBroker(t, Config{})
	registerDevice(t, b, srv, "ABCD1234")
	gone := registerDevice(t, b, srv, "FFFF0000")
	gone.Close()
	waitFor(t, "FFFF0000 offline", func() bool { return b.DeviceCount() == 1 })

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var health struct {
		Status    string `json:"status"`
		Devices   int    `json:"devices"`
		Timestamp int64  `json:"timestamp"`
	}
	json.NewDecoder(resp.Body).Decode(&health)
	if health.Status != "ok" || health.Devices != 1 || health.Timestamp == 0 {
		t.Errorf("health = %+v", health)
	}

	devs := b.Devices()
	if len(devs) != 2 {
		t.Fatalf("Devices = %+v, want 2 entries", devs)
	}
	if devs[0].DeviceID != "ABCD1234" || !devs[0].Online {
		t.Errorf("first entry = %+v, want online ABCD1234", devs[0])
	}
	if devs[1].DeviceID != "FFFF0000" || devs[1].Online {
		t.Errorf("second entry = %+v, want offline FFFF0000", devs[1])
	}
}

func TestPlainHTTPGets426(t *testing.T) {
	_, srv := startBroker(t, Config{})
	resp, err := http.Get(srv.URL + "/anything")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}

type presenceRecorder struct {
	events chan string
}

func (p *presenceRecorder) DeviceOnline(id string)  { p.events <- "online:" + id }
func (p *presenceRecorder) DeviceOffline(id string) { p.events <- "offline:" + id }

func TestPresenceNotifications(t *testing.T) {
	rec := &presenceRecorder{events: make(chan string, 4)}
	b, srv := startBroker(t, Config{Presence: rec})
	dev := registerDevice(t, b, srv, "ABCD1234")
	dev.Close()

	for _, want := range []string{"online:ABCD1234", "offline:ABCD1234"} {
		select {
		case got := <-rec.events:
			if got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestPresenceFollowsRegistry(t *testing.T) {
	rec := &presenceRecorder{events: make(chan string, 8)}
	b := New(Config{Presence: rec})
	t.Cleanup(func() { b.Shutdown(context.Background()) })

	current := &conn{id: "c2"}
	b.mu.Lock()
	b.devices["ABCD1234"] = current
	b.mu.Unlock()
	b.publishPresence("ABCD1234")

	// A replaced connection releasing late finds the device still registered.
	b.publishPresence("ABCD1234")

	b.mu.Lock()
	delete(b.devices, "ABCD1234")
	b.mu.Unlock()
	b.publishPresence("ABCD1234")

	close(rec.events)
	var got []string
	for e := range rec.events {
		got = append(got, e)
	}
	want := []string{"online:ABCD1234", "offline:ABCD1234"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSetRateLimitToggles(t *testing.T) {
	b := New(Config{RateLimitRPM: 60, RateLimitBurst: 5})
	t.Cleanup(func() { b.Shutdown(context.Background()) })
	if !b.limiter.Enabled() {
		t.Fatal("limiter should start enabled")
	}
	b.SetRateLimit(0, 0)
	if b.limiter.Enabled() {
		t.Error("limiter should be disabled with rpm 0")
	}
}
