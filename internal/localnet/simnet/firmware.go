package simnet

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Firmware emulates the potato's local HTTP server.
type Firmware struct {
	DeviceID string
	LocalIP  string
	Status   string // reported by /health, "ready" by default

	mu     sync.Mutex
	config map[string]any
	hits   map[string]int
}

// NewFirmware returns a ready device.
func NewFirmware(deviceID, localIP string) *Firmware {
	return &Firmware{
		DeviceID: deviceID,
		LocalIP:  localIP,
		Status:   "ready",
		hits:     make(map[string]int),
	}
}

func (f *Firmware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.Method+" "+r.URL.Path]++
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		writeJSON(w, map[string]any{
			"device_id":        f.DeviceID,
			"status":           f.Status,
			"firmware_version": "1.0.0",
			"local_ip":         f.LocalIP,
		})
	case r.Method == http.MethodGet && r.URL.Path == "/device-info":
		writeJSON(w, map[string]any{
			"device_id":        f.DeviceID,
			"firmware_version": "1.0.0",
		})
	case r.Method == http.MethodGet && r.URL.Path == "/weather":
		writeJSON(w, map[string]any{
			"device_id":   f.DeviceID,
			"condition":   "partly_cloudy",
			"temperature": 17,
		})
	case r.Method == http.MethodPost && r.URL.Path == "/config":
		var cfg map[string]any
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.config = cfg
		f.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	default:
		http.NotFound(w, r)
	}
}

// Config returns the last body received on POST /config.
func (f *Firmware) Config() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

// Hits returns how often "METHOD /path" was requested.
func (f *Firmware) Hits(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[route]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
