package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (b *Broker) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", b.handleHealth)
	r.Get("/devices", b.handleDevices)
	r.Handle("/metrics", promhttp.HandlerFor(b.metrics.registry, promhttp.HandlerOpts{}))
	r.NotFound(b.handleUpgrade)
	r.MethodNotAllowed(b.handleUpgrade)
	return r
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		b.handleUpgrade(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"devices":   b.DeviceCount(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (b *Broker) handleDevices(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		b.handleUpgrade(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": b.Devices(),
		"online":  b.DeviceCount(),
	})
}

// handleUpgrade accepts a WebSocket on any path; plain requests get 426.
func (b *Broker) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Expected WebSocket connection", http.StatusUpgradeRequired)
		return
	}
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	b.accept(ws)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
