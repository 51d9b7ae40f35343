package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// metrics live in a per-broker registry so several brokers can coexist.
type metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	devices     prometheus.Gauge
	messages    *prometheus.CounterVec
	forwarded   prometheus.Counter
	offline     prometheus.Counter
	limited     prometheus.Counter
	dropped     prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "potatolink_relay_connections",
			Help: "Open WebSocket connections.",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "potatolink_relay_devices",
			Help: "Registered devices.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "potatolink_relay_messages_total",
			Help: "Relay messages received by type.",
		}, []string{"type"}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "potatolink_relay_requests_forwarded_total",
			Help: "Requests forwarded to a device.",
		}),
		offline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "potatolink_relay_device_offline_total",
			Help: "Requests answered with a device-offline error.",
		}),
		limited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "potatolink_relay_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "potatolink_relay_dropped_total",
			Help: "Outbound messages dropped on full send buffers.",
		}),
	}
	m.registry.MustRegister(
		m.connections, m.devices, m.messages, m.forwarded, m.offline, m.limited, m.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
