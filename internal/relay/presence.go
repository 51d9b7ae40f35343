package relay

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/weatherpotato/potatolink/pkg/protocol"
)

// PresenceNotifier is told when a device registers or goes away.
type PresenceNotifier interface {
	DeviceOnline(deviceID string)
	DeviceOffline(deviceID string)
}

// MQTTPresence publishes retained presence messages on
// potatolink/devices/<id>/presence.
type MQTTPresence struct {
	cli     mqtt.Client
	timeout time.Duration
}

// NewMQTTPresence connects to brokerURL (mqtt://, tcp://, ssl://, ws://).
func NewMQTTPresence(brokerURL, clientID string) (*MQTTPresence, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("mqtt url: %w", err)
	}

	server := u.Host
	secure := false
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls", "mqtts":
		server = "ssl://" + server
		secure = true
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
		secure = u.Scheme == "wss"
	default:
		return nil, fmt.Errorf("mqtt url: unsupported scheme %q", u.Scheme)
	}
	if clientID == "" {
		clientID = "potatolink-relay-" + time.Now().Format("150405.000")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(server)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) { slog.Info("mqtt connected", "broker", u.Host) }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if secure {
		opts.SetTLSConfig(&tls.Config{ServerName: u.Hostname()})
	}

	cli := mqtt.NewClient(opts)
	t := cli.Connect()
	if !t.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect: timed out after 10s")
	}
	if err := t.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTPresence{cli: cli, timeout: 5 * time.Second}, nil
}

func (p *MQTTPresence) DeviceOnline(deviceID string) {
	p.publish(deviceID, protocol.PresenceOnline)
}

func (p *MQTTPresence) DeviceOffline(deviceID string) {
	p.publish(deviceID, protocol.PresenceOffline)
}

func (p *MQTTPresence) publish(deviceID, state string) {
	topic := protocol.PresenceTopic(deviceID)
	t := p.cli.Publish(topic, 1, true, []byte(state))
	if !t.WaitTimeout(p.timeout) {
		slog.Warn("mqtt publish timed out", "topic", topic)
		return
	}
	if err := t.Error(); err != nil {
		slog.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

// Close disconnects from the MQTT broker.
func (p *MQTTPresence) Close() {
	p.cli.Disconnect(250)
}
