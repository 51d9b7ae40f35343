// Package config loads potatolink settings from a JSON5 or YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Pairing   PairingConfig   `json:"pairing" yaml:"pairing"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Secrets   SecretsConfig   `json:"secrets" yaml:"secrets"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Tailscale TailscaleConfig `json:"tailscale" yaml:"tailscale"`
}

// RelayConfig covers both the broker and the URL clients dial.
type RelayConfig struct {
	Port           int        `json:"port" yaml:"port"`
	URL            string     `json:"url" yaml:"url"`
	RateLimitRPM   int        `json:"rate_limit_rpm" yaml:"rate_limit_rpm"` // 0 disables
	RateLimitBurst int        `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	RecentDevices  int        `json:"recent_devices" yaml:"recent_devices"`
	MQTT           MQTTConfig `json:"mqtt" yaml:"mqtt"`
}

// MQTTConfig enables presence notifications when Broker is set.
type MQTTConfig struct {
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"-" yaml:"-"`
}

// AgentConfig configures the device-side tunnel agent.
type AgentConfig struct {
	DeviceID        string `json:"device_id" yaml:"device_id"`
	LocalURL        string `json:"local_url" yaml:"local_url"`
	LocalTimeoutSec int    `json:"local_timeout_sec" yaml:"local_timeout_sec"`
	MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts"` // 0 retries forever
}

// PairingConfig tunes the pairing session controller.
type PairingConfig struct {
	JoinStrategy      string `json:"join_strategy" yaml:"join_strategy"` // hybrid, notify or poll
	JoinTimeoutSec    int    `json:"join_timeout_sec" yaml:"join_timeout_sec"`
	AttemptTimeoutSec int    `json:"attempt_timeout_sec" yaml:"attempt_timeout_sec"`
	PollIntervalMs    int    `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	Hostname          string `json:"hostname" yaml:"hostname"`
	Port              int    `json:"port" yaml:"port"`
	DisableRadio      bool   `json:"disable_radio" yaml:"disable_radio"`
}

// StoreConfig selects the endpoint store backend.
type StoreConfig struct {
	Mode     string `json:"mode" yaml:"mode"` // file, sqlite, postgres or redis
	Path     string `json:"path" yaml:"path"`
	DSN      string `json:"-" yaml:"-"`
	RedisURL string `json:"-" yaml:"-"`
}

// SecretsConfig configures the WiFi password vault fallback file.
type SecretsConfig struct {
	Path          string `json:"path" yaml:"path"`
	EncryptionKey string `json:"-" yaml:"-"`
}

// TelemetryConfig configures OTLP trace export (otel builds only).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`
	Protocol    string            `json:"protocol" yaml:"protocol"` // grpc or http
	Insecure    bool              `json:"insecure" yaml:"insecure"`
	ServiceName string            `json:"service_name" yaml:"service_name"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// TailscaleConfig exposes the broker on a tailnet (tsnet builds only).
type TailscaleConfig struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	StateDir string `json:"state_dir" yaml:"state_dir"`
	AuthKey  string `json:"-" yaml:"-"`
}

// Store modes.
const (
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Default returns a config with every default filled in.
func Default() *Config {
	home := HomeDir()
	return &Config{
		Relay: RelayConfig{
			Port:           3000,
			URL:            "ws://localhost:3000",
			RateLimitBurst: 5,
			RecentDevices:  128,
			MQTT:           MQTTConfig{ClientID: "potatolink-relay"},
		},
		Agent: AgentConfig{
			LocalURL:        "http://weatherpotato.local:8080",
			LocalTimeoutSec: 10,
		},
		Pairing: PairingConfig{
			JoinStrategy:      "hybrid",
			JoinTimeoutSec:    60,
			AttemptTimeoutSec: 5,
			PollIntervalMs:    2000,
			Hostname:          "weatherpotato.local",
			Port:              8080,
		},
		Store: StoreConfig{
			Mode: StoreFile,
			Path: filepath.Join(home, "endpoints.json"),
		},
		Secrets: SecretsConfig{
			Path: filepath.Join(home, "secrets.json"),
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "potatolink",
		},
		Tailscale: TailscaleConfig{
			Hostname: "potatolink-relay",
			StateDir: filepath.Join(home, "tsnet"),
		},
	}
}

// HomeDir is ~/.potatolink, or POTATOLINK_HOME when set.
func HomeDir() string {
	if v := os.Getenv("POTATOLINK_HOME"); v != "" {
		return ExpandHome(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".potatolink"
	}
	return filepath.Join(home, ".potatolink")
}

// DefaultPath is POTATOLINK_CONFIG or ~/.potatolink/config.json.
func DefaultPath() string {
	if v := os.Getenv("POTATOLINK_CONFIG"); v != "" {
		return ExpandHome(v)
	}
	return filepath.Join(HomeDir(), "config.json")
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

// Load reads path (YAML for .yaml/.yml, JSON5 otherwise) over the defaults
// and applies environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.Store.Path = ExpandHome(cfg.Store.Path)
	cfg.Secrets.Path = ExpandHome(cfg.Secrets.Path)
	cfg.Tailscale.StateDir = ExpandHome(cfg.Tailscale.StateDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json5.Unmarshal(data, cfg)
	}
}

func (c *Config) applyEnv() {
	envInt("PORT", &c.Relay.Port)
	envInt("RELAY_RATE_LIMIT_RPM", &c.Relay.RateLimitRPM)
	envInt("RELAY_RATE_LIMIT_BURST", &c.Relay.RateLimitBurst)
	envStr("POTATOLINK_RELAY_URL", &c.Relay.URL)
	envStr("POTATOLINK_MQTT_BROKER", &c.Relay.MQTT.Broker)
	envStr("POTATOLINK_MQTT_USERNAME", &c.Relay.MQTT.Username)
	envStr("POTATOLINK_MQTT_PASSWORD", &c.Relay.MQTT.Password)

	envStr("POTATOLINK_DEVICE_ID", &c.Agent.DeviceID)
	envStr("POTATOLINK_LOCAL_URL", &c.Agent.LocalURL)

	envStr("POTATOLINK_STORE_MODE", &c.Store.Mode)
	envStr("POTATOLINK_STORE_PATH", &c.Store.Path)
	envStr("POTATOLINK_POSTGRES_DSN", &c.Store.DSN)
	envStr("POTATOLINK_REDIS_URL", &c.Store.RedisURL)

	envStr("POTATOLINK_ENCRYPTION_KEY", &c.Secrets.EncryptionKey)

	envStr("POTATOLINK_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	if c.Telemetry.Endpoint != "" && os.Getenv("POTATOLINK_OTEL_ENDPOINT") != "" {
		c.Telemetry.Enabled = true
	}

	envStr("POTATOLINK_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("POTATOLINK_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// JoinTimeout is the network-join phase budget.
func (p PairingConfig) JoinTimeout() time.Duration {
	return time.Duration(p.JoinTimeoutSec) * time.Second
}

// AttemptTimeout bounds each local HTTP probe.
func (p PairingConfig) AttemptTimeout() time.Duration {
	return time.Duration(p.AttemptTimeoutSec) * time.Second
}

// PollInterval is the status poll period.
func (p PairingConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

// LocalTimeout bounds each request the agent forwards to the device.
func (a AgentConfig) LocalTimeout() time.Duration {
	return time.Duration(a.LocalTimeoutSec) * time.Second
}
