package config

import (
	"errors"
	"fmt"
	"strings"
)

var validJoinStrategies = map[string]bool{"hybrid": true, "notify": true, "poll": true}

var validStoreModes = map[string]bool{StoreFile: true, StoreSQLite: true, StorePostgres: true, StoreRedis: true}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		errs = append(errs, fmt.Errorf("relay.port %d out of range", c.Relay.Port))
	}
	if c.Relay.RateLimitRPM < 0 {
		errs = append(errs, fmt.Errorf("relay.rate_limit_rpm must not be negative"))
	}
	if u := c.Relay.URL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		errs = append(errs, fmt.Errorf("relay.url %q must use ws:// or wss://", u))
	}
	if !validJoinStrategies[strings.ToLower(c.Pairing.JoinStrategy)] {
		errs = append(errs, fmt.Errorf("pairing.join_strategy %q: want hybrid, notify or poll", c.Pairing.JoinStrategy))
	}
	if c.Pairing.JoinTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("pairing.join_timeout_sec must be positive"))
	}
	if c.Pairing.AttemptTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("pairing.attempt_timeout_sec must be positive"))
	}
	if !validStoreModes[c.Store.Mode] {
		errs = append(errs, fmt.Errorf("store.mode %q: want file, sqlite, postgres or redis", c.Store.Mode))
	}
	if c.Store.Mode == StorePostgres && c.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.mode postgres needs POTATOLINK_POSTGRES_DSN"))
	}
	if c.Store.Mode == StoreRedis && c.Store.RedisURL == "" {
		errs = append(errs, fmt.Errorf("store.mode redis needs POTATOLINK_REDIS_URL"))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, fmt.Errorf("telemetry.enabled needs telemetry.endpoint"))
	}
	return errors.Join(errs...)
}
