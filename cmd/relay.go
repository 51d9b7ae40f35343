package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weatherpotato/potatolink/internal/config"
	"github.com/weatherpotato/potatolink/internal/relay"
)

func relayCmd() *cobra.Command {
	var (
		port     int
		mqttURL  string
		noReload bool
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the WebSocket relay broker",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			if cmd.Flags().Changed("port") {
				cfg.Relay.Port = port
			}
			if mqttURL != "" {
				cfg.Relay.MQTT.Broker = mqttURL
			}
			if err := runRelay(cfg, !noReload); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 3000, "listen port (overrides PORT and relay.port)")
	cmd.Flags().StringVar(&mqttURL, "mqtt", "", "publish device presence to this MQTT broker (mqtt://host:1883)")
	cmd.Flags().BoolVar(&noReload, "no-reload", false, "do not watch the config file for rate limit changes")
	return cmd
}

func runRelay(cfg *config.Config, watch bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := initTracing(ctx, cfg)
	defer shutdownTracing()

	bcfg := relay.Config{
		RateLimitRPM:   cfg.Relay.RateLimitRPM,
		RateLimitBurst: cfg.Relay.RateLimitBurst,
		RecentDevices:  cfg.Relay.RecentDevices,
	}
	if cfg.Relay.MQTT.Broker != "" {
		presence, err := relay.NewMQTTPresence(mqttBrokerURL(cfg.Relay.MQTT), cfg.Relay.MQTT.ClientID)
		if err != nil {
			return err
		}
		defer presence.Close()
		bcfg.Presence = presence
	}
	broker := relay.New(bcfg)

	if watch {
		if w := startConfigWatcher(broker); w != nil {
			defer w.Stop()
		}
	}

	if stopTS := initTailscale(ctx, cfg, broker.Handler()); stopTS != nil {
		defer stopTS()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Relay.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	slog.Debug("relay config", "rate_limit_rpm", cfg.Relay.RateLimitRPM, "mqtt", cfg.Relay.MQTT.Broker != "")

	if err := broker.Serve(ctx, ln); err != nil {
		return err
	}
	slog.Info("relay stopped")
	return nil
}

// startConfigWatcher applies rate limit changes from the config file.
func startConfigWatcher(broker *relay.Broker) *config.Watcher {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err != nil {
		slog.Debug("config watcher disabled, no config file", "path", path)
		return nil
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		return nil
	}
	w.OnChange(func(c *config.Config) {
		broker.SetRateLimit(c.Relay.RateLimitRPM, c.Relay.RateLimitBurst)
	})
	if err := w.Start(); err != nil {
		slog.Warn("config watcher failed to start", "error", err)
		return nil
	}
	return w
}

func mqttBrokerURL(m config.MQTTConfig) string {
	if m.Username == "" {
		return m.Broker
	}
	u, err := url.Parse(m.Broker)
	if err != nil {
		return m.Broker
	}
	u.User = url.UserPassword(m.Username, m.Password)
	return u.String()
}
