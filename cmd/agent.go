package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weatherpotato/potatolink/internal/agent"
	"github.com/weatherpotato/potatolink/internal/backoff"
)

func agentCmd() *cobra.Command {
	var (
		relayURL string
		deviceID string
		localURL string
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Register a device with the relay and forward tunneled requests to it",
		Long: "agent runs next to a potato (or on it) and keeps a WebSocket open to the relay,\n" +
			"replaying every tunneled request against the potato's local HTTP server.",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			ac := agent.Config{
				RelayURL:     firstNonEmpty(relayURL, cfg.Relay.URL),
				DeviceID:     firstNonEmpty(deviceID, cfg.Agent.DeviceID),
				LocalURL:     firstNonEmpty(localURL, cfg.Agent.LocalURL),
				LocalTimeout: cfg.Agent.LocalTimeout(),
			}
			if cfg.Agent.MaxAttempts > 0 {
				ac.Backoff = backoff.Policy{MaxAttempts: cfg.Agent.MaxAttempts, BaseDelay: backoff.Relay().BaseDelay, Jitter: true}
			}
			a, err := agent.New(ac)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := a.Run(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay URL (default relay.url)")
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "device id to register (default agent.device_id)")
	cmd.Flags().StringVar(&localURL, "local", "", "device base URL (default agent.local_url)")
	return cmd
}
