package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/weatherpotato/potatolink/internal/relayclient"
	"github.com/weatherpotato/potatolink/internal/store"
)

func requestCmd() *cobra.Command {
	var (
		relayURL string
		deviceID string
		method   string
		body     string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request <path>",
		Short: "Send a request to a potato through the relay",
		Example: "  potatolink request /weather -d ABCD1234\n" +
			"  potatolink request /config -X POST --body '{\"latitude\":48.9,\"longitude\":2.38}'",
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			ctx := context.Background()

			if deviceID == "" {
				st := mustOpenEndpointStore(ctx, cfg)
				info, err := st.LoadLatest(ctx)
				st.Close()
				if errors.Is(err, store.ErrNotFound) {
					fmt.Fprintln(os.Stderr, "No device given and none stored; pass --device.")
					os.Exit(1)
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					os.Exit(1)
				}
				deviceID = info.DeviceID
				if relayURL == "" && info.RelayURL != "" {
					relayURL = info.RelayURL
				}
			}

			var payload any
			if body != "" {
				if !json.Valid([]byte(body)) {
					fmt.Fprintln(os.Stderr, "Error: --body must be valid JSON")
					os.Exit(1)
				}
				payload = json.RawMessage(body)
			}

			c := relayclient.New(relayclient.Config{
				URL:            firstNonEmpty(relayURL, cfg.Relay.URL),
				DeviceID:       deviceID,
				RequestTimeout: timeout,
			})
			c.Connect()
			defer c.Disconnect()

			data, err := c.Request(ctx, strings.ToUpper(method), args[0], payload)
			if err != nil {
				var re *relayclient.RemoteError
				if errors.As(err, &re) && re.DeviceOffline() {
					fmt.Fprintf(os.Stderr, "%s is not connected to the relay.\n", deviceID)
					os.Exit(1)
				}
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}

			var out bytes.Buffer
			if err := json.Indent(&out, data, "", "  "); err != nil {
				os.Stdout.Write(data)
			} else {
				out.WriteTo(os.Stdout)
			}
			fmt.Println()
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay URL (default relay.url)")
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "device id (default: last paired)")
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringVar(&body, "body", "", "JSON request body")
	cmd.Flags().DurationVar(&timeout, "timeout", relayclient.DefaultRequestTimeout, "request timeout")
	return cmd
}
