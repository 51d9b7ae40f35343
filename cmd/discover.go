package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/huh/spinner"
	"github.com/spf13/cobra"

	"github.com/weatherpotato/potatolink/internal/backoff"
	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/localnet"
)

var errNoDevice = errors.New("no device answered")

func discoverCmd() *cobra.Command {
	var (
		hostname string
		port     int
		timeout  time.Duration
		noSave   bool
		retries  int
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find an already configured potato on the local network",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			ctx := context.Background()
			v := localnet.NewValidator(&http.Client{})

			var (
				info  *device.EndpointInfo
				found bool
			)
			find := func() {
				policy := backoff.Policy{MaxAttempts: retries, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
				backoff.Retry(ctx, policy, func(ctx context.Context) error {
					if info, found = v.Discover(ctx, hostname, port, timeout); !found {
						return errNoDevice
					}
					return nil
				})
			}
			if isInteractive() {
				spinner.New().Title("Looking for " + hostname + "...").Action(find).Run()
			} else {
				find()
			}
			if !found {
				fmt.Fprintln(os.Stderr, warnStyle.Render("No potato answered at "+device.BaseURL(hostname, port)))
				os.Exit(1)
			}

			fmt.Println(okStyle.Render("Found "+info.DeviceID) + " at " + info.Endpoint)
			if noSave {
				return
			}
			st := mustOpenEndpointStore(ctx, cfg)
			defer st.Close()
			if err := st.Save(ctx, *info); err != nil {
				fmt.Fprintf(os.Stderr, "Error saving endpoint: %s\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&hostname, "host", device.DefaultHostname, "hostname to probe")
	cmd.Flags().IntVar(&port, "port", device.DefaultPort, "device HTTP port")
	cmd.Flags().DurationVar(&timeout, "timeout", localnet.DefaultDiscoveryTimeout, "probe timeout")
	cmd.Flags().IntVar(&retries, "retries", 2, "extra attempts before giving up")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not store the endpoint")
	return cmd
}
