package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/localnet"
	"github.com/weatherpotato/potatolink/internal/store"
)

func statusCmd() *cobra.Command {
	var (
		timeout time.Duration
		forget  string
	)
	cmd := &cobra.Command{
		Use:   "status [device-id]",
		Short: "Show stored potatoes and check whether they answer",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			ctx := context.Background()
			st := mustOpenEndpointStore(ctx, cfg)
			defer st.Close()

			if forget != "" {
				if err := st.Delete(ctx, forget); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					os.Exit(1)
				}
				fmt.Printf("Forgot %s.\n", device.NormalizeID(forget))
				return
			}

			var endpoints []device.EndpointInfo
			if len(args) == 1 {
				info, err := st.Load(ctx, args[0])
				if errors.Is(err, store.ErrNotFound) {
					fmt.Fprintf(os.Stderr, "No stored endpoint for %s. Run `potatolink pair` or `potatolink discover` first.\n", device.NormalizeID(args[0]))
					os.Exit(1)
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					os.Exit(1)
				}
				endpoints = []device.EndpointInfo{*info}
			} else {
				list, err := st.List(ctx)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					os.Exit(1)
				}
				endpoints = list
			}
			if len(endpoints) == 0 {
				fmt.Println("No potatoes stored yet.")
				return
			}

			v := localnet.NewValidator(&http.Client{})
			rows := make([][]string, 0, len(endpoints))
			for _, e := range endpoints {
				state := okStyle.Render("online")
				h, err := v.Health(ctx, e.Endpoint, timeout)
				switch {
				case err != nil:
					state = errStyle.Render("unreachable")
				case device.NormalizeID(h.DeviceID) != e.DeviceID:
					state = warnStyle.Render("other device (" + h.DeviceID + ")")
				default:
					e.LastSeen = time.Now().UnixMilli()
					st.Save(ctx, e)
				}
				rows = append(rows, []string{e.DeviceID, e.Endpoint, e.Method, lastSeen(e.LastSeen), state})
			}
			printTable([]string{"DEVICE", "ENDPOINT", "METHOD", "LAST SEEN", "STATE"}, rows)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "health check timeout")
	cmd.Flags().StringVar(&forget, "forget", "", "delete the stored endpoint of this device")
	return cmd
}

func lastSeen(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.Since(time.UnixMilli(ms)).Round(time.Second).String() + " ago"
}
