package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/wifiqr"
)

func qrCmd() *cobra.Command {
	var (
		ssid     string
		password string
		security string
		pngPath  string
		size     int
	)
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Show WiFi credentials as a QR code (or parse one with --parse)",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()
			creds := device.Credentials{SSID: ssid, Password: password, Security: security}
			if creds.SSID == "" {
				fmt.Fprintln(os.Stderr, "Error: --ssid is required")
				os.Exit(1)
			}
			if creds.Password == "" && creds.Security != device.SecurityNoPass {
				if v := openVault(cfg); v != nil {
					creds.Password, _ = v.Get(creds.SSID)
				}
			}
			if err := creds.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}

			if pngPath != "" {
				png, err := wifiqr.PNG(creds, size)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					os.Exit(1)
				}
				if err := os.WriteFile(pngPath, png, 0600); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					os.Exit(1)
				}
				fmt.Printf("Wrote %s\n", pngPath)
				return
			}
			art, err := wifiqr.Terminal(creds)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Println(art)
			fmt.Println(faintStyle.Render(creds.SSID))
		},
	}
	cmd.Flags().StringVar(&ssid, "ssid", "", "WiFi network name")
	cmd.Flags().StringVar(&password, "password", "", "WiFi password (default: remembered password)")
	cmd.Flags().StringVar(&security, "security", device.SecurityWPA2, "WPA2, WPA, WEP or nopass")
	cmd.Flags().StringVar(&pngPath, "png", "", "write a PNG instead of printing")
	cmd.Flags().IntVar(&size, "size", 256, "PNG size in pixels")
	cmd.AddCommand(qrParseCmd())
	return cmd
}

func qrParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <WIFI:...>",
		Short: "Decode a WIFI: share string",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			creds, err := wifiqr.Parse(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			masked := "(none)"
			if creds.Password != "" {
				masked = "****"
			}
			fmt.Printf("SSID:     %s\nSecurity: %s\nPassword: %s\n", creds.SSID, creds.Security, masked)
		},
	}
}
