package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/weatherpotato/potatolink/internal/ble"
	"github.com/weatherpotato/potatolink/internal/config"
	"github.com/weatherpotato/potatolink/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println(titleStyle.Render("potatolink doctor"))
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fmt.Println()
	fmt.Println("  Pairing:")
	if _, err := ble.NewDefaultCentral(); err != nil {
		check("Bluetooth", "", err)
	} else {
		check("Bluetooth", "adapter ready", nil)
	}
	check("Strategy", cfg.Pairing.JoinStrategy, nil)

	fmt.Println()
	fmt.Println("  Storage:")
	st, err := openEndpointStore(ctx, cfg)
	if err != nil {
		check("Endpoints", cfg.Store.Mode, err)
	} else {
		n := 0
		if list, err := st.List(ctx); err == nil {
			n = len(list)
		}
		latest := "none"
		if info, err := st.LoadLatest(ctx); err == nil {
			latest = info.DeviceID
		} else if !errors.Is(err, store.ErrNotFound) {
			latest = err.Error()
		}
		check("Endpoints", fmt.Sprintf("%s, %d stored, latest %s", cfg.Store.Mode, n, latest), nil)
		st.Close()
	}
	if v := openVault(cfg); v != nil {
		check("Secrets", v.Backend(), nil)
	} else {
		fmt.Printf("    %-12s %s\n", "Secrets:", warnStyle.Render("unavailable (passwords will not be remembered)"))
	}

	fmt.Println()
	fmt.Println("  Relay:")
	health := relayHealthURL(cfg.Relay.URL)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, health, nil)
	if resp, err := http.DefaultClient.Do(req); err != nil {
		check("Health", health, err)
	} else {
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			check("Health", health, fmt.Errorf("status %d", resp.StatusCode))
		} else {
			check("Health", health, nil)
		}
	}
	mqtt := cfg.Relay.MQTT.Broker
	if mqtt == "" {
		mqtt = "(not configured)"
	}
	check("MQTT", redactURL(mqtt), nil)
	if cfg.Telemetry.Enabled {
		check("Telemetry", cfg.Telemetry.Protocol+" "+cfg.Telemetry.Endpoint, nil)
	} else {
		check("Telemetry", "disabled", nil)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// relayHealthURL maps ws://host/ws to http://host/health.
func relayHealthURL(relayURL string) string {
	u, err := url.Parse(relayURL)
	if err != nil {
		return relayURL
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws") + "/health"
	u.RawQuery = ""
	return u.String()
}

func check(name, detail string, err error) {
	if err != nil {
		msg := err.Error()
		if detail != "" {
			msg = detail + ": " + msg
		}
		fmt.Printf("    %-12s %s\n", name+":", errStyle.Render(msg))
		return
	}
	fmt.Printf("    %-12s %s\n", name+":", okStyle.Render(detail))
}
