package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/weatherpotato/potatolink/internal/ble"
	"github.com/weatherpotato/potatolink/internal/device"
	"github.com/weatherpotato/potatolink/internal/localnet"
	"github.com/weatherpotato/potatolink/internal/localnet/simnet"
	"github.com/weatherpotato/potatolink/internal/provision"
	"github.com/weatherpotato/potatolink/internal/secrets"
	"github.com/weatherpotato/potatolink/internal/wifiqr"
)

type pairOptions struct {
	deviceID   string
	ssid       string
	password   string
	wifiQR     string
	lat, lon   float64
	place      string
	strategy   string
	simulate   bool
	softAP     string
	noSave     bool
	noRemember bool
	plain      bool
}

func pairCmd() *cobra.Command {
	var o pairOptions
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Send WiFi credentials and location to a Weather Potato",
		Long: "pair connects to a potato over Bluetooth LE, sends WiFi credentials and a location,\n" +
			"waits for it to join the network and confirms it answers on the LAN.\n" +
			"Use --ap to configure a potato through its setup access point instead.",
		Run: func(cmd *cobra.Command, args []string) {
			o.strategy = strings.ToLower(o.strategy)
			latSet := cmd.Flags().Changed("lat")
			lonSet := cmd.Flags().Changed("lon")
			if err := runPair(o, latSet && lonSet); err != nil {
				fmt.Fprintln(os.Stderr, errStyle.Render("Pairing failed: ")+err.Error())
				os.Exit(1)
			}
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.deviceID, "device", "d", "", "expected device id (8 hex digits); empty pairs the first potato found")
	f.StringVar(&o.ssid, "ssid", "", "WiFi network name")
	f.StringVar(&o.password, "password", "", "WiFi password (prompted or read from the vault when omitted)")
	f.StringVar(&o.wifiQR, "wifi-qr", "", "WIFI: share string (as encoded in phone QR codes)")
	f.Float64Var(&o.lat, "lat", 0, "latitude")
	f.Float64Var(&o.lon, "lon", 0, "longitude")
	f.StringVar(&o.place, "place", "", "place name shown on the device")
	f.StringVar(&o.strategy, "strategy", "", "network join wait: hybrid, notify or poll (default from config)")
	f.BoolVar(&o.simulate, "simulate", false, "pair with an in-process simulated potato")
	f.StringVar(&o.softAP, "ap", "", "push config over HTTP to a potato's setup access point (e.g. http://192.168.4.1)")
	f.BoolVar(&o.noSave, "no-save", false, "do not store the endpoint")
	f.BoolVar(&o.noRemember, "no-remember", false, "do not remember the WiFi password")
	f.BoolVar(&o.plain, "plain", false, "plain log output instead of the progress view")
	return cmd
}

func runPair(o pairOptions, haveLocation bool) error {
	cfg := mustLoadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := initTracing(ctx, cfg)
	defer shutdownTracing()

	vault := openVault(cfg)
	creds, err := collectCredentials(o, vault)
	if err != nil {
		return err
	}
	loc := device.Location{Latitude: o.lat, Longitude: o.lon, Place: o.place}
	if !haveLocation {
		if loc, err = promptLocation(o.place); err != nil {
			return err
		}
	}
	if err := creds.Validate(); err != nil {
		return err
	}
	if err := loc.Validate(); err != nil {
		return err
	}

	if o.softAP != "" {
		v := localnet.NewValidator(&http.Client{})
		if err := v.PushConfig(ctx, o.softAP, creds, loc, cfg.Pairing.AttemptTimeout()); err != nil {
			return err
		}
		remember(vault, creds, o.noRemember)
		fmt.Println(okStyle.Render("Configuration sent to " + o.softAP))
		fmt.Println(faintStyle.Render("The potato restarts and joins " + creds.SSID + "; run `potatolink discover` in a minute."))
		return nil
	}

	central, client, cleanup, err := pairingTransport(o)
	if err != nil {
		return err
	}
	defer cleanup()

	strategyName := o.strategy
	if strategyName == "" && isInteractive() {
		if strategyName, err = selectStrategy(cfg.Pairing.JoinStrategy); err != nil {
			return err
		}
	}
	strategy, err := provision.StrategyByName(firstNonEmpty(strategyName, cfg.Pairing.JoinStrategy), cfg.Pairing.PollInterval())
	if err != nil {
		return err
	}

	opts := []provision.Option{
		provision.WithJoinStrategy(strategy),
		provision.WithJoinBudget(cfg.Pairing.JoinTimeout()),
		provision.WithAttemptTimeout(cfg.Pairing.AttemptTimeout()),
		provision.WithDisableRadio(cfg.Pairing.DisableRadio),
	}
	if !o.noSave {
		st := mustOpenEndpointStore(ctx, cfg)
		defer st.Close()
		opts = append(opts, provision.WithStore(st))
	}

	run := func(ctx context.Context, observe provision.Observer) (device.EndpointInfo, error) {
		link, err := ble.NewAdapter(central).Connect(ctx, o.deviceID)
		if err != nil {
			return device.EndpointInfo{}, err
		}
		slog.Debug("link established", "name", link.RemoteName(), "device_id", link.Identity().DeviceID)
		c := provision.NewController(localnet.NewValidator(client), append(opts, provision.WithObserver(observe))...)
		info, err := c.Run(ctx, link, creds, loc, o.deviceID)
		if err != nil {
			link.Disconnect()
		}
		return info, err
	}

	var info device.EndpointInfo
	if o.plain || !isInteractive() {
		info, err = run(ctx, printEvent)
	} else {
		info, err = runWithProgress(ctx, creds.SSID, run)
	}
	if err != nil {
		return describePairingError(err)
	}
	remember(vault, creds, o.noRemember)
	printPaired(info)
	return nil
}

// pairingTransport picks the BLE central and the HTTP client used for
// validation. With --simulate both are in-process.
func pairingTransport(o pairOptions) (ble.Central, *http.Client, func(), error) {
	if !o.simulate {
		central, err := ble.NewDefaultCentral()
		if errors.Is(err, ble.ErrUnsupported) {
			return nil, nil, nil, fmt.Errorf("bluetooth unavailable (%v); rebuild with -tags ble or use --simulate / --ap", err)
		}
		if err != nil {
			return nil, nil, nil, err
		}
		return central, &http.Client{}, func() {}, nil
	}

	id := device.NormalizeID(o.deviceID)
	if id == "" {
		id = "ABCD1234"
	}
	const simIP = "192.168.1.42"
	n, err := simnet.New()
	if err != nil {
		return nil, nil, nil, err
	}
	n.Handle(device.DefaultHostname, simnet.NewFirmware(id, simIP))
	n.Handle(simIP, simnet.NewFirmware(id, simIP))
	central := ble.NewSimCentral(&ble.SimDevice{
		ID:        id,
		JoinDelay: 1500 * time.Millisecond,
		LocalIP:   simIP,
		Hostname:  device.DefaultHostname,
	})
	slog.Info("using simulated potato", "device_id", id)
	return central, n.Client(), func() { n.Close() }, nil
}

func collectCredentials(o pairOptions, vault secrets.Vault) (device.Credentials, error) {
	var creds device.Credentials
	if o.wifiQR != "" {
		c, err := wifiqr.Parse(o.wifiQR)
		if err != nil {
			return creds, err
		}
		creds = c
	}
	if o.ssid != "" {
		creds.SSID = o.ssid
	}
	if o.password != "" {
		creds.Password = o.password
	}

	var err error
	if creds.SSID == "" {
		if !isInteractive() {
			return creds, fmt.Errorf("--ssid is required")
		}
		if creds.SSID, err = promptString("WiFi network", "The 2.4 GHz network the potato should join", ""); err != nil {
			return creds, err
		}
	}
	if creds.Password == "" && !strings.EqualFold(creds.Security, device.SecurityNoPass) {
		if vault != nil {
			if pw, err := vault.Get(creds.SSID); err == nil {
				slog.Info("using remembered password", "ssid", creds.SSID, "vault", vault.Backend())
				creds.Password = pw
				return creds, nil
			}
		}
		if !isInteractive() {
			return creds, fmt.Errorf("--password is required for %s", creds.SSID)
		}
		if creds.Password, err = promptPassword("WiFi password for "+creds.SSID, ""); err != nil {
			return creds, err
		}
	}
	return creds, nil
}

func promptLocation(place string) (device.Location, error) {
	if !isInteractive() {
		return device.Location{}, fmt.Errorf("--lat and --lon are required")
	}
	lat, err := promptCoordinate("Latitude", 90)
	if err != nil {
		return device.Location{}, err
	}
	lon, err := promptCoordinate("Longitude", 180)
	if err != nil {
		return device.Location{}, err
	}
	if place == "" {
		place, _ = promptString("Place name", "Optional, shown on the display", "")
	}
	return device.Location{Latitude: lat, Longitude: lon, Place: place}, nil
}

// joinStrategies lists the wait strategies in prompt order.
var joinStrategies = []SelectOption[string]{
	{Label: "Hybrid (notifications and polling)", Value: "hybrid"},
	{Label: "Notifications only", Value: "notify"},
	{Label: "Polling only", Value: "poll"},
}

func selectStrategy(current string) (string, error) {
	idx := 0
	for i, opt := range joinStrategies {
		if opt.Value == current {
			idx = i
		}
	}
	return promptSelect("How should we wait for the potato to join WiFi?", joinStrategies, idx)
}

func remember(vault secrets.Vault, creds device.Credentials, skip bool) {
	if skip || vault == nil || creds.Password == "" {
		return
	}
	if stored, err := vault.Get(creds.SSID); err == nil && stored == creds.Password {
		return
	}
	if isInteractive() {
		ok, err := promptConfirm("Remember the password for "+creds.SSID+" ("+vault.Backend()+")?", true)
		if err != nil || !ok {
			return
		}
	}
	if err := vault.Set(creds.SSID, creds.Password); err != nil {
		slog.Warn("could not remember wifi password", "ssid", creds.SSID, "error", err)
	}
}

func printEvent(e provision.Event) {
	switch {
	case e.Phase == provision.PhaseFailed:
		slog.Error("pairing phase", "phase", e.Phase, "progress", e.Progress, "error", e.Err)
	case e.Err != nil:
		slog.Warn("pairing warning", "phase", e.Phase, "progress", e.Progress, "warning", e.Err)
	default:
		slog.Info("pairing phase", "phase", e.Phase, "progress", e.Progress)
	}
}

func printPaired(info device.EndpointInfo) {
	status := okStyle.Render("confirmed")
	if !info.Confirmed() {
		status = warnStyle.Render("best effort (not confirmed over HTTP)")
	}
	body := fmt.Sprintf("%s\n\nDevice    %s\nEndpoint  %s\nMethod    %s\nStatus    %s",
		titleStyle.Render("Potato paired"), info.DeviceID, info.Endpoint, info.Method, status)
	fmt.Println(boxStyle.Render(body))
}

// describePairingError adds a hint for the failures users can act on.
func describePairingError(err error) error {
	hint := ""
	switch provision.CodeOf(err) {
	case provision.CodeDeviceReportedFailure:
		hint = "check the WiFi password and that the network is 2.4 GHz"
	case provision.CodeNetworkJoinTimeout:
		hint = "the potato did not report back in time; move it closer to the router and retry"
	case provision.CodeLocalValidationUnconfirmed:
		hint = "the potato joined WiFi but is not reachable from this machine; are you on the same network?"
	case provision.CodeWrongDevice, provision.CodeIdentityMismatch:
		hint = "another potato answered; pass the right --device id"
	}
	if hint == "" {
		return err
	}
	return fmt.Errorf("%w\n  hint: %s", err, hint)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
