//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"tailscale.com/tsnet"

	"github.com/weatherpotato/potatolink/internal/config"
)

// initTailscale serves the broker on the tailnet as well.
// Only compiled with -tags tsnet.
func initTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	tc := cfg.Tailscale
	if tc.AuthKey == "" {
		slog.Debug("Tailscale available but not configured (set POTATOLINK_TSNET_AUTH_KEY to enable)")
		return nil
	}

	srv := &tsnet.Server{
		Hostname: tc.Hostname,
		AuthKey:  tc.AuthKey,
		Dir:      tc.StateDir,
	}
	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Warn("Tailscale listener failed to start", "error", err)
		srv.Close()
		return nil
	}
	slog.Info("Tailscale listener started", "hostname", tc.Hostname, "port", ":80")

	httpSrv := &http.Server{Handler: handler}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("Tailscale HTTP server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	return func() {
		httpSrv.Close()
		ln.Close()
		srv.Close()
		slog.Info("Tailscale listener stopped")
	}
}
