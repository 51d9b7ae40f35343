//go:build !tsnet

package cmd

import (
	"context"
	"net/http"

	"github.com/weatherpotato/potatolink/internal/config"
)

// initTailscale is a no-op when built without the "tsnet" tag.
func initTailscale(_ context.Context, _ *config.Config, _ http.Handler) func() {
	return nil
}
