package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/Cypherspark/smsgate/internal/app"
	"github.com/Cypherspark/smsgate/internal/config"
	"github.com/Cypherspark/smsgate/internal/provider"
)

// worker runs the background jobs without the public API; HTTP_ADDR serves
// only /healthz, /readyz and /metrics.
func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg, err := config.Load(".env")
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		exitCode = 2
		return
	}
	log := cfg.Logger().With("process", "worker")

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// wire the real modem driver here
	gw, err := app.New(rootCtx, cfg, log, provider.NewDummy())
	if err != nil {
		log.Error("startup failed", "error", err)
		exitCode = 1
		return
	}

	if err := gw.Run(rootCtx, cfg.Server.Address, gw.OpsHandler(), true); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker exited", "error", err)
		exitCode = 1
		return
	}
}
