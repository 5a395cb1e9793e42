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

// api runs the whole gateway in one process: HTTP API, dispatch worker and
// webhook delivery.
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
	log := cfg.Logger()

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gw, err := app.New(rootCtx, cfg, log, provider.NewDummy())
	if err != nil {
		log.Error("startup failed", "error", err)
		exitCode = 1
		return
	}

	if err := gw.Run(rootCtx, cfg.Server.Address, gw.Handler(), cfg.Server.RunWorkers); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("gateway exited", "error", err)
		exitCode = 1
		return
	}
	log.Info("shutdown complete")
}
