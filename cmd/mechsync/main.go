package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/valory-xyz/mechsync/app/mechsync"
	"github.com/valory-xyz/mechsync/pkg/utils"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	app, err := mechsync.Initialize(ctx, utils.Env("CONFIG_PATH", ""))
	if err != nil {
		panic(err)
	}

	spec := app.Config().Schedule
	go handleSignals(app, sigs, cancel, spec == "")

	// Immediate pass before cron, and the only pass without a schedule.
	_, runErr := app.RunOnce(ctx)

	if spec == "" {
		app.Close()
		if runErr != nil {
			os.Exit(1)
		}
		return
	}

	if err := app.SetupScheduler(ctx, spec); err != nil {
		app.Logger.Fatal("Invalid schedule", zap.String("schedule", spec), zap.Error(err))
	}

	// Start cron scheduler
	app.StartCron()

	// Setup server
	app.SetupServer()

	// Start server
	app.Start(ctx)
}

// handleSignals shuts the process down on SIGTERM or a second SIGINT. In
// one-shot mode the first SIGINT only interrupts the contract being scanned and
// the run continues with the next one.
func handleSignals(app *mechsync.App, sigs <-chan os.Signal, shutdown context.CancelFunc, interruptible bool) {
	interrupted := false
	for sig := range sigs {
		if interruptible && sig == syscall.SIGINT && !interrupted && app.Interrupt() {
			interrupted = true
			app.Logger.Warn("Interrupted the current contract scan; press Ctrl+C again to stop the run")
			continue
		}
		app.Logger.Info("Shutting down", zap.String("signal", sig.String()))
		shutdown()
		return
	}
}
