package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/cumulus/pkg/api"
	"github.com/cuemby/cumulus/pkg/events"
	"github.com/cuemby/cumulus/pkg/log"
	"github.com/cuemby/cumulus/pkg/manager"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Run the orchestrator: the worker pool, the reconciler and the admin HTTP
API. SIGINT or SIGTERM drains the workers and stops the reconciler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		mgr, err := manager.NewManager(cfg)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}

		sub := mgr.Events().Subscribe()
		go logEvents(sub)

		mgr.Start()

		apiServer := api.NewServer(mgr, api.Config{Addr: cfg.API.Addr, ReadOnly: cfg.API.ReadOnly})
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(); err != nil {
				errCh <- fmt.Errorf("API server error: %w", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		var runErr error
		select {
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		case runErr = <-errCh:
			log.Logger.Error().Err(runErr).Msg("Shutting down after API failure")
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(ctx); err != nil {
			log.Logger.Warn().Err(err).Msg("Admin API did not shut down cleanly")
		}

		mgr.Events().Unsubscribe(sub)
		if err := mgr.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}

		log.Logger.Info().Msg("Shutdown complete")
		return runErr
	},
}

func init() {
	serveCmd.Flags().String("data-dir", "", "Data directory for the state database")
	serveCmd.Flags().String("api-addr", "", "Listen address of the admin API")
	serveCmd.Flags().Int("workers", 0, "Number of workers")
}

// logEvents writes every published event to the log until sub is closed
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for event := range sub {
		e := logger.Info()
		if event.Type == events.EventUCIError {
			e = logger.Warn()
		}
		e = e.Str("event", string(event.Type)).Str("uci_id", event.UCIID)
		for k, v := range event.Metadata {
			e = e.Str(k, v)
		}
		e.Msg(event.Message)
	}
}
