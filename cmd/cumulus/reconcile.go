package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/cumulus/pkg/log"
	"github.com/cuemby/cumulus/pkg/manager"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile local records against the cloud",
	Long: `Sweep every in-flight volume, instance and snapshot and correct local
records that drifted from the cloud. With --once a single sweep runs and the
command exits; otherwise sweeps repeat every reconcile interval until
interrupted. No handler work is performed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		once, _ := cmd.Flags().GetBool("once")

		mgr, err := manager.NewManager(cfg)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		defer func() { _ = mgr.Shutdown() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if once {
			return sweep(ctx, mgr)
		}

		ticker := time.NewTicker(cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			if err := sweep(ctx, mgr); err != nil {
				log.Logger.Error().Err(err).Msg("Reconciliation sweep failed")
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil
			}
		}
	},
}

func init() {
	reconcileCmd.Flags().Bool("once", false, "Run a single sweep and exit")
	reconcileCmd.Flags().String("data-dir", "", "Data directory for the state database")
}

func sweep(ctx context.Context, mgr *manager.Manager) error {
	start := time.Now()
	if err := mgr.Reconcile(ctx); err != nil {
		return err
	}
	log.Logger.Info().Dur("duration", time.Since(start)).Msg("Reconciliation sweep complete")
	return nil
}
