package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mature due commissions and complete expired relationships once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()
		return a.sweep(cmd.Context())
	},
}

var dispatchOnce bool

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Publish pending notifications from the outbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()
		if a.pg == nil {
			return errors.New("dispatch requires DATABASE_URL")
		}
		processor, err := a.newProcessor()
		if err != nil {
			return err
		}
		if dispatchOnce {
			n, err := processor.ProcessOnce(ctx)
			if err != nil {
				return err
			}
			logger.Info().Int("published", n).Msg("outbox drained")
			return nil
		}
		return processor.Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.DatabaseURL == "" {
			return errors.New("migrate requires DATABASE_URL")
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.pg.Migrate(cmd.Context()); err != nil {
			return err
		}
		version, err := a.pg.MigrationVersion(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info().Int64("version", version).Msg("schema up to date")
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <user-id>...",
	Short: "Recompute earnings balances from the commission entries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()
		return rebuild(cmd.Context(), a, args)
	},
}

func rebuild(ctx context.Context, a *app, userIDs []string) error {
	for _, userID := range userIDs {
		e, err := a.ledger.RebuildEarnings(ctx, userID)
		if err != nil {
			return fmt.Errorf("rebuild %s: %w", userID, err)
		}
		a.logger.Info().
			Str("user_id", userID).
			Str("pending", e.PendingBalance.StringFixed(2)).
			Str("available", e.AvailableBalance.StringFixed(2)).
			Str("lifetime", e.LifetimeEarnings.StringFixed(2)).
			Msg("earnings rebuilt")
	}
	return nil
}

func init() {
	dispatchCmd.Flags().BoolVar(&dispatchOnce, "once", false, "publish one batch and exit")
}
