package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	mwhttp "github.com/mihaimyh/goreferral/middleware/http"
	"github.com/mihaimyh/goreferral/pkg/api"
	"github.com/mihaimyh/goreferral/pkg/billing"
	"github.com/mihaimyh/goreferral/pkg/billing/revenuecat"
	"github.com/mihaimyh/goreferral/pkg/billing/stripe"
	"github.com/mihaimyh/goreferral/pkg/server"
)

const shutdownTimeout = 15 * time.Second

var userHeader string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service, the outbox dispatcher and the ledger sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&userHeader, "user-header", "X-User-ID",
		"request header carrying the authenticated user id, set by the gateway")
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if a.eventLog, err = a.newEventLog(); err != nil {
		return err
	}
	processor, err := a.newProcessor()
	if err != nil {
		return err
	}
	handler, err := a.newHandler()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return processor.Run(ctx)
	})
	g.Go(func() error {
		runSweeper(ctx, a, cfg.SweepInterval)
		return nil
	})
	return g.Wait()
}

// newHandler mounts the configured providers, the referral API, metrics
// and health checks behind the identity middleware
func (a *app) newHandler() (http.Handler, error) {
	var providers []billing.Provider
	if a.cfg.StripeWebhookSecret != "" {
		stripeConfig := a.billingConfig(a.cfg.StripeWebhookSecret)
		stripeConfig.APIKey = a.cfg.StripeSecretKey
		sp, err := stripe.NewProvider(stripe.Config{Config: stripeConfig})
		if err != nil {
			return nil, fmt.Errorf("stripe provider: %w", err)
		}
		providers = append(providers, sp)
	} else {
		a.logger.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, stripe webhooks disabled")
	}

	rcConfig := a.billingConfig(a.cfg.RevenueCatWebhookSecret)
	rcConfig.RequireSignature = a.cfg.RevenueCatRequireSignature
	rc, err := revenuecat.NewProvider(rcConfig)
	if err != nil {
		return nil, fmt.Errorf("revenuecat provider: %w", err)
	}
	providers = append(providers, rc)

	apiHandler, err := api.NewHandler(api.Config{
		Ledger:       a.ledger,
		GetUserID:    api.FromContext(mwhttp.UserIDKey),
		Inbox:        a.inbox,
		OperatorAuth: mwhttp.RequireOperator(a.cfg.OperatorToken),
	})
	if err != nil {
		return nil, err
	}

	handler, err := server.New(server.Config{
		Providers:    providers,
		API:          apiHandler,
		Gatherer:     a.registry,
		HealthChecks: a.health,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, err
	}
	return mwhttp.Middleware(mwhttp.Config{
		GetUserID: mwhttp.FromHeader(userHeader),
		Optional:  true,
	})(handler), nil
}

// runSweeper sweeps immediately and then on every tick until ctx is done.
// A failed sweep is logged and retried on the next tick.
func runSweeper(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := a.sweep(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error().Err(err).Msg("ledger sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
