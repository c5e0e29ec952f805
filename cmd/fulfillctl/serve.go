package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iliamunaev/media-order-fulfillment/internal/app"
	"github.com/iliamunaev/media-order-fulfillment/internal/config"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var noPoller bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the reconciliation poller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, !noPoller)
		},
	}
	cmd.Flags().BoolVar(&noPoller, "no-poller", false, "serve webhooks only")
	return cmd
}

// serve runs until ctx is canceled, then drains in-flight requests.
func serve(ctx context.Context, cfg *config.Config, withPoller bool) error {
	log := app.NewLogger(cfg.Log, os.Stderr)
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("close", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.Handler.Routes(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if withPoller {
		g.Go(func() error {
			if err := a.Poller.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down", "in_flight", a.Tracker.Running())
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
