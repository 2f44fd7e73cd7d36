package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"VPN-Outline-backend/internal/db"
	"VPN-Outline-backend/internal/invoices"
)

// expiringWithin is how far ahead users are warned about their subscription ending.
const expiringWithin = 72 * time.Hour

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the invoice reconciler and scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	defer func() { _ = a.log.Sync() }()

	c := cron.New(cron.WithLocation(time.UTC))
	if err := a.sweeper.Schedule(c, expiringWithin); err != nil {
		return err
	}
	if err := a.admin.ScheduleBackup(c); err != nil {
		return err
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	rec := invoices.NewReconciler(a.invoices, 0, 0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		rec.Start(ctx)
	}()

	srv := &http.Server{
		Addr:              ":" + a.cfg.API.Port,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return err
		}
	}
	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-done
	return err
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(*cobra.Command, []string) error {
			_, log, gdb, err := bootstrap()
			if err != nil {
				return err
			}
			if err := db.Migrate(gdb); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim expired subscriptions once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			a.log.Info("sweep finished",
				zap.Int("subscriptions", stats.SubscriptionsProcessed),
				zap.Int("devices_deleted", stats.DevicesDeleted),
				zap.Int("errors", stats.Errors))
			return nil
		},
	}
}
