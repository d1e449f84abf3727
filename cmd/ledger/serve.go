// cmd/ledger/serve.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"checkoutledger/internal/api"
	"checkoutledger/internal/catalog"
	"checkoutledger/internal/circulation"
	"checkoutledger/internal/clients"
	"checkoutledger/internal/config"
	"checkoutledger/internal/lifecycle"
	"checkoutledger/internal/reporting"
	"checkoutledger/internal/telemetry"

	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 15 * time.Second

func serve(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	ledgerOpts := []circulation.Option{circulation.WithLogger(log)}
	if cfg.NotificationURL != "" {
		notifier := clients.NewNotificationClient(cfg.NotificationURL, cfg.ClientTimeout, clients.DefaultBreakerSettings, log)
		ledgerOpts = append(ledgerOpts, circulation.WithNotifier(notifier))
	}
	reportOpts := []reporting.Option{reporting.WithLogger(log)}
	if cfg.IdentityURL != "" {
		reportOpts = append(reportOpts, reporting.WithIdentities(clients.NewIdentityClient(cfg.IdentityURL, cfg.ClientTimeout)))
	}

	ledger := circulation.NewService(st, ledgerOpts...)
	monitor := lifecycle.NewMonitor(st, ledger, lifecycle.WithLogger(log))

	handler := api.NewRouter(api.Dependencies{
		Store:       st,
		Catalog:     catalog.NewService(st, catalog.WithLogger(log)),
		Ledger:      ledger,
		Monitor:     monitor,
		Reports:     reporting.NewProjector(st, reportOpts...),
		Logger:      log,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		Idempotency: api.NewIdempotencyCache(cfg.IdempotencyTTL),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := monitor.Run(ctx, cfg.SweepInterval); err != nil {
			log.WithError(err).Error("overdue monitor stopped")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("starting checkout ledger")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	wg.Wait()
	return err
}
