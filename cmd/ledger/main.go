// cmd/ledger/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"checkoutledger/internal/circulation"
	"checkoutledger/internal/config"
	"checkoutledger/internal/lifecycle"
	"checkoutledger/internal/store"
	"checkoutledger/internal/store/memory"
	"checkoutledger/internal/store/postgres"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "ledger",
		Usage: "inventory and checkout ledger",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and the overdue monitor",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply pending PostgreSQL migrations and exit",
				Action: migrate,
			},
			{
				Name:  "sweep",
				Usage: "mark past-due checkouts overdue once and exit",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "now",
						Usage: "sweep as of this RFC 3339 time instead of the current time",
					},
				},
				Action: sweep,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("ledger exited")
	}
}

// openStore builds the configured backend. Postgres is migrated before use.
func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (store.Store, error) {
	if cfg.StoreBackend == config.BackendMemory {
		log.Warn("using in-memory store, state is lost on exit")
		return memory.New(memory.WithLockTimeout(cfg.LockTimeout)), nil
	}

	pg, err := postgres.Open(cfg.DatabaseURL,
		postgres.WithLockTimeout(cfg.LockTimeout),
		postgres.WithMaxRetries(cfg.MaxRetries),
	)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pg.Ping(pingCtx); err != nil {
		pg.Close()
		return nil, err
	}
	if err := postgres.Migrate(pg.DB()); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func migrate(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := cfg.NewLogger()
	if cfg.StoreBackend != config.BackendPostgres {
		return fmt.Errorf("migrate needs the %s backend, configured %q", config.BackendPostgres, cfg.StoreBackend)
	}

	st, err := openStore(c.Context, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info("migrations applied")
	return nil
}

func sweep(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := cfg.NewLogger()

	now := time.Now().UTC()
	if raw := c.String("now"); raw != "" {
		if now, err = time.Parse(time.RFC3339, raw); err != nil {
			return fmt.Errorf("--now: %w", err)
		}
	}

	st, err := openStore(c.Context, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	ledger := circulation.NewService(st, circulation.WithLogger(log))
	monitor := lifecycle.NewMonitor(st, ledger, lifecycle.WithLogger(log))
	n, err := monitor.SweepOverdue(c.Context, now)
	log.WithField("transitioned", n).Info("overdue sweep finished")
	return err
}
