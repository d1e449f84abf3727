// cmd/chaos/main.go
package main

import (
	"encoding/json"
	"os"
	"time"

	"checkoutledger/internal/catalog"
	"checkoutledger/internal/chaos"
	"checkoutledger/internal/circulation"
	"checkoutledger/internal/store/memory"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "ledger-chaos",
		Usage: "run the chaos game day against an in-process ledger",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "observe", Value: 5 * time.Second, Usage: "observation window per experiment"},
			&cli.DurationFlag{Name: "pause", Value: 2 * time.Second, Usage: "pause between experiments"},
			&cli.DurationFlag{Name: "lock-timeout", Value: memory.DefaultLockTimeout, Usage: "item lock wait"},
			&cli.StringSliceFlag{Name: "participant", Usage: "name recorded on the game day"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("chaos game day failed")
	}
}

func run(c *cli.Context) error {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	st := chaos.NewFaultyStore(memory.New(memory.WithLockTimeout(c.Duration("lock-timeout"))))
	target := chaos.Target{
		Store:   st,
		Catalog: catalog.NewService(st, catalog.WithLogger(log)),
		Ledger:  circulation.NewService(st, circulation.WithLogger(log)),
	}

	engine := chaos.NewEngine(log)
	engine.Register(chaos.Standard(target, c.Duration("observe"))...)

	results, err := engine.ExecuteGameDay(c.Context, chaos.GameDay{
		Name:         "Weekly Chaos Game Day",
		Date:         time.Now(),
		Scenarios:    engine.Experiments(),
		Pause:        c.Duration("pause"),
		Participants: c.StringSlice("participant"),
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(results); encErr != nil {
		log.WithError(encErr).Error("write results")
	}
	return err
}
