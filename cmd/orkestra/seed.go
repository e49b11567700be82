package main

import (
	"context"
	"os"

	"github.com/dukex/orkestra/pkg/log"
	"github.com/dukex/orkestra/pkg/seed"
	cli "github.com/urfave/cli/v3"
)

func NewSeedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "Load applications, test data, steps, flows and flow groups from a YAML catalog",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Catalog file",
				Required: true,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("seed")

			catalog, err := seed.LoadFile(command.String("file"))
			if err != nil {
				return err
			}

			store, cipher, err := openStore(ctx, command, logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			result, err := seed.NewSeeder(store, cipher, logger).Apply(ctx, catalog)
			if err != nil {
				return err
			}

			return printJSON(os.Stdout, result)
		},
	}
}
