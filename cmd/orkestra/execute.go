package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/orchestrator"
	"github.com/dukex/orkestra/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

var ErrExecutionsNotPassed = errors.New("some flow executions did not pass")

func NewExecuteCommand() *cli.Command {
	return &cli.Command{
		Name:    "execute",
		Aliases: []string{"x"},
		Usage:   "Execute flows and wait until every accepted execution finishes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "flow-ids",
				Usage:    "Comma-separated flow ids",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "category",
				Usage: "Category tag stored on the executions",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up waiting after this long (0 waits indefinitely)",
			},
		},
		Action: execute,
	}
}

func execute(ctx context.Context, command *cli.Command) error {
	flowIDs, err := orchestrator.ParseFlowIDs(command.String("flow-ids"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, command, "execute")
	if err != nil {
		return err
	}

	defer app.Close(context.WithoutCancel(ctx))

	if err := app.Start(ctx); err != nil {
		return err
	}

	// Deferred steps of the executions started here still need reactivating.
	resumer := scheduler.NewResumeScheduler(app.orchestrator, command.Duration("scheduler-interval"), app.logger)
	resumer.Start(ctx)

	defer resumer.Stop()

	result, err := app.orchestrator.ExecuteFlows(ctx, flowIDs, orchestrator.ExecutionContext{Category: command.String("category")})
	if err != nil {
		return err
	}

	if err := printJSON(os.Stdout, result); err != nil {
		return err
	}

	ids := make([]string, 0, len(result.Accepted))
	for _, accepted := range result.Accepted {
		ids = append(ids, accepted.ID)
	}

	return waitAndReport(ctx, command, app, ids)
}

// waitAndReport blocks until ids are terminal, prints their details and fails unless all passed.
func waitAndReport(ctx context.Context, command *cli.Command, app *App, ids []string) error {
	if timeout := command.Duration("timeout"); timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := app.orchestrator.Wait(ctx, ids...); err != nil {
		return fmt.Errorf("stopped waiting for executions: %w", err)
	}

	passed := true

	for _, id := range ids {
		details, err := app.orchestrator.GetExecution(ctx, id)
		if err != nil {
			return err
		}

		if err := printJSON(os.Stdout, details); err != nil {
			return err
		}

		if details.Status != models.StatusPassed {
			passed = false
		}
	}

	if !passed {
		return ErrExecutionsNotPassed
	}

	return nil
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}
