package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/orkestra/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

func NewReplayCommand() *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "Replay a failed flow execution from one of its steps",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "execution-id",
				Usage:    "Failed flow execution to replay",
				Required: true,
			},
			&cli.Int64Flag{
				Name:     "step-id",
				Usage:    "Flow step to re-run from",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up waiting after this long (0 waits indefinitely)",
			},
		},
		Action: replay,
	}
}

func replay(ctx context.Context, command *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, command, "replay")
	if err != nil {
		return err
	}

	defer app.Close(context.WithoutCancel(ctx))

	if err := app.Start(ctx); err != nil {
		return err
	}

	resumer := scheduler.NewResumeScheduler(app.orchestrator, command.Duration("scheduler-interval"), app.logger)
	resumer.Start(ctx)

	defer resumer.Stop()

	execution, err := app.orchestrator.Replay(ctx, command.String("execution-id"), command.Int64("step-id"))
	if err != nil {
		return err
	}

	if err := printJSON(os.Stdout, execution); err != nil {
		return err
	}

	return waitAndReport(ctx, command, app, []string{execution.ID})
}
