package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukex/orkestra/pkg/scheduler"
	"github.com/dukex/orkestra/pkg/triggers/queue"
	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"
)

const shutdownTimeout = 10 * time.Second

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the API server, the resume scheduler and the token validation job",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "token-validation-cron",
				Usage:   "Cron expression, with seconds, of the token validation job",
				Value:   scheduler.DefaultTokenValidationSpec,
				Sources: cli.EnvVars("TOKEN_VALIDATION_CRON"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL of the execution request queue; the queue is disabled when empty",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "execution-queue",
				Usage:   "Redis list holding execution requests",
				Value:   queue.DefaultQueue,
				Sources: cli.EnvVars("EXECUTION_QUEUE"),
			},
		},
		Action: run,
	}
}

func run(ctx context.Context, command *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, command, "orkestra")
	if err != nil {
		return err
	}

	// Cleanup runs after ctx is cancelled by a signal.
	cleanupCtx := context.WithoutCancel(ctx)
	defer app.Close(cleanupCtx)

	app.logger.InfoContext(ctx, "Initializing Orkestra")

	if err := app.Start(ctx); err != nil {
		return err
	}

	resumer := scheduler.NewResumeScheduler(app.orchestrator, command.Duration("scheduler-interval"), app.logger)
	resumer.Start(ctx)

	defer resumer.Stop()

	validator := scheduler.NewTokenValidator(app.store.Applications(), app.resolver, app.provider, app.metrics, app.logger)

	tokenJob, err := scheduler.NewTokenJob(validator, command.String("token-validation-cron"), app.logger)
	if err != nil {
		return err
	}

	if err := tokenJob.Start(ctx); err != nil {
		return err
	}

	defer tokenJob.Stop()

	if redisURL := command.String("redis-url"); redisURL != "" {
		client, err := queue.NewClient(redisURL)
		if err != nil {
			return err
		}

		trigger := queue.NewTrigger(client, command.String("execution-queue"), app.orchestrator, app.logger)
		if err := trigger.Start(ctx); err != nil {
			return err
		}

		defer func() {
			if err := trigger.Stop(cleanupCtx); err != nil {
				app.logger.ErrorContext(cleanupCtx, "Failed to stop queue trigger", "error", err)
			}
		}()
	}

	api := NewAPI(app)
	listenErr := make(chan error, 1)

	go func() {
		listenErr <- api.Listen(":"+strconv.Itoa(command.Int("port")), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	app.logger.InfoContext(ctx, "Orkestra API listening", "port", command.Int("port"))

	select {
	case err := <-listenErr:
		return fmt.Errorf("api server stopped: %w", err)
	case <-ctx.Done():
		app.logger.InfoContext(cleanupCtx, "Shutting down gracefully...")

		return api.ShutdownWithTimeout(shutdownTimeout)
	}
}
