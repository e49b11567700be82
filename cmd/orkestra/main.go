// Package main provides the orkestra command: the API server with its background jobs, plus
// one-shot commands to execute, replay and seed flows.
package main

import (
	"context"
	"os"

	"github.com/dukex/orkestra/pkg/ci/gitlab"
	"github.com/dukex/orkestra/pkg/cmd"
	"github.com/dukex/orkestra/pkg/log"
	"github.com/dukex/orkestra/pkg/orchestrator"
	"github.com/dukex/orkestra/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "orkestra",
		Usage:                 "Orchestrate multi-step CI test flows",
		EnableShellCompletion: true,
		Flags:                 globalFlags(),
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"), command.String("log-format"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			NewRunCommand(),
			NewExecuteCommand(),
			NewReplayCommand(),
			NewSeedCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("orkestra").Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Persistence URL: postgres://... or file://<dir>",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:     "encryption-key",
			Usage:    "Key protecting the stored personal access tokens",
			Required: true,
			Sources:  cli.EnvVars("ENCRYPTION_KEY"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
		&cli.StringFlag{
			Name:    "gitlab-base-url",
			Usage:   "GitLab instance URL",
			Value:   gitlab.DefaultBaseURL,
			Sources: cli.EnvVars("GITLAB_BASE_URL"),
		},
		&cli.DurationFlag{
			Name:    "gitlab-timeout",
			Usage:   "Upper bound for a single GitLab request",
			Value:   defaultGitlabTimeout,
			Sources: cli.EnvVars("GITLAB_TIMEOUT"),
		},
		&cli.BoolFlag{
			Name:    "gitlab-mock-mode",
			Usage:   "Simulate pipelines instead of calling GitLab",
			Sources: cli.EnvVars("GITLAB_MOCK_MODE"),
		},
		&cli.IntFlag{
			Name:    "flow-pool-size",
			Usage:   "Flow executions orchestrated concurrently",
			Value:   orchestrator.DefaultFlowWorkers,
			Sources: cli.EnvVars("FLOW_POOL_SIZE"),
		},
		&cli.IntFlag{
			Name:    "flow-queue-capacity",
			Usage:   "Flow executions waiting for a worker",
			Value:   orchestrator.DefaultFlowQueueCapacity,
			Sources: cli.EnvVars("FLOW_QUEUE_CAPACITY"),
		},
		&cli.IntFlag{
			Name:    "poll-pool-size",
			Usage:   "Pipelines polled concurrently",
			Value:   orchestrator.DefaultPollWorkers,
			Sources: cli.EnvVars("POLL_POOL_SIZE"),
		},
		&cli.IntFlag{
			Name:    "poll-queue-capacity",
			Usage:   "Pipeline polls waiting for a worker",
			Value:   orchestrator.DefaultPollQueueCapacity,
			Sources: cli.EnvVars("POLL_QUEUE_CAPACITY"),
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "Delay between pipeline status checks",
			Value:   orchestrator.DefaultPollInterval,
			Sources: cli.EnvVars("POLL_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "scheduler-interval",
			Usage:   "Delay between scans for due scheduled steps",
			Value:   scheduler.DefaultResumeInterval,
			Sources: cli.EnvVars("SCHEDULER_INTERVAL"),
		},
		&cli.StringFlag{
			Name:    "timezone",
			Usage:   "Time zone of scheduled step clock times",
			Value:   "UTC",
			Sources: cli.EnvVars("TIMEZONE"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Lifecycle event transport (gochannel, kafka)",
			Value:   cmd.EventBusGoChannel,
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma-separated Kafka brokers for the kafka event bus",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_TRACING_ENABLED"),
		},
	}
}
