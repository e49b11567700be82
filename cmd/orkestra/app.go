package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/orkestra/pkg/ci"
	"github.com/dukex/orkestra/pkg/cmd"
	"github.com/dukex/orkestra/pkg/credentials"
	"github.com/dukex/orkestra/pkg/eventbus"
	"github.com/dukex/orkestra/pkg/log"
	"github.com/dukex/orkestra/pkg/logstream"
	"github.com/dukex/orkestra/pkg/metrics"
	"github.com/dukex/orkestra/pkg/orchestrator"
	"github.com/dukex/orkestra/pkg/otelhelper"
	"github.com/dukex/orkestra/pkg/persistence"
	"github.com/dukex/orkestra/pkg/timer"
	cli "github.com/urfave/cli/v3"
)

const defaultGitlabTimeout = 60 * time.Second

// App holds the process-wide dependencies shared by the commands that orchestrate flows.
type App struct {
	logger       *slog.Logger
	store        persistence.Persistence
	eventBus     eventbus.EventBus
	provider     ci.Provider
	cipher       *credentials.Cipher
	resolver     *credentials.Resolver
	metrics      *metrics.Metrics
	hub          *logstream.Hub
	orchestrator *orchestrator.Orchestrator

	shutdownTracer otelhelper.Shutdown
}

func openStore(ctx context.Context, command *cli.Command, logger *slog.Logger) (persistence.Persistence, *credentials.Cipher, error) {
	cipher, err := credentials.NewCipher(command.String("encryption-key"))
	if err != nil {
		return nil, nil, err
	}

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open persistence: %w", err)
	}

	return store, cipher, nil
}

func NewApp(ctx context.Context, command *cli.Command, module string) (*App, error) {
	logger := log.WithModule(module)

	location, err := time.LoadLocation(command.String("timezone"))
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	store, cipher, err := openStore(ctx, command, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		logger:   logger,
		store:    store,
		cipher:   cipher,
		resolver: credentials.NewResolver(store.Applications(), cipher),
		metrics:  metrics.New(),
		hub:      logstream.NewHub(logger),
		provider: cmd.NewProvider(cmd.ProviderConfig{
			BaseURL:  command.String("gitlab-base-url"),
			Timeout:  command.Duration("gitlab-timeout"),
			MockMode: command.Bool("gitlab-mock-mode"),
		}, logger),
	}

	app.eventBus, err = cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
	if err != nil {
		app.Close(ctx)

		return nil, err
	}

	tracer := otelhelper.NoopTracer()

	if command.Bool("tracing") {
		tracer, app.shutdownTracer, err = otelhelper.NewTracer(ctx, "orkestra")
		if err != nil {
			app.Close(ctx)

			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
	}

	app.orchestrator = orchestrator.New(
		store,
		app.provider,
		app.resolver,
		timer.NewCalculator(logger, timer.WithLocation(location)),
		orchestrator.Config{
			FlowWorkers:       command.Int("flow-pool-size"),
			FlowQueueCapacity: command.Int("flow-queue-capacity"),
			PollWorkers:       command.Int("poll-pool-size"),
			PollQueueCapacity: command.Int("poll-queue-capacity"),
			PollInterval:      command.Duration("poll-interval"),
		},
		logger,
		orchestrator.WithEventPublisher(app.eventBus),
		orchestrator.WithRecorder(app.metrics),
		orchestrator.WithTracer(tracer),
	)

	app.metrics.RegisterPool("flows", app.orchestrator.FlowPool())
	app.metrics.RegisterPool("polls", app.orchestrator.PollPool())

	return app, nil
}

// Start wires the log stream to the event bus and launches the worker pools.
func (a *App) Start(ctx context.Context) error {
	if err := a.hub.Register(a.eventBus); err != nil {
		return err
	}

	if err := a.eventBus.Subscribe(ctx); err != nil {
		return err
	}

	a.orchestrator.Start()

	return nil
}

// Close stops orchestration and releases every dependency. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.orchestrator != nil {
		a.orchestrator.Stop()
	}

	if a.eventBus != nil {
		if err := a.eventBus.Close(); err != nil {
			a.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}

	if a.shutdownTracer != nil {
		if err := a.shutdownTracer(ctx); err != nil {
			a.logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
		}
	}

	if err := a.store.Close(ctx); err != nil {
		a.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}
