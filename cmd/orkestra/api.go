package main

import (
	"github.com/dukex/orkestra/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

const defaultPort = 9091

// NewAPI builds the HTTP application serving the execution endpoints and /metrics.
func NewAPI(app *App) *fiber.App {
	handlers := web.NewAPIHandlers(
		app.orchestrator,
		app.hub,
		validator.New(validator.WithRequiredStructEnabled()),
		map[string]web.HealthChecker{"persistence": app.store},
		app.logger,
	)

	api := fiber.New()
	api.Use(cors.New())
	api.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	api.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	api.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	api.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Orkestra API")
	})

	api.Get("/metrics", adaptor.HTTPHandler(app.metrics.Handler()))

	handlers.Routes(api)

	return api
}
