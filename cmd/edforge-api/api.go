// Package main provides the edforge API server implementation.
package main

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/edforge/edforge/pkg/audit"
	"github.com/edforge/edforge/pkg/engine"
	"github.com/edforge/edforge/pkg/eventbus"
	"github.com/edforge/edforge/pkg/generation"
	"github.com/edforge/edforge/pkg/graph"
	"github.com/edforge/edforge/pkg/persistence"
	"github.com/edforge/edforge/pkg/redaction"
	"github.com/edforge/edforge/pkg/web"
)

type API struct {
	logger         *slog.Logger
	store          persistence.Persistence
	registry       *graph.Registry
	eventBus       eventbus.EventBus
	generator      generation.Generator
	locker         engine.RunLocker
	attemptTimeout time.Duration
	maskPersonal   bool
	validate       *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	store persistence.Persistence,
	registry *graph.Registry,
	eventBus eventbus.EventBus,
	generator generation.Generator,
	locker engine.RunLocker,
	attemptTimeout time.Duration,
	maskPersonal bool,
) *API {
	return &API{
		logger:         logger,
		store:          store,
		registry:       registry,
		eventBus:       eventBus,
		generator:      generator,
		locker:         locker,
		attemptTimeout: attemptTimeout,
		maskPersonal:   maskPersonal,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	router := engine.NewRouter(a.logger, a.registry, a.store, a.generator, a.locker, a.eventBus, a.attemptTimeout)
	audits := audit.NewService(a.logger, a.store.AuditRepository(), redaction.NewDefaultEngine(), redaction.Policy{
		MaskPersonalData: a.maskPersonal,
	})

	handlers := web.NewAPIHandlers(router, audits, a.registry, a.store, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("edforge API")
	})

	runs := app.Group("/runs")
	runs.Post("/", handlers.StartRun)
	runs.Get("/:id", handlers.GetRun)
	runs.Post("/:id/resume", handlers.ResumeRun)
	runs.Post("/:id/cancel", handlers.CancelRun)

	entries := app.Group("/audit/entries")
	entries.Get("/", handlers.ListAuditEntries)
	entries.Get("/:id", handlers.GetAuditEntry)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
