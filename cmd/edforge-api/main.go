package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/edforge/edforge/pkg/cmd"
	"github.com/edforge/edforge/pkg/log"
)

const defaultPort = 9080

func main() {
	command := &cli.Command{
		Name:                  "edforge-api",
		Usage:                 "Run control and audit history API for generation pipelines",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "graphs-path",
				Usage:   "Path to the directory containing graph definition documents",
				Value:   "./examples/graphs",
				Sources: cli.EnvVars("GRAPHS_PATH"),
			},
			&cli.StringFlag{
				Name:     "generator-url",
				Usage:    "URL of the generation service",
				Required: true,
				Sources:  cli.EnvVars("GENERATOR_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, memory)",
				Value:   "memory",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker list (required for the kafka event bus)",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for distributed run locks (in-process locks if unset)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "attempt-timeout",
				Usage:   "Per-attempt generation timeout",
				Value:   2 * time.Minute,
				Sources: cli.EnvVars("ATTEMPT_TIMEOUT"),
			},
			&cli.BoolFlag{
				Name:    "mask-personal-data",
				Usage:   "Redact email addresses and phone numbers in audit reads",
				Sources: cli.EnvVars("MASK_PERSONAL_DATA"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("api")

			logger.InfoContext(ctx, "Initializing edforge API")

			registry := cmd.NewGraphRegistry(logger, command.String("graphs-path"))

			store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), "edforge-api", command.String("kafka-brokers"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			api := NewAPI(
				logger,
				store,
				registry,
				eventBus,
				cmd.NewGenerator(ctx, logger, "edforge-api", command.String("generator-url")),
				cmd.NewRunLocker(logger, command.String("redis-url")),
				command.Duration("attempt-timeout"),
				command.Bool("mask-personal-data"),
			)

			if err := api.Start(command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
