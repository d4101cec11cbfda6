package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"

	"github.com/edforge/edforge/pkg/engine"
)

func sharedFlags() []cli.Flag {
	return []cli.Flag{
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
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

func main() {
	command := &cli.Command{
		Name:                  "edforge-worker",
		Usage:                 "Drive generation pipeline runs from the command line",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start a run for a graph and drive it to a terminal status",
				Flags: append(sharedFlags(),
					&cli.StringFlag{
						Name:     "graph",
						Usage:    "Graph ID to run",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "context",
						Usage: "Initial run context as a JSON object",
						Value: "{}",
					},
				),
				Action: startAction,
			},
			{
				Name:  "resume",
				Usage: "Resume a run by ID and drive it to a terminal status",
				Flags: append(sharedFlags(),
					&cli.StringFlag{
						Name:     "run-id",
						Usage:    "Run ID to resume",
						Required: true,
					},
				),
				Action: resumeAction,
			},
			{
				Name:  "reap",
				Usage: "Periodically resume active runs that stopped making progress",
				Flags: append(sharedFlags(),
					&cli.StringFlag{
						Name:    "schedule",
						Usage:   "Cron schedule for the reaper pass",
						Value:   "@every 1m",
						Sources: cli.EnvVars("REAPER_SCHEDULE"),
					},
					&cli.DurationFlag{
						Name:    "stall-after",
						Usage:   "How long a run may go without an update before it is considered stalled",
						Value:   10 * time.Minute,
						Sources: cli.EnvVars("REAPER_STALL_AFTER"),
					},
				),
				Action: reapAction,
			},
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startAction(ctx context.Context, command *cli.Command) error {
	worker, cleanup := newWorker(ctx, command)
	defer cleanup()

	var initialContext map[string]any
	if err := json.Unmarshal([]byte(command.String("context")), &initialContext); err != nil {
		return fmt.Errorf("invalid --context JSON: %w", err)
	}

	run, err := worker.router.Start(ctx, command.String("graph"), initialContext)
	if err != nil {
		return err
	}

	worker.logger.InfoContext(ctx, "Run started", "run_id", run.ID)

	return worker.drive(ctx, run.ID)
}

func resumeAction(ctx context.Context, command *cli.Command) error {
	worker, cleanup := newWorker(ctx, command)
	defer cleanup()

	return worker.drive(ctx, command.String("run-id"))
}

func reapAction(ctx context.Context, command *cli.Command) error {
	worker, cleanup := newWorker(ctx, command)
	defer cleanup()

	reaper := &Reaper{
		logger:     worker.logger,
		router:     worker.router,
		runs:       worker.store.RunRepository(),
		stallAfter: command.Duration("stall-after"),
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(command.String("schedule"), func() {
		reaper.Pass(ctx)
	}); err != nil {
		return fmt.Errorf("invalid --schedule: %w", err)
	}

	worker.logger.InfoContext(ctx, "Reaper started",
		"schedule", command.String("schedule"),
		"stall_after", command.Duration("stall-after"))
	scheduler.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-stop:
	}

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	return nil
}

func newWorkerID() string {
	return "worker-" + uuid.New().String()[:8]
}

// drive resumes the run to a terminal status and reports the outcome. A run
// that failed is an unsuccessful invocation; the audit trail explains why.
func (w *worker) drive(ctx context.Context, runID string) error {
	run, err := w.router.Resume(ctx, runID)
	if engine.IsFatalForRun(err) && run != nil {
		w.logger.WarnContext(ctx, "Run failed", "run_id", run.ID, "reason", run.FailureReason)

		return err
	}

	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Run finished", "run_id", run.ID, "status", run.Status, "final_node", run.CurrentNode)

	return nil
}
