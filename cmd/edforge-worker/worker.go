// Package main provides the edforge worker: a CLI for driving runs and a
// reaper that recovers stalled ones.
package main

import (
	"context"
	"log/slog"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/edforge/edforge/pkg/cmd"
	"github.com/edforge/edforge/pkg/engine"
	"github.com/edforge/edforge/pkg/log"
	"github.com/edforge/edforge/pkg/persistence"
)

type worker struct {
	logger *slog.Logger
	store  persistence.Persistence
	router *engine.Router
}

func newWorker(ctx context.Context, command *cli.Command) (*worker, func()) {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("worker").With("worker_id", newWorkerID())

	registry := cmd.NewGraphRegistry(logger, command.String("graphs-path"))
	store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	eventBus := cmd.NewEventBus(command.String("event-bus"), "edforge-worker", command.String("kafka-brokers"), logger)

	router := engine.NewRouter(
		logger,
		registry,
		store,
		cmd.NewGenerator(ctx, logger, "edforge-worker", command.String("generator-url")),
		cmd.NewRunLocker(logger, command.String("redis-url")),
		eventBus,
		command.Duration("attempt-timeout"),
	)

	cleanup := func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}

		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}

	return &worker{logger: logger, store: store, router: router}, cleanup
}

// Reaper resumes active runs whose last update is older than the stall cutoff.
// This is the crash recovery path: a run abandoned mid-flight by a dead
// process picks up again from its last committed node.
type Reaper struct {
	logger     *slog.Logger
	router     *engine.Router
	runs       persistence.RunRepository
	stallAfter time.Duration
}

// Pass runs one reap cycle.
func (r *Reaper) Pass(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.stallAfter)

	stalled, err := r.runs.ListStalled(ctx, cutoff)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to list stalled runs", "error", err)

		return
	}

	if len(stalled) == 0 {
		return
	}

	r.logger.InfoContext(ctx, "Resuming stalled runs", "count", len(stalled))

	for _, run := range stalled {
		resumed, err := r.router.Resume(ctx, run.ID)
		if err != nil {
			if engine.IsConcurrentAdvance(err) {
				// Another instance picked it up first.
				continue
			}

			if engine.IsFatalForRun(err) && resumed != nil {
				r.logger.WarnContext(ctx, "Stalled run failed on resume", "run_id", run.ID, "reason", resumed.FailureReason)

				continue
			}

			r.logger.ErrorContext(ctx, "Failed to resume stalled run", "run_id", run.ID, "error", err)

			continue
		}

		r.logger.InfoContext(ctx, "Stalled run finished", "run_id", run.ID, "status", resumed.Status)
	}
}
