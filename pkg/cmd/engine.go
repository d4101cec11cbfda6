package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edforge/edforge/pkg/engine"
	"github.com/edforge/edforge/pkg/generation"
	"github.com/edforge/edforge/pkg/graph"
	"github.com/edforge/edforge/pkg/otelhelper"
)

const runLockTTL = 10 * time.Minute

// NewGraphRegistry loads every graph definition document from the directory.
func NewGraphRegistry(logger *slog.Logger, graphsDir string) *graph.Registry {
	registry := graph.NewRegistry(logger)

	if err := registry.LoadDir(graphsDir); err != nil {
		panic(err)
	}

	return registry
}

// NewRunLocker returns the distributed Redis locker when a Redis URL is
// configured, the in-process locker otherwise.
func NewRunLocker(logger *slog.Logger, redisURL string) engine.RunLocker {
	if redisURL == "" {
		return engine.NewMemoryLocker()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(err)
	}

	return engine.NewRedisLocker(logger, redis.NewClient(opts), runLockTTL)
}

// NewGenerator builds the HTTP generation client, wrapped with tracing when a
// tracer could be initialized.
func NewGenerator(ctx context.Context, logger *slog.Logger, serviceName, generatorURL string) generation.Generator {
	var gen generation.Generator = generation.NewHTTPGenerator(logger, generatorURL, nil, generation.RetryConfig{
		Attempts: 3,
		Delay:    2 * time.Second,
	})

	tracer, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		logger.Warn("Tracing disabled, failed to initialize tracer", "error", err)

		return gen
	}

	return generation.NewTracingGenerator(tracer, gen)
}
