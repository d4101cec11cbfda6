package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/edforge/edforge/pkg/engine"
	"github.com/edforge/edforge/pkg/graph"
	"github.com/edforge/edforge/pkg/persistence"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps engine and persistence errors onto problem responses.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, graph.ErrGraphNotFound):
		return notFound(c, "graph_not_found", "graph not found")

	case persistence.IsRunNotFound(err):
		return notFound(c, "run_not_found", "run not found")

	case persistence.IsEntryNotFound(err):
		return notFound(c, "entry_not_found", "audit entry not found")

	case engine.IsConcurrentAdvance(err):
		return conflict(c, "concurrent_advance", "run is already being advanced, retry later")

	case errors.Is(err, engine.ErrRunTerminal):
		return conflict(c, "run_terminal", err.Error())

	default:
		return internalError(c, err)
	}
}
