package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/edforge/edforge/pkg/audit"
	"github.com/edforge/edforge/pkg/engine"
	"github.com/edforge/edforge/pkg/graph"
	"github.com/edforge/edforge/pkg/models"
	"github.com/edforge/edforge/pkg/persistence"
)

type APIHandlers struct {
	router    *engine.Router
	audits    *audit.Service
	graphs    *graph.Registry
	store     persistence.Persistence
	validator *validator.Validate
}

func NewAPIHandlers(
	router *engine.Router,
	audits *audit.Service,
	graphs *graph.Registry,
	store persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		router:    router,
		audits:    audits,
		graphs:    graphs,
		store:     store,
		validator: validator,
	}
}

func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.router.Start(c.Context(), req.GraphID, req.Context)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.store.RunRepository().GetByID(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(run)
}

// ResumeRun drives the run until it reaches a terminal status and returns the
// final run state. A run that fails while resuming is a successful resume: the
// failure lives in the run record and the audit trail, not in the response
// status.
func (h *APIHandlers) ResumeRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.router.Resume(c.Context(), id)
	if err != nil {
		if engine.IsFatalForRun(err) && run != nil {
			return c.JSON(run)
		}

		return handleEngineError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.router.Cancel(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) ListAuditEntries(c fiber.Ctx) error {
	filter, page, err := parseAuditQuery(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	var result *persistence.AuditListResult

	if term := c.Query("q"); term != "" {
		result, err = h.audits.Search(c.Context(), term, filter, page)
	} else {
		result, err = h.audits.List(c.Context(), filter, page)
	}

	if err != nil {
		return handleEngineError(c, err)
	}

	page = page.Normalize()

	return c.JSON(fiber.Map{
		"entries":     result.Entries,
		"total_count": result.TotalCount,
		"pagination": fiber.Map{
			"page":      page.Number,
			"page_size": page.Size,
		},
	})
}

func (h *APIHandlers) GetAuditEntry(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Entry ID is required")
	}

	entry, err := h.audits.Get(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(entry)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "edforge API is healthy"
	httpStatus := http.StatusOK
	storeCheck := "ok"

	if err := h.store.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "edforge API is unhealthy"
		httpStatus = http.StatusInternalServerError
		storeCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"persistence": storeCheck,
			"graphs":      len(h.graphs.IDs()),
		},
		"timestamp": time.Now().UTC(),
	})
}

// parseAuditQuery parses the audit listing filters and pagination.
func parseAuditQuery(c fiber.Ctx) (persistence.AuditFilter, persistence.Page, error) {
	filter := persistence.AuditFilter{
		RunID:  c.Query("run_id"),
		NodeID: c.Query("node_id"),
		Status: models.EntryStatus(c.Query("status")),
	}

	var page persistence.Page

	if sinceStr := c.Query("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return filter, page, err
		}

		filter.Since = since
	}

	if untilStr := c.Query("until"); untilStr != "" {
		until, err := time.Parse(time.RFC3339, untilStr)
		if err != nil {
			return filter, page, err
		}

		filter.Until = until
	}

	if pageStr := c.Query("page"); pageStr != "" {
		number, err := strconv.Atoi(pageStr)
		if err != nil {
			return filter, page, err
		}

		page.Number = number
	}

	if sizeStr := c.Query("page_size"); sizeStr != "" {
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			return filter, page, err
		}

		page.Size = size
	}

	return filter, page, nil
}
