package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edforge/edforge/pkg/eventbus"
	"github.com/edforge/edforge/pkg/events"
	"github.com/edforge/edforge/pkg/generation"
	"github.com/edforge/edforge/pkg/graph"
	"github.com/edforge/edforge/pkg/models"
	"github.com/edforge/edforge/pkg/persistence"
	"github.com/edforge/edforge/pkg/validation"
)

// Router owns run lifecycle state: it starts runs, advances them one node at a
// time, routes along edges, and commits every state change through the run
// repository. Ordering guarantee: the step's audit entry is durable before the
// pointer advance is persisted, so a crash between the two is recoverable by
// resuming and never loses attempt history.
type Router struct {
	logger   *slog.Logger
	graphs   *graph.Registry
	runs     persistence.RunRepository
	audits   persistence.AuditRepository
	executor *StepExecutor
	locker   RunLocker
	bus      eventbus.EventPublisher
}

func NewRouter(
	logger *slog.Logger,
	graphs *graph.Registry,
	store persistence.Persistence,
	generator generation.Generator,
	locker RunLocker,
	bus eventbus.EventPublisher,
	attemptTimeout time.Duration,
) *Router {
	return &Router{
		logger:   logger.With("module", "router"),
		graphs:   graphs,
		runs:     store.RunRepository(),
		audits:   store.AuditRepository(),
		executor: NewStepExecutor(logger, generator, validation.New(logger), store.AuditRepository(), attemptTimeout),
		locker:   locker,
		bus:      bus,
	}
}

// Start creates a run positioned at the graph's start node and persists it.
// It does not execute any step; callers advance or resume explicitly.
func (r *Router) Start(ctx context.Context, graphID string, initialContext map[string]any) (*models.PipelineRun, error) {
	graphDef, err := r.graphs.Get(graphID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &models.PipelineRun{
		ID:          uuid.New().String(),
		GraphID:     graphDef.ID,
		Status:      models.RunStatusActive,
		CurrentNode: graphDef.StartNode,
		Context:     snapshotContext(initialContext),
		NodeVisits:  make(map[string]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.runs.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist new run: %w", err)
	}

	r.logger.Info("Run started", "run_id", run.ID, "graph_id", graphID, "start_node", run.CurrentNode)
	r.publish(ctx, run.ID, &events.RunStarted{
		BaseEvent: r.baseEvent(events.RunStartedEvent, run),
		StartNode: run.CurrentNode,
	})

	return run, nil
}

// Advance executes exactly one step of the run and routes to the next node.
// At most one advancer may hold a run at a time; a loser gets a
// ConcurrentAdvanceError and may retry. The returned run reflects the
// persisted state, including a terminal status when this step ended the run.
func (r *Router) Advance(ctx context.Context, runID string) (*models.PipelineRun, error) {
	unlock, err := r.locker.Acquire(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrRunLocked) {
			return nil, &ConcurrentAdvanceError{RunID: runID}
		}

		return nil, err
	}
	defer unlock()

	run, err := r.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status.IsTerminal() {
		return run, fmt.Errorf("%w: run %s is %s", ErrRunTerminal, run.ID, run.Status)
	}

	graphDef, err := r.graphs.Get(run.GraphID)
	if err != nil {
		return nil, err
	}

	return r.advanceStep(ctx, graphDef, run)
}

// Resume drives the run forward until it reaches a terminal status, honoring
// ctx cancellation between steps. It is how crashed or stalled runs pick up
// from their last committed position.
func (r *Router) Resume(ctx context.Context, runID string) (*models.PipelineRun, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		run, err := r.Advance(ctx, runID)
		if err != nil {
			return run, err
		}

		if run.Status.IsTerminal() {
			return run, nil
		}
	}
}

// Cancel marks a run cancelled at its current position. Cancellation is
// cooperative: an in-flight advance holds the run lock, so Cancel fails with
// ConcurrentAdvanceError until that step commits; cancelling the advance's own
// context stops it at the next checkpoint instead.
func (r *Router) Cancel(ctx context.Context, runID string) (*models.PipelineRun, error) {
	unlock, err := r.locker.Acquire(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrRunLocked) {
			return nil, &ConcurrentAdvanceError{RunID: runID}
		}

		return nil, err
	}
	defer unlock()

	run, err := r.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status.IsTerminal() {
		return run, fmt.Errorf("%w: run %s is %s", ErrRunTerminal, run.ID, run.Status)
	}

	run.Status = models.RunStatusCancelled
	if err := r.saveRun(ctx, run); err != nil {
		return nil, err
	}

	r.logger.Info("Run cancelled", "run_id", run.ID, "node_id", run.CurrentNode)
	r.publish(ctx, run.ID, &events.RunCancelled{
		BaseEvent: r.baseEvent(events.RunCancelledEvent, run),
		NodeID:    run.CurrentNode,
	})

	return run, nil
}

func (r *Router) advanceStep(ctx context.Context, graphDef *models.GraphDefinition, run *models.PipelineRun) (*models.PipelineRun, error) {
	node := graphDef.Node(run.CurrentNode)
	if node == nil {
		routingErr := &RoutingError{
			RunID:  run.ID,
			NodeID: run.CurrentNode,
			Err:    fmt.Errorf("current node %q is not defined in graph %s", run.CurrentNode, graphDef.ID),
		}

		return r.failRun(ctx, run, routingErr)
	}

	visits := run.RecordVisit(node.ID)
	if visits > graphDef.VisitLimit() {
		loopErr := &LoopLimitExceededError{
			RunID:  run.ID,
			NodeID: node.ID,
			Visits: visits,
			Limit:  graphDef.VisitLimit(),
		}

		return r.failRun(ctx, run, loopErr)
	}

	result, err := r.executor.ExecuteStep(ctx, graphDef, run, node)
	if err != nil {
		var exhausted *RetriesExhaustedError
		if errors.As(err, &exhausted) {
			r.publish(ctx, run.ID, &events.StepRetriesExhausted{
				BaseEvent: r.baseEvent(events.StepRetriesExhaustedEvent, run),
				NodeID:    node.ID,
				EntryID:   exhausted.EntryID,
				Attempts:  exhausted.Attempts,
				Last:      exhausted.Violations,
			})

			return r.failRun(ctx, run, exhausted)
		}

		// Cancellation or a transport failure: the run is untouched in
		// storage and stays resumable at the current node.
		return nil, err
	}

	run.MergeContext(result.Output)

	if node.Terminal {
		return r.completeRun(ctx, run, node, result)
	}

	next, routeErr := route(run, node, result.Output)
	if routeErr != nil {
		return r.failRun(ctx, run, routeErr)
	}

	run.CurrentNode = next
	if err := r.saveRun(ctx, run); err != nil {
		return nil, err
	}

	r.logger.Info("Run advanced", "run_id", run.ID, "node_id", node.ID, "next_node", next)
	r.publishStepSucceeded(ctx, run, node.ID, result)

	return run, nil
}

func (r *Router) completeRun(ctx context.Context, run *models.PipelineRun, node *models.NodeDefinition, result *StepResult) (*models.PipelineRun, error) {
	run.Status = models.RunStatusCompleted
	if err := r.saveRun(ctx, run); err != nil {
		return nil, err
	}

	r.logger.Info("Run completed", "run_id", run.ID, "final_node", node.ID)
	r.publishStepSucceeded(ctx, run, node.ID, result)
	r.publish(ctx, run.ID, &events.RunCompleted{
		BaseEvent: r.baseEvent(events.RunCompletedEvent, run),
		Duration:  run.UpdatedAt.Sub(run.CreatedAt),
		Usage:     r.runUsage(ctx, run.ID),
	})

	return run, nil
}

// failRun commits the failed status before surfacing the fatal error, so the
// audit trail and the run record agree on why the run stopped.
func (r *Router) failRun(ctx context.Context, run *models.PipelineRun, cause error) (*models.PipelineRun, error) {
	run.Status = models.RunStatusFailed
	run.FailureReason = cause.Error()

	if err := r.saveRun(ctx, run); err != nil {
		return nil, errors.Join(cause, err)
	}

	r.logger.Warn("Run failed", "run_id", run.ID, "node_id", run.CurrentNode, "reason", run.FailureReason)
	r.publish(ctx, run.ID, &events.RunFailed{
		BaseEvent: r.baseEvent(events.RunFailedEvent, run),
		NodeID:    run.CurrentNode,
		Reason:    run.FailureReason,
	})

	return run, cause
}

// saveRun persists the run, translating a lost optimistic-version race into
// ConcurrentAdvanceError. With the run lock held this is a backstop, not the
// primary guard.
func (r *Router) saveRun(ctx context.Context, run *models.PipelineRun) error {
	run.UpdatedAt = time.Now().UTC()

	if err := r.runs.Save(ctx, run); err != nil {
		if persistence.IsVersionConflict(err) {
			return &ConcurrentAdvanceError{RunID: run.ID}
		}

		return fmt.Errorf("failed to persist run %s: %w", run.ID, err)
	}

	return nil
}

// route picks the next node: first matching edge in declaration order, with a
// nil predicate matching unconditionally. No match is a RoutingError, never a
// silent default.
func route(run *models.PipelineRun, node *models.NodeDefinition, output map[string]any) (string, error) {
	for _, edge := range node.Edges {
		if edge.When == nil {
			return edge.To, nil
		}

		matched, err := edge.When.Evaluate(output)
		if err != nil {
			return "", &RoutingError{RunID: run.ID, NodeID: node.ID, Err: err}
		}

		if matched {
			return edge.To, nil
		}
	}

	return "", &RoutingError{
		RunID:  run.ID,
		NodeID: node.ID,
		Err:    errors.New("no edge matched the step output and no unconditional edge is defined"),
	}
}

func (r *Router) publishStepSucceeded(ctx context.Context, run *models.PipelineRun, nodeID string, result *StepResult) {
	r.publish(ctx, run.ID, &events.StepSucceeded{
		BaseEvent: r.baseEvent(events.StepSucceededEvent, run),
		NodeID:    nodeID,
		EntryID:   result.Entry.ID,
		Attempts:  len(result.Entry.Attempts),
		Duration:  result.Entry.Duration,
		Usage:     result.Entry.Usage,
	})
}

// publish emits an event after the corresponding state is durable. A publish
// failure is logged, never propagated: events are notifications, not state.
func (r *Router) publish(ctx context.Context, runID string, event eventbus.Event) {
	if err := r.bus.Publish(ctx, runID, event); err != nil {
		r.logger.Warn("Failed to publish event", "event_type", event.GetType(), "run_id", runID, "error", err)
	}
}

func (r *Router) baseEvent(eventType events.EventType, run *models.PipelineRun) events.BaseEvent {
	return events.BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     run.ID,
		GraphID:   run.GraphID,
	}
}

// runUsage aggregates token usage across the run's audit entries for the
// completion event. Best effort: an aggregation failure only degrades the
// event payload.
func (r *Router) runUsage(ctx context.Context, runID string) models.Usage {
	var usage models.Usage

	page := persistence.Page{Number: 1, Size: 100}

	for {
		result, err := r.audits.List(ctx, persistence.AuditFilter{RunID: runID}, page)
		if err != nil {
			r.logger.Warn("Failed to aggregate run usage", "run_id", runID, "error", err)

			return usage
		}

		for _, entry := range result.Entries {
			usage.Add(entry.Usage)
		}

		if len(result.Entries) < page.Size {
			return usage
		}

		page.Number++
	}
}
