// Package engine drives pipeline runs through their graphs: the step executor
// owns the bounded generate-validate retry loop, the router owns node
// transitions and run lifecycle state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edforge/edforge/pkg/generation"
	"github.com/edforge/edforge/pkg/models"
	"github.com/edforge/edforge/pkg/persistence"
	"github.com/edforge/edforge/pkg/validation"
)

// DefaultAttemptTimeout bounds a single generation attempt. A deadline hit is
// recorded as a timeout attempt and spends the attempt budget like any other
// invalid output.
const DefaultAttemptTimeout = 2 * time.Minute

// StepResult is the outcome of one step execution. Entry is always set and
// already durable when the executor returns; Output carries the validated
// payload and is nil when the step failed.
type StepResult struct {
	Entry  *models.AuditLogEntry
	Output map[string]any
}

// StepExecutor runs one node of a graph to completion: up to the node's
// attempt budget of generate-validate cycles, with corrective feedback from
// each failed attempt injected into the next request. Every step execution
// appends exactly one audit entry, durable before the executor returns.
type StepExecutor struct {
	logger         *slog.Logger
	generator      generation.Generator
	validator      *validation.Validator
	audits         persistence.AuditRepository
	attemptTimeout time.Duration
}

func NewStepExecutor(
	logger *slog.Logger,
	generator generation.Generator,
	validator *validation.Validator,
	audits persistence.AuditRepository,
	attemptTimeout time.Duration,
) *StepExecutor {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}

	return &StepExecutor{
		logger:         logger.With("module", "step_executor"),
		generator:      generator,
		validator:      validator,
		audits:         audits,
		attemptTimeout: attemptTimeout,
	}
}

// ExecuteStep drives the retry loop for one node. On success the returned
// result carries the validated payload; when the budget is spent it returns a
// RetriesExhaustedError alongside the result. Cancellation is cooperative: it
// is honored before each attempt, never by truncating a committed audit entry.
// A transport-level generation failure aborts the step without consuming the
// budget and without an audit entry; the run stays resumable.
func (e *StepExecutor) ExecuteStep(
	ctx context.Context,
	graph *models.GraphDefinition,
	run *models.PipelineRun,
	node *models.NodeDefinition,
) (*StepResult, error) {
	budget := graph.AttemptsFor(node)
	logger := e.logger.With("run_id", run.ID, "node_id", node.ID, "budget", budget)

	entry := &models.AuditLogEntry{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		GraphID:   run.GraphID,
		NodeID:    node.ID,
		CreatedAt: time.Now().UTC(),
	}

	started := time.Now()
	feedback := ""

	for attempt := 1; attempt <= budget; attempt++ {
		if err := ctx.Err(); err != nil {
			logger.Info("Step cancelled before attempt", "attempt", attempt)

			return nil, err
		}

		record, result, err := e.runAttempt(ctx, run, node, attempt, feedback)
		if err != nil {
			return nil, err
		}

		entry.Attempts = append(entry.Attempts, record)
		entry.Usage.Add(record.Usage)

		if result != nil && result.Valid {
			entry.Status = models.EntryStatusSucceeded
			entry.Duration = time.Since(started)

			if err := e.audits.Append(ctx, entry); err != nil {
				return nil, fmt.Errorf("failed to append audit entry for node %s: %w", node.ID, err)
			}

			logger.Info("Step succeeded", "attempts", attempt, "entry_id", entry.ID)

			return &StepResult{Entry: entry, Output: result.Output}, nil
		}

		feedback = attemptFeedback(record)
		logger.Debug("Attempt rejected", "attempt", attempt, "outcome", record.Outcome)
	}

	entry.Status = models.EntryStatusRetriesExhausted
	entry.Duration = time.Since(started)

	if err := e.audits.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append audit entry for node %s: %w", node.ID, err)
	}

	logger.Warn("Step exhausted its attempt budget", "entry_id", entry.ID)

	return &StepResult{Entry: entry}, &RetriesExhaustedError{
		RunID:      run.ID,
		NodeID:     node.ID,
		EntryID:    entry.ID,
		Attempts:   budget,
		Violations: entry.LastViolations(),
	}
}

// attemptResult pairs the validated payload with the classification for one
// attempt. It is nil for a timeout, where there is no output to classify.
type attemptResult struct {
	Valid  bool
	Output map[string]any
}

func (e *StepExecutor) runAttempt(
	ctx context.Context,
	run *models.PipelineRun,
	node *models.NodeDefinition,
	attempt int,
	feedback string,
) (*models.GenerationAttempt, *attemptResult, error) {
	req := generation.Request{
		RunID:    run.ID,
		NodeID:   node.ID,
		Kind:     node.Kind,
		Prompt:   node.Prompt,
		Context:  snapshotContext(run.Context),
		Feedback: feedback,
		Attempt:  attempt,
	}

	record := &models.GenerationAttempt{
		Number:         attempt,
		RequestContext: req.Context,
		Feedback:       feedback,
		StartedAt:      time.Now().UTC(),
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	output, err := e.generator.Invoke(attemptCtx, req)
	record.Duration = time.Since(record.StartedAt)

	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		if errors.Is(err, context.DeadlineExceeded) {
			record.Outcome = models.OutcomeTimeout
			record.Violations = []models.Violation{{
				Rule:    "timeout",
				Message: fmt.Sprintf("generation did not complete within %s", e.attemptTimeout),
			}}

			return record, nil, nil
		}

		if generation.IsTransient(err) {
			return nil, nil, fmt.Errorf("generation unavailable for node %s: %w", node.ID, err)
		}

		return nil, nil, fmt.Errorf("generation failed for node %s: %w", node.ID, err)
	}

	result, err := e.validator.Validate(node, output.Payload, run.Context)
	if err != nil {
		return nil, nil, err
	}

	record.RawOutput = output.RawText
	record.Usage = output.Usage
	record.Outcome = result.Outcome
	record.Violations = result.Violations

	return record, &attemptResult{Valid: result.Valid, Output: output.Payload}, nil
}

// attemptFeedback renders the corrective text for the next attempt.
func attemptFeedback(record *models.GenerationAttempt) string {
	if record.Outcome == models.OutcomeTimeout {
		return "The previous attempt timed out before producing output. Respond more concisely."
	}

	r := validation.Result{Violations: record.Violations}

	return r.Feedback()
}

// snapshotContext deep-copies the shared context so a recorded request stays
// immutable even as later steps mutate nested values in the run.
func snapshotContext(src map[string]any) map[string]any {
	snapshot := make(map[string]any, len(src))
	for k, v := range src {
		snapshot[k] = copyValue(v)
	}

	return snapshot
}

func copyValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return snapshotContext(value)
	case []any:
		list := make([]any, len(value))
		for i, item := range value {
			list[i] = copyValue(item)
		}

		return list
	default:
		return value
	}
}
