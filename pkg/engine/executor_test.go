package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edforge/edforge/pkg/generation"
	"github.com/edforge/edforge/pkg/mocks"
	"github.com/edforge/edforge/pkg/models"
	"github.com/edforge/edforge/pkg/persistence"
	"github.com/edforge/edforge/pkg/persistence/file"
	"github.com/edforge/edforge/pkg/validation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestExecutor(t *testing.T, gen generation.Generator, timeout time.Duration) (*StepExecutor, persistence.AuditRepository) {
	t.Helper()

	audits := file.NewAuditRepository(t.TempDir())
	logger := testLogger()
	executor := NewStepExecutor(logger, gen, validation.New(logger), audits, timeout)

	return executor, audits
}

func draftNode() *models.NodeDefinition {
	return &models.NodeDefinition{
		ID:   "draft",
		Kind: "lesson_draft",
		OutputSchema: map[string]any{
			"type":     "object",
			"required": []any{"body"},
			"properties": map[string]any{
				"body": map[string]any{"type": "string"},
			},
		},
		Edges: []*models.Edge{{To: "end"}},
	}
}

func draftGraph(node *models.NodeDefinition, maxAttempts int) *models.GraphDefinition {
	return &models.GraphDefinition{
		ID:          "draft-graph",
		Name:        "Draft Graph",
		StartNode:   node.ID,
		MaxAttempts: maxAttempts,
		Nodes: []*models.NodeDefinition{
			node,
			{ID: "end", Kind: "noop", Terminal: true},
		},
	}
}

func activeRun(graphID string) *models.PipelineRun {
	return &models.PipelineRun{
		ID:          "run-1",
		GraphID:     graphID,
		Status:      models.RunStatusActive,
		CurrentNode: "draft",
		Context:     map[string]any{"topic": "photosynthesis"},
	}
}

func goodOutput(body string) *generation.Output {
	return &generation.Output{
		Payload: map[string]any{"body": body},
		RawText: body,
		Usage:   models.Usage{InputTokens: 10, OutputTokens: 25, Model: "generator-v1"},
	}
}

func TestExecuteStepFirstAttemptPasses(t *testing.T) {
	gen := mocks.NewScriptedGenerator(
		mocks.ScriptedStep{Output: goodOutput("Plants convert light into energy.")},
	)
	executor, audits := newTestExecutor(t, gen, 0)

	node := draftNode()
	graph := draftGraph(node, 3)
	run := activeRun(graph.ID)

	result, err := executor.ExecuteStep(context.Background(), graph, run, node)
	require.NoError(t, err)
	require.NotNil(t, result.Output)
	assert.Equal(t, "Plants convert light into energy.", result.Output["body"])

	require.Len(t, result.Entry.Attempts, 1)
	assert.Equal(t, models.EntryStatusSucceeded, result.Entry.Status)
	assert.Equal(t, models.OutcomePass, result.Entry.Attempts[0].Outcome)
	assert.Equal(t, 10, result.Entry.Usage.InputTokens)
	assert.Equal(t, "generator-v1", result.Entry.Usage.Model)

	stored, err := audits.GetByID(context.Background(), result.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryStatusSucceeded, stored.Status)
}

func TestExecuteStepInjectsFeedbackAfterFailure(t *testing.T) {
	gen := mocks.NewScriptedGenerator(
		mocks.ScriptedStep{Output: &generation.Output{
			Payload: map[string]any{"summary": "no body field"},
			RawText: "{}",
		}},
		mocks.ScriptedStep{Output: goodOutput("Second attempt has a body.")},
	)
	executor, _ := newTestExecutor(t, gen, 0)

	node := draftNode()
	graph := draftGraph(node, 3)
	run := activeRun(graph.ID)

	result, err := executor.ExecuteStep(context.Background(), graph, run, node)
	require.NoError(t, err)

	require.Len(t, result.Entry.Attempts, 2)
	assert.Equal(t, models.OutcomeSchemaViolation, result.Entry.Attempts[0].Outcome)
	assert.Equal(t, models.OutcomePass, result.Entry.Attempts[1].Outcome)

	requests := gen.Requests()
	require.Len(t, requests, 2)
	assert.Empty(t, requests[0].Feedback)
	assert.Contains(t, requests[1].Feedback, "body")
	assert.Equal(t, 2, requests[1].Attempt)

	// Feedback on the attempt record matches what was injected.
	assert.Equal(t, requests[1].Feedback, result.Entry.Attempts[1].Feedback)
}

func TestExecuteStepExhaustsBudgetWithExactlyNAttempts(t *testing.T) {
	bad := func() mocks.ScriptedStep {
		return mocks.ScriptedStep{Output: &generation.Output{
			Payload: map[string]any{"summary": "still no body"},
			RawText: "{}",
		}}
	}
	gen := mocks.NewScriptedGenerator(bad(), bad(), bad())
	executor, audits := newTestExecutor(t, gen, 0)

	node := draftNode()
	graph := draftGraph(node, 3)
	run := activeRun(graph.ID)

	result, err := executor.ExecuteStep(context.Background(), graph, run, node)
	require.Error(t, err)

	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.NotNil(t, result)
	assert.Equal(t, result.Entry.ID, exhausted.EntryID)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "draft", exhausted.NodeID)
	assert.NotEmpty(t, exhausted.Violations)

	// The generator was invoked exactly N times, no more.
	assert.Len(t, gen.Requests(), 3)

	// Exactly one audit entry, holding the full ordered history.
	listed, listErr := audits.List(context.Background(), persistence.AuditFilter{RunID: run.ID}, persistence.Page{})
	require.NoError(t, listErr)
	require.Equal(t, 1, listed.TotalCount)
	require.Len(t, listed.Entries[0].Attempts, 3)
	assert.Equal(t, models.EntryStatusRetriesExhausted, listed.Entries[0].Status)

	for i, attempt := range listed.Entries[0].Attempts {
		assert.Equal(t, i+1, attempt.Number)
	}
}

func TestExecuteStepTimeoutIsARecordedOutcome(t *testing.T) {
	gen := mocks.NewScriptedGenerator(
		mocks.ScriptedStep{Delay: 200 * time.Millisecond, Output: goodOutput("too late")},
		mocks.ScriptedStep{Output: goodOutput("fast enough")},
	)
	executor, _ := newTestExecutor(t, gen, 20*time.Millisecond)

	node := draftNode()
	graph := draftGraph(node, 3)
	run := activeRun(graph.ID)

	result, err := executor.ExecuteStep(context.Background(), graph, run, node)
	require.NoError(t, err)

	require.Len(t, result.Entry.Attempts, 2)
	first := result.Entry.Attempts[0]
	assert.Equal(t, models.OutcomeTimeout, first.Outcome)
	require.Len(t, first.Violations, 1)
	assert.Equal(t, "timeout", first.Violations[0].Rule)
	assert.Equal(t, models.OutcomePass, result.Entry.Attempts[1].Outcome)
}

func TestExecuteStepTransientFailureLeavesNoEntry(t *testing.T) {
	gen := mocks.NewScriptedGenerator(
		mocks.ScriptedStep{Err: &generation.TransientError{Err: errors.New("upstream unavailable")}},
	)
	executor, audits := newTestExecutor(t, gen, 0)

	node := draftNode()
	graph := draftGraph(node, 3)
	run := activeRun(graph.ID)

	result, err := executor.ExecuteStep(context.Background(), graph, run, node)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, generation.IsTransient(err))

	// The attempt budget was not spent and nothing was audited.
	listed, listErr := audits.List(context.Background(), persistence.AuditFilter{RunID: run.ID}, persistence.Page{})
	require.NoError(t, listErr)
	assert.Equal(t, 0, listed.TotalCount)
}

func TestExecuteStepHonorsCancellationBeforeAttempt(t *testing.T) {
	gen := mocks.NewScriptedGenerator()
	executor, audits := newTestExecutor(t, gen, 0)

	node := draftNode()
	graph := draftGraph(node, 3)
	run := activeRun(graph.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := executor.ExecuteStep(ctx, graph, run, node)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, result)
	assert.Empty(t, gen.Requests())

	listed, listErr := audits.List(context.Background(), persistence.AuditFilter{RunID: run.ID}, persistence.Page{})
	require.NoError(t, listErr)
	assert.Equal(t, 0, listed.TotalCount)
}

func TestExecuteStepRequestContextIsASnapshot(t *testing.T) {
	gen := mocks.NewScriptedGenerator(
		mocks.ScriptedStep{Output: goodOutput("done")},
	)
	executor, _ := newTestExecutor(t, gen, 0)

	node := draftNode()
	graph := draftGraph(node, 3)
	run := activeRun(graph.ID)
	run.Context["rubric"] = map[string]any{"criteria": []any{"accuracy"}}

	_, err := executor.ExecuteStep(context.Background(), graph, run, node)
	require.NoError(t, err)

	run.Context["topic"] = "mutated afterwards"
	run.Context["rubric"].(map[string]any)["criteria"] = []any{"mutated"}

	requests := gen.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "photosynthesis", requests[0].Context["topic"])

	// Nested values were copied too, not aliased.
	rubric := requests[0].Context["rubric"].(map[string]any)
	assert.Equal(t, []any{"accuracy"}, rubric["criteria"])
}
