package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edforge/edforge/pkg/events"
	"github.com/edforge/edforge/pkg/generation"
	"github.com/edforge/edforge/pkg/graph"
	"github.com/edforge/edforge/pkg/mocks"
	"github.com/edforge/edforge/pkg/models"
	"github.com/edforge/edforge/pkg/persistence"
	"github.com/edforge/edforge/pkg/persistence/file"
)

type routerFixture struct {
	router *Router
	store  *file.Persistence
	bus    *mocks.MockEventBus
	locker *MemoryLocker
}

func newRouterFixture(t *testing.T, graphDef *models.GraphDefinition, gen generation.Generator) *routerFixture {
	t.Helper()

	registry := graph.NewRegistry(testLogger())
	require.NoError(t, registry.Register(graphDef))

	store := file.NewPersistence(t.TempDir())

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	locker := NewMemoryLocker()

	return &routerFixture{
		router: NewRouter(testLogger(), registry, store, gen, locker, bus, 0),
		store:  store,
		bus:    bus,
		locker: locker,
	}
}

// reviewGraph models a draft node flowing into a review node whose decision
// must cohere with its numeric score: scores in [0,69] mean reject and loop
// back to draft, scores in [70,100] mean approve and flow to the end node.
func reviewGraph() *models.GraphDefinition {
	return &models.GraphDefinition{
		ID:            "lesson-review",
		Name:          "Lesson Review",
		StartNode:     "draft",
		MaxNodeVisits: 5,
		Nodes: []*models.NodeDefinition{
			{
				ID:   "draft",
				Kind: "lesson_draft",
				OutputSchema: map[string]any{
					"type":     "object",
					"required": []any{"body"},
					"properties": map[string]any{
						"body": map[string]any{"type": "string"},
					},
				},
				Edges: []*models.Edge{{To: "review"}},
			},
			{
				ID:   "review",
				Kind: "activity_review",
				OutputSchema: map[string]any{
					"type":     "object",
					"required": []any{"decision", "score"},
					"properties": map[string]any{
						"decision": map[string]any{"type": "string", "enum": []any{"approve", "reject"}},
						"score":    map[string]any{"type": "number", "minimum": 0.0, "maximum": 100.0},
					},
				},
				Invariants: []*models.InvariantConfig{{
					Rule:          models.RuleDecisionScoreCoherence,
					DecisionField: "decision",
					ScoreField:    "score",
					Bands: []models.Band{
						{Label: "reject", Min: 0, Max: 69},
						{Label: "approve", Min: 70, Max: 100},
					},
				}},
				Edges: []*models.Edge{
					{To: "end", When: &models.Predicate{Field: "decision", Op: models.OpEquals, Value: "approve"}},
					{To: "draft", When: &models.Predicate{Field: "decision", Op: models.OpEquals, Value: "reject"}},
				},
			},
			{ID: "end", Kind: "noop", Terminal: true},
		},
	}
}

func draftStep(body string) mocks.ScriptedStep {
	return mocks.ScriptedStep{Output: &generation.Output{
		Payload: map[string]any{"body": body},
		RawText: body,
		Usage:   models.Usage{InputTokens: 5, OutputTokens: 20, Model: "generator-v1"},
	}}
}

func reviewStep(decision string, score float64) mocks.ScriptedStep {
	return mocks.ScriptedStep{Output: &generation.Output{
		Payload: map[string]any{"decision": decision, "score": score},
		RawText: decision,
		Usage:   models.Usage{InputTokens: 8, OutputTokens: 4, Model: "generator-v1"},
	}}
}

func noopStep() mocks.ScriptedStep {
	return mocks.ScriptedStep{Output: &generation.Output{
		Payload: map[string]any{"done": true},
		RawText: "done",
	}}
}

func TestStartPositionsRunAtStartNode(t *testing.T) {
	fixture := newRouterFixture(t, reviewGraph(), mocks.NewScriptedGenerator())

	run, err := fixture.router.Start(context.Background(), "lesson-review", map[string]any{"topic": "fractions"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusActive, run.Status)
	assert.Equal(t, "draft", run.CurrentNode)
	assert.Equal(t, "fractions", run.Context["topic"])

	stored, err := fixture.store.RunRepository().GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft", stored.CurrentNode)

	assert.Equal(t, []events.EventType{events.RunStartedEvent}, fixture.bus.PublishedTypes())
}

func TestStartUnknownGraphFails(t *testing.T) {
	fixture := newRouterFixture(t, reviewGraph(), mocks.NewScriptedGenerator())

	_, err := fixture.router.Start(context.Background(), "no-such-graph", nil)
	require.ErrorIs(t, err, graph.ErrGraphNotFound)
}

func TestAdvanceExecutesOneStepAndRoutes(t *testing.T) {
	gen := mocks.NewScriptedGenerator(draftStep("A lesson on fractions."))
	fixture := newRouterFixture(t, reviewGraph(), gen)

	run, err := fixture.router.Start(context.Background(), "lesson-review", nil)
	require.NoError(t, err)

	advanced, err := fixture.router.Advance(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "review", advanced.CurrentNode)
	assert.Equal(t, models.RunStatusActive, advanced.Status)
	assert.Equal(t, "A lesson on fractions.", advanced.Context["body"])
	assert.Equal(t, 1, advanced.NodeVisits["draft"])
}

func TestResumeDrivesRunToCompletion(t *testing.T) {
	// The first review is incoherent (approve with a rejecting score) and is
	// retried with corrective feedback before the run reaches the end node.
	gen := mocks.NewScriptedGenerator(
		draftStep("A lesson on fractions."),
		reviewStep("approve", 45),
		reviewStep("approve", 88),
		noopStep(),
	)
	fixture := newRouterFixture(t, reviewGraph(), gen)

	run, err := fixture.router.Start(context.Background(), "lesson-review", map[string]any{"topic": "fractions"})
	require.NoError(t, err)

	finished, err := fixture.router.Resume(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, finished.Status)
	assert.Equal(t, "end", finished.CurrentNode)

	// The incoherent review spent one attempt and injected feedback.
	requests := gen.Requests()
	require.Len(t, requests, 4)
	assert.Contains(t, requests[2].Feedback, "decision_score_coherence")

	// One audit entry per step execution, review holding both attempts.
	listed, err := fixture.store.AuditRepository().List(context.Background(), persistence.AuditFilter{RunID: run.ID}, persistence.Page{})
	require.NoError(t, err)
	require.Equal(t, 3, listed.TotalCount)

	byNode := make(map[string]*models.AuditLogEntry)
	for _, entry := range listed.Entries {
		byNode[entry.NodeID] = entry
	}

	require.Len(t, byNode["review"].Attempts, 2)
	assert.Equal(t, models.OutcomeInvariantViolation, byNode["review"].Attempts[0].Outcome)
	assert.Equal(t, models.OutcomePass, byNode["review"].Attempts[1].Outcome)
	require.Len(t, byNode["draft"].Attempts, 1)

	assert.Equal(t, []events.EventType{
		events.RunStartedEvent,
		events.StepSucceededEvent,
		events.StepSucceededEvent,
		events.StepSucceededEvent,
		events.RunCompletedEvent,
	}, fixture.bus.PublishedTypes())
}

func TestResumeAfterRestartDoesNotRepeatCommittedSteps(t *testing.T) {
	gen := mocks.NewScriptedGenerator(
		draftStep("First draft."),
		reviewStep("approve", 92),
		noopStep(),
	)
	fixture := newRouterFixture(t, reviewGraph(), gen)

	run, err := fixture.router.Start(context.Background(), "lesson-review", nil)
	require.NoError(t, err)

	_, err = fixture.router.Advance(context.Background(), run.ID)
	require.NoError(t, err)

	// A second router over the same store stands in for a process restart.
	registry := graph.NewRegistry(testLogger())
	require.NoError(t, registry.Register(reviewGraph()))

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	restarted := NewRouter(testLogger(), registry, fixture.store, gen, NewMemoryLocker(), bus, 0)

	finished, err := restarted.Resume(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, finished.Status)

	// The draft step committed before the restart was not re-executed.
	listed, err := fixture.store.AuditRepository().List(context.Background(), persistence.AuditFilter{RunID: run.ID, NodeID: "draft"}, persistence.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, listed.TotalCount)
}

func TestAdvanceRetriesExhaustedFailsRun(t *testing.T) {
	gen := mocks.NewScriptedGenerator(
		draftStep("Draft."),
		reviewStep("approve", 10),
		reviewStep("approve", 20),
		reviewStep("approve", 30),
	)
	fixture := newRouterFixture(t, reviewGraph(), gen)

	run, err := fixture.router.Start(context.Background(), "lesson-review", nil)
	require.NoError(t, err)

	failed, err := fixture.router.Resume(context.Background(), run.ID)
	require.Error(t, err)

	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "review", exhausted.NodeID)

	require.NotNil(t, failed)
	assert.Equal(t, models.RunStatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "exhausted")

	types := fixture.bus.PublishedTypes()
	assert.Contains(t, types, events.StepRetriesExhaustedEvent)
	assert.Equal(t, events.RunFailedEvent, types[len(types)-1])
}

func TestRoutingPicksFirstMatchingEdgeInOrder(t *testing.T) {
	graphDef := reviewGraph()
	gen := mocks.NewScriptedGenerator(
		draftStep("Draft."),
		reviewStep("reject", 40),
	)
	fixture := newRouterFixture(t, graphDef, gen)

	run, err := fixture.router.Start(context.Background(), "lesson-review", nil)
	require.NoError(t, err)

	_, err = fixture.router.Advance(context.Background(), run.ID)
	require.NoError(t, err)

	advanced, err := fixture.router.Advance(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft", advanced.CurrentNode, "a rejecting review loops back to draft")
}

func TestRoutingMissingBranchFieldIsAFatalRoutingError(t *testing.T) {
	graphDef := &models.GraphDefinition{
		ID:        "branchy",
		Name:      "Branchy",
		StartNode: "decide",
		Nodes: []*models.NodeDefinition{
			{
				ID:   "decide",
				Kind: "decision",
				Edges: []*models.Edge{
					{To: "end", When: &models.Predicate{Field: "verdict", Op: models.OpEquals, Value: "go"}},
				},
			},
			{ID: "end", Kind: "noop", Terminal: true},
		},
	}
	gen := mocks.NewScriptedGenerator(mocks.ScriptedStep{Output: &generation.Output{
		Payload: map[string]any{"unrelated": true},
		RawText: "{}",
	}})
	fixture := newRouterFixture(t, graphDef, gen)

	run, err := fixture.router.Start(context.Background(), "branchy", nil)
	require.NoError(t, err)

	failed, err := fixture.router.Advance(context.Background(), run.ID)
	require.Error(t, err)

	var routing *RoutingError
	require.ErrorAs(t, err, &routing)
	require.ErrorIs(t, err, models.ErrPredicateField)

	assert.Equal(t, models.RunStatusFailed, failed.Status)
}

func TestLoopLimitExceededFailsRun(t *testing.T) {
	graphDef := reviewGraph()
	graphDef.MaxNodeVisits = 2

	gen := mocks.NewScriptedGenerator(
		draftStep("Draft one."),
		reviewStep("reject", 30),
		draftStep("Draft two."),
		reviewStep("reject", 35),
	)
	fixture := newRouterFixture(t, graphDef, gen)

	run, err := fixture.router.Start(context.Background(), "lesson-review", nil)
	require.NoError(t, err)

	failed, err := fixture.router.Resume(context.Background(), run.ID)
	require.Error(t, err)

	var loopErr *LoopLimitExceededError
	require.ErrorAs(t, err, &loopErr)
	assert.Equal(t, "draft", loopErr.NodeID)
	assert.Equal(t, 3, loopErr.Visits)
	assert.Equal(t, 2, loopErr.Limit)

	assert.Equal(t, models.RunStatusFailed, failed.Status)
	assert.Len(t, gen.Requests(), 4, "the bounded loop never invoked generation past the limit")
}

func TestAdvanceOnHeldRunFailsWithConcurrentAdvanceError(t *testing.T) {
	gen := mocks.NewScriptedGenerator(draftStep("Draft."))
	fixture := newRouterFixture(t, reviewGraph(), gen)

	run, err := fixture.router.Start(context.Background(), "lesson-review", nil)
	require.NoError(t, err)

	unlock, err := fixture.locker.Acquire(context.Background(), run.ID)
	require.NoError(t, err)

	_, err = fixture.router.Advance(context.Background(), run.ID)
	require.Error(t, err)
	assert.True(t, IsConcurrentAdvance(err))

	unlock()

	_, err = fixture.router.Advance(context.Background(), run.ID)
	require.NoError(t, err)
}

func TestRunsAdvanceIndependently(t *testing.T) {
	gen := mocks.NewScriptedGenerator(
		draftStep("Run one draft."),
		draftStep("Run two draft."),
	)
	fixture := newRouterFixture(t, reviewGraph(), gen)

	first, err := fixture.router.Start(context.Background(), "lesson-review", nil)
	require.NoError(t, err)

	second, err := fixture.router.Start(context.Background(), "lesson-review", nil)
	require.NoError(t, err)

	// Holding one run's lock does not block the other run.
	unlock, err := fixture.locker.Acquire(context.Background(), first.ID)
	require.NoError(t, err)
	defer unlock()

	advanced, err := fixture.router.Advance(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, "review", advanced.CurrentNode)
}

func TestCancelMarksRunCancelled(t *testing.T) {
	fixture := newRouterFixture(t, reviewGraph(), mocks.NewScriptedGenerator())

	run, err := fixture.router.Start(context.Background(), "lesson-review", nil)
	require.NoError(t, err)

	cancelled, err := fixture.router.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, cancelled.Status)

	types := fixture.bus.PublishedTypes()
	assert.Equal(t, events.RunCancelledEvent, types[len(types)-1])

	// A cancelled run admits no further transitions.
	_, err = fixture.router.Advance(context.Background(), run.ID)
	require.ErrorIs(t, err, ErrRunTerminal)

	_, err = fixture.router.Cancel(context.Background(), run.ID)
	require.ErrorIs(t, err, ErrRunTerminal)
}

func TestMemoryLocker(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := locker.Acquire(ctx, "run-a")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "run-a")
	require.ErrorIs(t, err, ErrRunLocked)

	// Other runs are unaffected.
	unlockB, err := locker.Acquire(ctx, "run-b")
	require.NoError(t, err)
	unlockB()

	unlock()
	unlock() // releasing twice is safe

	unlock2, err := locker.Acquire(ctx, "run-a")
	require.NoError(t, err)
	unlock2()
}
