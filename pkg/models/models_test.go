package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusIsTerminal(t *testing.T) {
	assert.False(t, RunStatusActive.IsTerminal())
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
	assert.True(t, RunStatusCancelled.IsTerminal())
}

func TestPipelineRunRecordVisit(t *testing.T) {
	run := &PipelineRun{}

	assert.Equal(t, 1, run.RecordVisit("review"))
	assert.Equal(t, 2, run.RecordVisit("review"))
	assert.Equal(t, 1, run.RecordVisit("draft"))
}

func TestPipelineRunMergeContext(t *testing.T) {
	run := &PipelineRun{Context: map[string]any{"topic": "algebra", "score": 10}}

	run.MergeContext(map[string]any{"score": 85, "decision": "meets"})

	assert.Equal(t, "algebra", run.Context["topic"])
	assert.Equal(t, 85, run.Context["score"])
	assert.Equal(t, "meets", run.Context["decision"])
}

func TestGraphAttemptsFor(t *testing.T) {
	graph := &GraphDefinition{MaxAttempts: 4}
	node := &NodeDefinition{ID: "draft"}

	assert.Equal(t, 4, graph.AttemptsFor(node))

	node.MaxAttempts = 2
	assert.Equal(t, 2, graph.AttemptsFor(node))

	bare := &GraphDefinition{}
	assert.Equal(t, DefaultMaxAttempts, bare.AttemptsFor(&NodeDefinition{}))
}

func TestPredicateEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		predicate Predicate
		output    map[string]any
		want      bool
	}{
		{
			name:      "equals string match",
			predicate: Predicate{Field: "decision", Op: OpEquals, Value: "approve"},
			output:    map[string]any{"decision": "approve"},
			want:      true,
		},
		{
			name:      "equals string mismatch",
			predicate: Predicate{Field: "decision", Op: OpEquals, Value: "approve"},
			output:    map[string]any{"decision": "reject"},
			want:      false,
		},
		{
			name:      "equals bool",
			predicate: Predicate{Field: "is_urgent", Op: OpEquals, Value: true},
			output:    map[string]any{"is_urgent": true},
			want:      true,
		},
		{
			name:      "numeric equals across json types",
			predicate: Predicate{Field: "score", Op: OpEquals, Value: 70},
			output:    map[string]any{"score": float64(70)},
			want:      true,
		},
		{
			name:      "gte boundary",
			predicate: Predicate{Field: "score", Op: OpGTE, Value: 70},
			output:    map[string]any{"score": float64(70)},
			want:      true,
		},
		{
			name:      "lt",
			predicate: Predicate{Field: "score", Op: OpLT, Value: 70},
			output:    map[string]any{"score": float64(42)},
			want:      true,
		},
		{
			name:      "not equals",
			predicate: Predicate{Field: "decision", Op: OpNotEquals, Value: "fail"},
			output:    map[string]any{"decision": "pass"},
			want:      true,
		},
		{
			name:      "in list",
			predicate: Predicate{Field: "decision", Op: OpIn, Values: []any{"meets", "exceeds"}},
			output:    map[string]any{"decision": "exceeds"},
			want:      true,
		},
		{
			name:      "in list miss",
			predicate: Predicate{Field: "decision", Op: OpIn, Values: []any{"meets", "exceeds"}},
			output:    map[string]any{"decision": "not_yet"},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.predicate.Evaluate(tt.output)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPredicateEvaluateMissingField(t *testing.T) {
	predicate := Predicate{Field: "is_urgent", Op: OpEquals, Value: true}

	_, err := predicate.Evaluate(map[string]any{"decision": "approve"})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPredicateField)
}

func TestPredicateEvaluateNonNumericComparison(t *testing.T) {
	predicate := Predicate{Field: "score", Op: OpGTE, Value: 70}

	_, err := predicate.Evaluate(map[string]any{"score": "high"})

	require.Error(t, err)
}

func TestUsageAdd(t *testing.T) {
	total := Usage{}
	total.Add(Usage{InputTokens: 100, OutputTokens: 40, Model: "gpt-4o"})
	total.Add(Usage{InputTokens: 120, OutputTokens: 55, Model: "gpt-4o"})

	assert.Equal(t, 220, total.InputTokens)
	assert.Equal(t, 95, total.OutputTokens)
	assert.Equal(t, "gpt-4o", total.Model)
}

func TestAuditLogEntryLastViolations(t *testing.T) {
	entry := &AuditLogEntry{}
	assert.Nil(t, entry.LastViolations())

	entry.Attempts = []*GenerationAttempt{
		{Number: 1, Violations: []Violation{{Rule: "schema", Message: "missing field"}}},
		{Number: 2, Violations: []Violation{{Rule: "decision_score_coherence", Message: "mismatch"}}},
	}

	violations := entry.LastViolations()
	require.Len(t, violations, 1)
	assert.Equal(t, "decision_score_coherence", violations[0].Rule)
}
