package models

import "time"

// AttemptOutcome classifies how one generation attempt ended.
type AttemptOutcome string

const (
	OutcomePass               AttemptOutcome = "pass"
	OutcomeSchemaViolation    AttemptOutcome = "schema_violation"
	OutcomeInvariantViolation AttemptOutcome = "invariant_violation"
	OutcomeTimeout            AttemptOutcome = "timeout"
)

// Violation names one specific constraint a candidate output broke.
type Violation struct {
	Rule    string `json:"rule"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Usage carries the resource metrics reported by the generation collaborator.
type Usage struct {
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model,omitempty"`
}

// Add folds another usage sample into the receiver. The model name of the
// last non-empty sample wins.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens

	if other.Model != "" {
		u.Model = other.Model
	}
}

// GenerationAttempt is one invocation of the generation capability within a
// step execution. Attempt numbers are 1-based and contiguous; once recorded an
// attempt is never mutated.
type GenerationAttempt struct {
	Number         int            `json:"number"`
	RequestContext map[string]any `json:"request_context"`
	Feedback       string         `json:"feedback,omitempty"` // corrective feedback injected after a prior failure
	RawOutput      string         `json:"raw_output"`
	Outcome        AttemptOutcome `json:"outcome"`
	Violations     []Violation    `json:"violations,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
	Usage          Usage          `json:"usage"`
}
