// Package validation classifies candidate step outputs in two ordered phases:
// schema shape first, then cross-field business invariants.
package validation

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/edforge/edforge/pkg/models"
)

// Result is the explicit outcome of validating one candidate output. The
// executor owns the retry decision; validators only ever report.
type Result struct {
	Valid      bool
	Outcome    models.AttemptOutcome
	Violations []models.Violation
}

// Feedback renders the violations as corrective text for the next attempt's
// request context. Empty for a valid result.
func (r *Result) Feedback() string {
	if r.Valid || len(r.Violations) == 0 {
		return ""
	}

	lines := make([]string, 0, len(r.Violations)+1)
	lines = append(lines, "The previous output was rejected. Fix the following and regenerate:")

	for _, v := range r.Violations {
		if v.Field != "" {
			lines = append(lines, fmt.Sprintf("- [%s] %s: %s", v.Rule, v.Field, v.Message))
		} else {
			lines = append(lines, fmt.Sprintf("- [%s] %s", v.Rule, v.Message))
		}
	}

	return strings.Join(lines, "\n")
}

func passed() *Result {
	return &Result{Valid: true, Outcome: models.OutcomePass}
}

// Validator runs both validation phases for a node's candidate output.
type Validator struct {
	logger *slog.Logger
}

// New creates a validator.
func New(logger *slog.Logger) *Validator {
	return &Validator{logger: logger.With("module", "validation")}
}

// Validate checks output against the node's declared schema, then against its
// invariants. Phase 2 runs only when phase 1 passes. The shared run context
// supplies the caller-side data some invariants compare against (required
// coverage sets, evaluation criteria). A non-nil error means the validator
// itself could not run, not that the output is invalid.
func (v *Validator) Validate(node *models.NodeDefinition, output, runContext map[string]any) (*Result, error) {
	if node.OutputSchema != nil {
		result, err := v.validateSchema(node.OutputSchema, output)
		if err != nil {
			return nil, fmt.Errorf("schema validation for node %s: %w", node.ID, err)
		}

		if !result.Valid {
			v.logger.Debug("Schema validation failed", "node_id", node.ID, "violations", len(result.Violations))

			return result, nil
		}
	}

	for _, cfg := range node.Invariants {
		violations, err := v.checkInvariant(cfg, output, runContext)
		if err != nil {
			return nil, fmt.Errorf("invariant %s for node %s: %w", cfg.Rule, node.ID, err)
		}

		if len(violations) > 0 {
			v.logger.Debug("Invariant validation failed", "node_id", node.ID, "rule", cfg.Rule)

			return &Result{
				Valid:      false,
				Outcome:    models.OutcomeInvariantViolation,
				Violations: violations,
			}, nil
		}
	}

	return passed(), nil
}
