package validation

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/edforge/edforge/pkg/models"
)

const schemaRule = "schema"

// validateSchema runs phase 1: structural conformance of the candidate output
// against the node's JSON schema document.
func (v *Validator) validateSchema(schema, output map[string]any) (*Result, error) {
	schemaLoader := gojsonschema.NewGoLoader(schema)
	outputLoader := gojsonschema.NewGoLoader(output)

	result, err := gojsonschema.Validate(schemaLoader, outputLoader)
	if err != nil {
		return nil, fmt.Errorf("failed to run JSON schema validation: %w", err)
	}

	if result.Valid() {
		return passed(), nil
	}

	violations := make([]models.Violation, 0, len(result.Errors()))
	for _, resultError := range result.Errors() {
		violations = append(violations, models.Violation{
			Rule:    schemaRule,
			Field:   resultError.Field(),
			Message: resultError.Description(),
		})
	}

	return &Result{
		Valid:      false,
		Outcome:    models.OutcomeSchemaViolation,
		Violations: violations,
	}, nil
}
