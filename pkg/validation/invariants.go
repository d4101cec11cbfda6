package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/edforge/edforge/pkg/models"
)

func (v *Validator) checkInvariant(cfg *models.InvariantConfig, output, runContext map[string]any) ([]models.Violation, error) {
	switch cfg.Rule {
	case models.RuleDecisionScoreCoherence:
		return checkDecisionScoreCoherence(cfg, output)
	case models.RuleCoverageCompleteness:
		return checkCoverageCompleteness(cfg, output, runContext)
	case models.RuleRemediationOnWeak:
		return checkRemediationOnWeak(cfg, output)
	case models.RuleReferentialGrounding:
		return checkReferentialGrounding(cfg, output, runContext)
	default:
		return nil, fmt.Errorf("unknown invariant rule: %q", cfg.Rule)
	}
}

// checkDecisionScoreCoherence requires the decision label and numeric score
// to land in the same configured band.
func checkDecisionScoreCoherence(cfg *models.InvariantConfig, output map[string]any) ([]models.Violation, error) {
	decision, ok := output[cfg.DecisionField].(string)
	if !ok {
		return nil, fmt.Errorf("output field %q is not a string", cfg.DecisionField)
	}

	score, ok := numericField(output, cfg.ScoreField)
	if !ok {
		return nil, fmt.Errorf("output field %q is not numeric", cfg.ScoreField)
	}

	for _, band := range cfg.Bands {
		if score >= band.Min && score <= band.Max {
			if band.Label == decision {
				return nil, nil
			}

			return []models.Violation{{
				Rule:  string(models.RuleDecisionScoreCoherence),
				Field: cfg.DecisionField,
				Message: fmt.Sprintf(
					"decision %q is inconsistent with %s=%v: scores in [%v, %v] require decision %q",
					decision, cfg.ScoreField, score, band.Min, band.Max, band.Label,
				),
			}}, nil
		}
	}

	return []models.Violation{{
		Rule:    string(models.RuleDecisionScoreCoherence),
		Field:   cfg.ScoreField,
		Message: fmt.Sprintf("%s=%v falls outside every configured band", cfg.ScoreField, score),
	}}, nil
}

// checkCoverageCompleteness requires the output items to cover the required
// set from the shared context exactly once each, with no extra items.
func checkCoverageCompleteness(cfg *models.InvariantConfig, output, runContext map[string]any) ([]models.Violation, error) {
	required, err := stringSlice(runContext[cfg.RequiredKey])
	if err != nil {
		return nil, fmt.Errorf("context key %q: %w", cfg.RequiredKey, err)
	}

	items, ok := output[cfg.ItemsField].([]any)
	if !ok {
		return nil, fmt.Errorf("output field %q is not a list", cfg.ItemsField)
	}

	counts := make(map[string]int, len(required))
	for _, want := range required {
		counts[want] = 0
	}

	var violations []models.Violation

	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("output field %q contains a non-object item", cfg.ItemsField)
		}

		key, _ := item[cfg.ItemKeyField].(string)

		if _, wanted := counts[key]; !wanted {
			violations = append(violations, models.Violation{
				Rule:    string(models.RuleCoverageCompleteness),
				Field:   cfg.ItemsField,
				Message: fmt.Sprintf("unexpected item %q: it is not in the required set", key),
			})

			continue
		}

		counts[key]++
	}

	for _, want := range required {
		switch counts[want] {
		case 0:
			violations = append(violations, models.Violation{
				Rule:    string(models.RuleCoverageCompleteness),
				Field:   cfg.ItemsField,
				Message: fmt.Sprintf("required item %q is missing", want),
			})
		case 1:
			// covered exactly once
		default:
			violations = append(violations, models.Violation{
				Rule:    string(models.RuleCoverageCompleteness),
				Field:   cfg.ItemsField,
				Message: fmt.Sprintf("required item %q appears %d times, expected exactly once", want, counts[want]),
			})
		}
	}

	return violations, nil
}

// checkRemediationOnWeak requires an actionable remediation entry referencing
// every sub-score below the acceptance threshold.
func checkRemediationOnWeak(cfg *models.InvariantConfig, output map[string]any) ([]models.Violation, error) {
	raw, present := output[cfg.ScoresField]
	if !present || raw == nil {
		// No sub-scores reported means nothing to remediate.
		return nil, nil
	}

	entries, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("output field %q is not a list", cfg.ScoresField)
	}

	remediations, err := stringSlice(output[cfg.RemediationField])
	if err != nil {
		return nil, fmt.Errorf("output field %q: %w", cfg.RemediationField, err)
	}

	var violations []models.Violation

	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("output field %q contains a non-object entry", cfg.ScoresField)
		}

		score, ok := numericField(entry, cfg.ScoreField)
		if !ok {
			return nil, fmt.Errorf("entry in %q has non-numeric %q", cfg.ScoresField, cfg.ScoreField)
		}

		if score >= cfg.Threshold {
			continue
		}

		key, _ := entry[cfg.ScoreKeyField].(string)

		if !anyReferences(remediations, key) {
			violations = append(violations, models.Violation{
				Rule:  string(models.RuleRemediationOnWeak),
				Field: cfg.RemediationField,
				Message: fmt.Sprintf(
					"%q scored %v (below %v) but no remediation entry addresses it",
					key, score, cfg.Threshold,
				),
			})
		}
	}

	return violations, nil
}

// checkReferentialGrounding requires the free-text justification to reference,
// by lexical overlap, at least MinReferences of the supplied criteria. The
// check is heuristic since the text is model-generated.
func checkReferentialGrounding(cfg *models.InvariantConfig, output, runContext map[string]any) ([]models.Violation, error) {
	text, ok := output[cfg.TextField].(string)
	if !ok {
		return nil, fmt.Errorf("output field %q is not a string", cfg.TextField)
	}

	criteria, err := stringSlice(runContext[cfg.CriteriaKey])
	if err != nil {
		return nil, fmt.Errorf("context key %q: %w", cfg.CriteriaKey, err)
	}

	referenced := 0

	for _, criterion := range criteria {
		if overlaps(text, criterion) {
			referenced++
		}
	}

	if referenced >= cfg.MinReferences {
		return nil, nil
	}

	return []models.Violation{{
		Rule:  string(models.RuleReferentialGrounding),
		Field: cfg.TextField,
		Message: fmt.Sprintf(
			"text references only %d of %d criteria, at least %d required",
			referenced, len(criteria), cfg.MinReferences,
		),
	}}, nil
}

// overlaps reports whether text shares a substantial portion of a criterion's
// significant words (at least half of the words with 4+ characters).
func overlaps(text, criterion string) bool {
	words := significantWords(criterion)
	if len(words) == 0 {
		return false
	}

	textWords := make(map[string]bool)
	for _, w := range significantWords(text) {
		textWords[w] = true
	}

	matched := 0

	for _, w := range words {
		if textWords[w] {
			matched++
		}
	}

	return matched*2 >= len(words)
}

// anyReferences reports whether at least one candidate string lexically
// overlaps the given key.
func anyReferences(candidates []string, key string) bool {
	for _, candidate := range candidates {
		if overlaps(candidate, key) {
			return true
		}
	}

	return false
}

const minSignificantLen = 4

func significantWords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	words := make([]string, 0, len(fields))

	for _, f := range fields {
		if len(f) >= minSignificantLen {
			words = append(words, f)
		}
	}

	return words
}

func numericField(m map[string]any, field string) (float64, bool) {
	switch n := m[field].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringSlice(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))

		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected a list of strings, found %T", item)
			}

			out = append(out, s)
		}

		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("expected a list of strings, found %T", v)
	}
}
