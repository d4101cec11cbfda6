package models

import "fmt"

// InvariantRule enumerates the cross-field business rules the validation layer
// can enforce. Rules are configuration attached to a node, evaluated generically.
type InvariantRule string

const (
	// RuleDecisionScoreCoherence requires a discrete decision label and a
	// companion numeric score to fall in the same configured band.
	RuleDecisionScoreCoherence InvariantRule = "decision_score_coherence"

	// RuleCoverageCompleteness requires output items to cover a caller-supplied
	// required set exactly once each, with no extras.
	RuleCoverageCompleteness InvariantRule = "coverage_completeness"

	// RuleRemediationOnWeak requires an actionable remediation entry for every
	// sub-score below the acceptance threshold.
	RuleRemediationOnWeak InvariantRule = "remediation_on_weak"

	// RuleReferentialGrounding requires a free-text justification to reference,
	// by lexical overlap, a minimum number of the supplied criteria.
	RuleReferentialGrounding InvariantRule = "referential_grounding"
)

// Band maps a decision label onto an inclusive score range.
type Band struct {
	Label string  `json:"label" validate:"required"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"   validate:"gtefield=Min"`
}

// InvariantConfig parameterizes one invariant rule for one node. Only the
// fields relevant to the configured rule are read.
type InvariantConfig struct {
	Rule InvariantRule `json:"rule" validate:"required,oneof=decision_score_coherence coverage_completeness remediation_on_weak referential_grounding"`

	// decision_score_coherence
	DecisionField string `json:"decision_field,omitempty"`
	ScoreField    string `json:"score_field,omitempty"`
	Bands         []Band `json:"bands,omitempty" validate:"omitempty,dive"`

	// coverage_completeness
	ItemsField   string `json:"items_field,omitempty"`
	ItemKeyField string `json:"item_key_field,omitempty"`
	RequiredKey  string `json:"required_key,omitempty"` // shared-context key holding the required set

	// remediation_on_weak
	ScoresField      string  `json:"scores_field,omitempty"`
	ScoreKeyField    string  `json:"score_key_field,omitempty"`
	Threshold        float64 `json:"threshold,omitempty"`
	RemediationField string  `json:"remediation_field,omitempty"`

	// referential_grounding
	TextField     string `json:"text_field,omitempty"`
	CriteriaKey   string `json:"criteria_key,omitempty"` // shared-context key holding the criteria list
	MinReferences int    `json:"min_references,omitempty"`
}

// Complete verifies the config carries every field its rule reads. Incomplete
// configs are rejected at graph load, never at run time.
func (c *InvariantConfig) Complete() error {
	switch c.Rule {
	case RuleDecisionScoreCoherence:
		if c.DecisionField == "" || c.ScoreField == "" || len(c.Bands) == 0 {
			return fmt.Errorf("%s requires decision_field, score_field and bands", c.Rule)
		}
	case RuleCoverageCompleteness:
		if c.ItemsField == "" || c.ItemKeyField == "" || c.RequiredKey == "" {
			return fmt.Errorf("%s requires items_field, item_key_field and required_key", c.Rule)
		}
	case RuleRemediationOnWeak:
		if c.ScoresField == "" || c.ScoreKeyField == "" || c.ScoreField == "" || c.RemediationField == "" {
			return fmt.Errorf("%s requires scores_field, score_key_field, score_field and remediation_field", c.Rule)
		}
	case RuleReferentialGrounding:
		if c.TextField == "" || c.CriteriaKey == "" || c.MinReferences < 1 {
			return fmt.Errorf("%s requires text_field, criteria_key and min_references", c.Rule)
		}
	default:
		return fmt.Errorf("unknown invariant rule %q", c.Rule)
	}

	return nil
}
