// Package redaction transforms raw audit text for safe display. Stored raw
// content is never mutated; rules apply only at read time.
package redaction

import (
	"fmt"
	"regexp"
)

// Policy gates which optional rules apply to a redaction pass.
type Policy struct {
	MaskPersonalData bool
}

// Rule is one ordered pattern/replacement pair. Personal reports whether the
// rule only applies when the MaskPersonalData policy flag is enabled.
type Rule struct {
	ID          string
	Pattern     *regexp.Regexp
	Replacement string
	Personal    bool
}

// Engine applies an ordered, fixed rule list. Engines are immutable after
// construction and safe for concurrent use.
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine with the given rules, applied in order.
func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// NewDefaultEngine creates an engine with the built-in rule set: credentials
// always, personal data behind the policy flag. Replacement tokens are chosen
// so that re-redacting output is a no-op.
func NewDefaultEngine() *Engine {
	return NewEngine([]Rule{
		{
			ID:          "bearer-token",
			Pattern:     regexp.MustCompile(`(?i)bearer\s+[a-z0-9._~+/-]+=*`),
			Replacement: "[REDACTED:bearer-token]",
		},
		{
			ID:          "api-key",
			Pattern:     regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9]{16,}\b`),
			Replacement: "[REDACTED:api-key]",
		},
		{
			ID:          "password-assignment",
			Pattern:     regexp.MustCompile(`(?i)(password|passwd|secret)\s*[:=]\s*\S+`),
			Replacement: "$1=[REDACTED:credential]",
		},
		{
			ID:          "email",
			Pattern:     regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			Replacement: "[REDACTED:email]",
			Personal:    true,
		},
		{
			ID:          "phone",
			Pattern:     regexp.MustCompile(`\b\+?\d{1,3}[-. ]?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
			Replacement: "[REDACTED:phone]",
			Personal:    true,
		},
	})
}

// Redact applies the rule list in order and returns the transformed text plus
// the IDs of the rules that fired. Rules gated on personal data are skipped
// unless the policy enables them. Redact is idempotent:
// Redact(Redact(text, p), p) == Redact(text, p).
func (e *Engine) Redact(text string, policy Policy) (string, []string) {
	var applied []string

	for _, rule := range e.rules {
		if rule.Personal && !policy.MaskPersonalData {
			continue
		}

		if !rule.Pattern.MatchString(text) {
			continue
		}

		text = rule.Pattern.ReplaceAllString(text, rule.Replacement)
		applied = append(applied, rule.ID)
	}

	return text, applied
}

// RuleIDs lists the engine's rule identifiers in application order.
func (e *Engine) RuleIDs() []string {
	ids := make([]string, len(e.rules))
	for i, rule := range e.rules {
		ids[i] = rule.ID
	}

	return ids
}

// MustRule builds a rule from a pattern string, panicking on a bad pattern.
// Intended for static rule tables.
func MustRule(id, pattern, replacement string, personal bool) Rule {
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		panic(fmt.Sprintf("redaction rule %s: %v", id, err))
	}

	return Rule{ID: id, Pattern: compiled, Replacement: replacement, Personal: personal}
}
