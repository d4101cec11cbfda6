package models

import (
	"errors"
	"fmt"
)

// ErrPredicateField indicates an edge predicate referenced a field missing
// from the step's decision output. The router treats this as a routing error,
// never as a silent default.
var ErrPredicateField = errors.New("predicate field missing from step output")

// GraphDefinition is the deployment-time description of a pipeline: nodes,
// edges, branch predicates and retry limits. It is static configuration,
// defined once prior to any run and never mutated by the engine.
type GraphDefinition struct {
	ID            string            `json:"id"              validate:"required"`
	Name          string            `json:"name"            validate:"required,min=3"`
	Description   string            `json:"description"`
	StartNode     string            `json:"start_node"      validate:"required"`
	Nodes         []*NodeDefinition `json:"nodes"           validate:"required,min=1,dive"`
	MaxAttempts   int               `json:"max_attempts"    validate:"omitempty,min=1"`
	MaxNodeVisits int               `json:"max_node_visits" validate:"omitempty,min=1"`
}

// Node returns the node with the given ID, or nil when absent.
func (g *GraphDefinition) Node(id string) *NodeDefinition {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}

// AttemptsFor resolves the effective attempt budget for a node, falling back
// to the graph default.
func (g *GraphDefinition) AttemptsFor(n *NodeDefinition) int {
	if n.MaxAttempts > 0 {
		return n.MaxAttempts
	}

	if g.MaxAttempts > 0 {
		return g.MaxAttempts
	}

	return DefaultMaxAttempts
}

const (
	// DefaultMaxAttempts bounds the generate-validate retry loop per step.
	DefaultMaxAttempts = 3

	// DefaultMaxNodeVisits bounds loop edges: a run may re-enter any single
	// node at most this many times before the engine aborts it.
	DefaultMaxNodeVisits = 5
)

// VisitLimit resolves the effective per-node visit bound for this graph.
func (g *GraphDefinition) VisitLimit() int {
	if g.MaxNodeVisits > 0 {
		return g.MaxNodeVisits
	}

	return DefaultMaxNodeVisits
}

// NodeDefinition is one addressable unit of work in the graph. Kind and Prompt
// are handed verbatim to the generation collaborator; OutputSchema and
// Invariants drive the two validation phases.
type NodeDefinition struct {
	ID           string             `json:"id"            validate:"required"`
	Kind         string             `json:"kind"          validate:"required"`
	Prompt       string             `json:"prompt"`
	OutputSchema map[string]any     `json:"output_schema"`
	Invariants   []*InvariantConfig `json:"invariants"    validate:"omitempty,dive"`
	MaxAttempts  int                `json:"max_attempts"  validate:"omitempty,min=1"`
	Terminal     bool               `json:"terminal"`
	Edges        []*Edge            `json:"edges"         validate:"omitempty,dive"`
}

// Edge is a possible transition to another node. A nil When makes the edge
// unconditional; edges are evaluated in declaration order.
type Edge struct {
	To   string     `json:"to"             validate:"required"`
	When *Predicate `json:"when,omitempty"`
}

// PredicateOp enumerates the comparison operators a branch predicate may use.
type PredicateOp string

const (
	OpEquals    PredicateOp = "eq"
	OpNotEquals PredicateOp = "ne"
	OpGTE       PredicateOp = "gte"
	OpLT        PredicateOp = "lt"
	OpIn        PredicateOp = "in"
)

// Predicate is a data-driven branch condition over the step's decision output.
// Branching is configuration, not code: adding a branch never requires a new
// node type, only a new edge record.
type Predicate struct {
	Field  string      `json:"field" validate:"required"`
	Op     PredicateOp `json:"op"    validate:"required,oneof=eq ne gte lt in"`
	Value  any         `json:"value"`
	Values []any       `json:"values,omitempty"`
}

// Evaluate applies the predicate to a step's decision output. A missing field
// yields ErrPredicateField so the router can fail loudly.
func (p *Predicate) Evaluate(output map[string]any) (bool, error) {
	raw, ok := output[p.Field]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrPredicateField, p.Field)
	}

	switch p.Op {
	case OpEquals:
		return looseEqual(raw, p.Value), nil
	case OpNotEquals:
		return !looseEqual(raw, p.Value), nil
	case OpGTE, OpLT:
		left, lok := asFloat(raw)
		right, rok := asFloat(p.Value)

		if !lok || !rok {
			return false, fmt.Errorf("predicate %q: non-numeric comparison for field %q", p.Op, p.Field)
		}

		if p.Op == OpGTE {
			return left >= right, nil
		}

		return left < right, nil
	case OpIn:
		for _, candidate := range p.Values {
			if looseEqual(raw, candidate) {
				return true, nil
			}
		}

		return false, nil
	default:
		return false, fmt.Errorf("unsupported predicate operator: %q", p.Op)
	}
}

// looseEqual compares values across the numeric types JSON decoding produces.
func looseEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}

	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
