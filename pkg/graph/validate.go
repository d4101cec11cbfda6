package graph

import (
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/edforge/edforge/pkg/models"
)

// ErrGraphInvalid is the base error for structural graph validation failures.
var ErrGraphInvalid = errors.New("invalid graph")

// Validate applies the structural rules a graph must satisfy before any run
// may use it: the start node exists, node IDs are unique, every edge targets
// an existing node, every node is reachable from the start node, no node has
// more than one unconditional outgoing edge, every non-terminal node has at
// least one outgoing edge, every output schema compiles, and every invariant
// config carries the fields its rule reads.
func Validate(graph *models.GraphDefinition) error {
	seen := make(map[string]*models.NodeDefinition, len(graph.Nodes))

	for _, node := range graph.Nodes {
		if _, dup := seen[node.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrGraphInvalid, node.ID)
		}

		seen[node.ID] = node
	}

	if _, ok := seen[graph.StartNode]; !ok {
		return fmt.Errorf("%w: start node %q not defined", ErrGraphInvalid, graph.StartNode)
	}

	for _, node := range graph.Nodes {
		unconditional := 0

		for _, edge := range node.Edges {
			if _, ok := seen[edge.To]; !ok {
				return fmt.Errorf("%w: node %q has edge to undefined node %q", ErrGraphInvalid, node.ID, edge.To)
			}

			if edge.When == nil {
				unconditional++
			}
		}

		if unconditional > 1 {
			return fmt.Errorf("%w: node %q has %d unconditional edges, at most one allowed", ErrGraphInvalid, node.ID, unconditional)
		}

		if !node.Terminal && len(node.Edges) == 0 {
			return fmt.Errorf("%w: non-terminal node %q has no outgoing edges", ErrGraphInvalid, node.ID)
		}

		if node.OutputSchema != nil {
			if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(node.OutputSchema)); err != nil {
				return fmt.Errorf("%w: node %q output schema does not compile: %v", ErrGraphInvalid, node.ID, err)
			}
		}

		for _, inv := range node.Invariants {
			if err := inv.Complete(); err != nil {
				return fmt.Errorf("%w: node %q: %v", ErrGraphInvalid, node.ID, err)
			}
		}
	}

	if unreachable := unreachableNodes(graph, seen); len(unreachable) > 0 {
		return fmt.Errorf("%w: nodes unreachable from start: %v", ErrGraphInvalid, unreachable)
	}

	return nil
}

func unreachableNodes(graph *models.GraphDefinition, nodes map[string]*models.NodeDefinition) []string {
	visited := make(map[string]bool, len(nodes))
	stack := []string{graph.StartNode}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[id] {
			continue
		}

		visited[id] = true

		if node := nodes[id]; node != nil {
			for _, edge := range node.Edges {
				stack = append(stack, edge.To)
			}
		}
	}

	var unreachable []string

	for _, node := range graph.Nodes {
		if !visited[node.ID] {
			unreachable = append(unreachable, node.ID)
		}
	}

	return unreachable
}
