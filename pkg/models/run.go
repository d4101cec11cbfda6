// Package models defines the core domain models for generation-pipeline orchestration.
package models

import "time"

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"    // Advancing through the graph
	RunStatusCompleted RunStatus = "completed" // Reached a terminal node
	RunStatusFailed    RunStatus = "failed"    // Retries exhausted or fatal routing error
	RunStatusCancelled RunStatus = "cancelled" // Cooperatively cancelled at a checkpoint
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// PipelineRun is one execution of a graph over a caller-supplied initial context.
// The run is mutated exclusively by the engine after each step result; Version
// implements optimistic concurrency so that two advancers can never both win.
type PipelineRun struct {
	ID            string         `json:"id"`
	GraphID       string         `json:"graph_id"      validate:"required"`
	Status        RunStatus      `json:"status"        validate:"required"`
	CurrentNode   string         `json:"current_node"`
	Context       map[string]any `json:"context"`
	NodeVisits    map[string]int `json:"node_visits"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Version       int            `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// RecordVisit increments the visit counter for a node and returns the new count.
func (r *PipelineRun) RecordVisit(nodeID string) int {
	if r.NodeVisits == nil {
		r.NodeVisits = make(map[string]int)
	}

	r.NodeVisits[nodeID]++

	return r.NodeVisits[nodeID]
}

// MergeContext folds a validated step output into the shared context document.
// Keys from the output overwrite existing keys; the merge happens only after
// validation has passed, never speculatively.
func (r *PipelineRun) MergeContext(output map[string]any) {
	if r.Context == nil {
		r.Context = make(map[string]any)
	}

	for k, v := range output {
		r.Context[k] = v
	}
}
