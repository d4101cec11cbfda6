// Package web provides the HTTP surface for run control and audit history.
package web

// StartRunRequest is the request body for starting a pipeline run.
type StartRunRequest struct {
	GraphID string         `json:"graph_id" validate:"required"`
	Context map[string]any `json:"context"`
}
