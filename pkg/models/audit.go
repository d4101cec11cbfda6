package models

import "time"

// EntryStatus is the final status of one step execution.
type EntryStatus string

const (
	EntryStatusSucceeded        EntryStatus = "succeeded"
	EntryStatusRetriesExhausted EntryStatus = "retries_exhausted"
)

// AuditLogEntry is the durable, append-only record of one step execution: the
// ordered attempts plus a final status. Raw attempt content is immutable once
// written; redaction happens only at read time. A node re-entered via a loop
// edge produces a new, distinct entry.
type AuditLogEntry struct {
	ID        string               `json:"id"`
	RunID     string               `json:"run_id"   validate:"required"`
	GraphID   string               `json:"graph_id" validate:"required"`
	NodeID    string               `json:"node_id"  validate:"required"`
	Attempts  []*GenerationAttempt `json:"attempts"`
	Status    EntryStatus          `json:"status"   validate:"required"`
	Duration  time.Duration        `json:"duration"`
	Usage     Usage                `json:"usage"`
	CreatedAt time.Time            `json:"created_at"`
}

// LastViolations returns the violations of the final attempt, if any. Callers
// use this to surface why a step exhausted its retries.
func (e *AuditLogEntry) LastViolations() []Violation {
	if len(e.Attempts) == 0 {
		return nil
	}

	return e.Attempts[len(e.Attempts)-1].Violations
}
