// Package persistence provides the data storage abstraction layer for
// pipeline runs and the audit log.
package persistence

import (
	"context"
	"time"

	"github.com/edforge/edforge/pkg/models"
)

// Persistence aggregates the repositories a storage backend must provide.
type Persistence interface {
	RunRepository() RunRepository
	AuditRepository() AuditRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// RunRepository stores pipeline runs. Save enforces optimistic concurrency:
// it persists the run only when the stored version matches run.Version, then
// increments it; a mismatch yields ErrVersionConflict.
type RunRepository interface {
	Save(ctx context.Context, run *models.PipelineRun) error
	GetByID(ctx context.Context, id string) (*models.PipelineRun, error)
	ListByStatus(ctx context.Context, status models.RunStatus) ([]*models.PipelineRun, error)

	// ListStalled returns active runs whose last update is older than the
	// cutoff. The worker's reaper resumes these after a crash.
	ListStalled(ctx context.Context, cutoff time.Time) ([]*models.PipelineRun, error)
}

// AuditFilter narrows an audit log listing. Zero values mean "no filter".
type AuditFilter struct {
	RunID  string
	NodeID string
	Status models.EntryStatus
	Since  time.Time
	Until  time.Time
}

// Page requests one page of results. Page numbers are 1-based.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps pagination to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}

	if p.Size < 1 || p.Size > 100 {
		p.Size = 20
	}

	return p
}

// Offset converts the page to a row offset.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// AuditListResult is one page of audit entries plus the unpaginated count.
type AuditListResult struct {
	Entries    []*models.AuditLogEntry
	TotalCount int
}

// AuditRepository stores audit log entries. Append is write-once: an entry is
// never updated or deleted after it is written, and readers only ever observe
// fully written entries. Listing orders entries most recent first.
type AuditRepository interface {
	Append(ctx context.Context, entry *models.AuditLogEntry) error
	GetByID(ctx context.Context, id string) (*models.AuditLogEntry, error)
	List(ctx context.Context, filter AuditFilter, page Page) (*AuditListResult, error)
}
