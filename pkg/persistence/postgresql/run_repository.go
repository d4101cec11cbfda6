package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edforge/edforge/pkg/models"
	"github.com/edforge/edforge/pkg/persistence"
)

// RunRepository handles pipeline-run database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// Save persists a run using an optimistic version check. A new run inserts at
// version 1; an update only succeeds when the stored version still equals
// run.Version, and bumps it. A conflict is reported as ErrVersionConflict.
func (rr *RunRepository) Save(ctx context.Context, run *models.PipelineRun) error {
	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return persistence.NewRunError("Save", run.ID, fmt.Errorf("failed to marshal context: %w", err))
	}

	visitsJSON, err := json.Marshal(run.NodeVisits)
	if err != nil {
		return persistence.NewRunError("Save", run.ID, fmt.Errorf("failed to marshal node visits: %w", err))
	}

	now := time.Now().UTC()

	if run.Version == 0 {
		query := `
			INSERT INTO pipeline_runs (
				id, graph_id, status, current_node, context, node_visits,
				failure_reason, version, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`

		result, err := rr.db.ExecContext(ctx, query,
			run.ID, run.GraphID, run.Status, run.CurrentNode,
			contextJSON, visitsJSON, run.FailureReason, run.CreatedAt, now,
		)
		if err != nil {
			return persistence.NewRunError("Save", run.ID, err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return persistence.NewRunError("Save", run.ID, err)
		}

		if affected == 0 {
			return persistence.NewRunError("Save", run.ID, persistence.ErrVersionConflict)
		}

		run.Version = 1
		run.UpdatedAt = now

		return nil
	}

	query := `
		UPDATE pipeline_runs SET
			status = $2,
			current_node = $3,
			context = $4,
			node_visits = $5,
			failure_reason = $6,
			version = version + 1,
			updated_at = $7
		WHERE id = $1 AND version = $8
	`

	result, err := rr.db.ExecContext(ctx, query,
		run.ID, run.Status, run.CurrentNode, contextJSON, visitsJSON,
		run.FailureReason, now, run.Version,
	)
	if err != nil {
		return persistence.NewRunError("Save", run.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("Save", run.ID, err)
	}

	if affected == 0 {
		return persistence.NewRunError("Save", run.ID, persistence.ErrVersionConflict)
	}

	run.Version++
	run.UpdatedAt = now

	return nil
}

// GetByID retrieves a run by its identifier.
func (rr *RunRepository) GetByID(ctx context.Context, id string) (*models.PipelineRun, error) {
	query := `
		SELECT id, graph_id, status, current_node, context, node_visits,
			   failure_reason, version, created_at, updated_at
		FROM pipeline_runs
		WHERE id = $1
	`

	run, err := rr.scanRun(rr.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("GetByID", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("GetByID", id, err)
	}

	return run, nil
}

// ListByStatus returns all runs in the given status.
func (rr *RunRepository) ListByStatus(ctx context.Context, status models.RunStatus) ([]*models.PipelineRun, error) {
	query := `
		SELECT id, graph_id, status, current_node, context, node_visits,
			   failure_reason, version, created_at, updated_at
		FROM pipeline_runs
		WHERE status = $1
		ORDER BY updated_at DESC
	`

	return rr.queryRuns(ctx, query, status)
}

// ListStalled returns active runs not updated since the cutoff.
func (rr *RunRepository) ListStalled(ctx context.Context, cutoff time.Time) ([]*models.PipelineRun, error) {
	query := `
		SELECT id, graph_id, status, current_node, context, node_visits,
			   failure_reason, version, created_at, updated_at
		FROM pipeline_runs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
	`

	return rr.queryRuns(ctx, query, models.RunStatusActive, cutoff)
}

func (rr *RunRepository) queryRuns(ctx context.Context, query string, args ...any) ([]*models.PipelineRun, error) {
	rows, err := rr.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.PipelineRun

	for rows.Next() {
		run, err := rr.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (rr *RunRepository) scanRun(row rowScanner) (*models.PipelineRun, error) {
	var (
		run         models.PipelineRun
		contextJSON []byte
		visitsJSON  []byte
	)

	err := row.Scan(
		&run.ID, &run.GraphID, &run.Status, &run.CurrentNode,
		&contextJSON, &visitsJSON, &run.FailureReason, &run.Version,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(contextJSON, &run.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}

	if err := json.Unmarshal(visitsJSON, &run.NodeVisits); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node visits: %w", err)
	}

	return &run, nil
}
