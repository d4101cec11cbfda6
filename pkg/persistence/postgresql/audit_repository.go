package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/edforge/edforge/pkg/models"
	"github.com/edforge/edforge/pkg/persistence"
)

// AuditRepository handles audit-log database operations. The table is
// insert-only; no update or delete statement exists in this repository.
type AuditRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *sql.DB, logger *slog.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

// Append inserts a new entry. A duplicate ID is rejected, never overwritten.
func (ar *AuditRepository) Append(ctx context.Context, entry *models.AuditLogEntry) error {
	attemptsJSON, err := json.Marshal(entry.Attempts)
	if err != nil {
		return persistence.NewEntryError("Append", entry.ID, fmt.Errorf("failed to marshal attempts: %w", err))
	}

	usageJSON, err := json.Marshal(entry.Usage)
	if err != nil {
		return persistence.NewEntryError("Append", entry.ID, fmt.Errorf("failed to marshal usage: %w", err))
	}

	query := `
		INSERT INTO audit_log_entries (
			id, run_id, graph_id, node_id, status, attempts,
			duration_ns, usage, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = ar.db.ExecContext(ctx, query,
		entry.ID, entry.RunID, entry.GraphID, entry.NodeID, entry.Status,
		attemptsJSON, int64(entry.Duration), usageJSON, entry.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return persistence.NewEntryError("Append", entry.ID, persistence.ErrEntryExists)
		}

		return persistence.NewEntryError("Append", entry.ID, err)
	}

	return nil
}

// GetByID retrieves a single entry.
func (ar *AuditRepository) GetByID(ctx context.Context, id string) (*models.AuditLogEntry, error) {
	query := `
		SELECT id, run_id, graph_id, node_id, status, attempts,
			   duration_ns, usage, created_at
		FROM audit_log_entries
		WHERE id = $1
	`

	entry, err := ar.scanEntry(ar.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntryError("GetByID", id, persistence.ErrEntryNotFound)
		}

		return nil, persistence.NewEntryError("GetByID", id, err)
	}

	return entry, nil
}

// List returns entries matching the filter, most recent first, paginated.
func (ar *AuditRepository) List(ctx context.Context, filter persistence.AuditFilter, page persistence.Page) (*persistence.AuditListResult, error) {
	page = page.Normalize()

	where, args := buildWhere(filter)

	countQuery := "SELECT COUNT(*) FROM audit_log_entries" + where

	var total int
	if err := ar.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count audit entries: %w", err)
	}

	listQuery := fmt.Sprintf(`
		SELECT id, run_id, graph_id, node_id, status, attempts,
			   duration_ns, usage, created_at
		FROM audit_log_entries%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)

	rows, err := ar.db.QueryContext(ctx, listQuery, append(args, page.Size, page.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditLogEntry

	for rows.Next() {
		entry, err := ar.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}

	return &persistence.AuditListResult{Entries: entries, TotalCount: total}, nil
}

func buildWhere(filter persistence.AuditFilter) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	add := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if filter.RunID != "" {
		add("run_id = $%d", filter.RunID)
	}

	if filter.NodeID != "" {
		add("node_id = $%d", filter.NodeID)
	}

	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}

	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}

	if !filter.Until.IsZero() {
		add("created_at <= $%d", filter.Until)
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

func (ar *AuditRepository) scanEntry(row rowScanner) (*models.AuditLogEntry, error) {
	var (
		entry        models.AuditLogEntry
		attemptsJSON []byte
		usageJSON    []byte
		durationNS   int64
	)

	err := row.Scan(
		&entry.ID, &entry.RunID, &entry.GraphID, &entry.NodeID, &entry.Status,
		&attemptsJSON, &durationNS, &usageJSON, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Duration = time.Duration(durationNS)

	if err := json.Unmarshal(attemptsJSON, &entry.Attempts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attempts: %w", err)
	}

	if err := json.Unmarshal(usageJSON, &entry.Usage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
	}

	return &entry, nil
}
