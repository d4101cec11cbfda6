package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/edforge/edforge/pkg/models"
	"github.com/edforge/edforge/pkg/persistence"
)

const auditDir = "audit"

// AuditRepository stores audit log entries as one JSON document per entry.
// Documents are written once via an atomic rename and never rewritten, so a
// reader can only ever observe a complete entry.
type AuditRepository struct {
	root string
}

// NewAuditRepository creates a file-backed audit repository.
func NewAuditRepository(root string) *AuditRepository {
	return &AuditRepository{root: root}
}

func (ar *AuditRepository) path(id string) string {
	return fmt.Sprintf("%s/%s/%s.json", ar.root, auditDir, id)
}

// Append writes a new entry. Appending an ID that already exists is an error:
// the audit log is append-only and immutable.
func (ar *AuditRepository) Append(ctx context.Context, entry *models.AuditLogEntry) error {
	if err := validateID(entry.ID); err != nil {
		return persistence.NewEntryError("Append", entry.ID, err)
	}

	if _, err := os.Stat(ar.path(entry.ID)); err == nil {
		return persistence.NewEntryError("Append", entry.ID, persistence.ErrEntryExists)
	}

	if err := writeJSONAtomic(ar.path(entry.ID), entry); err != nil {
		return persistence.NewEntryError("Append", entry.ID, err)
	}

	return nil
}

// GetByID loads a single entry.
func (ar *AuditRepository) GetByID(ctx context.Context, id string) (*models.AuditLogEntry, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewEntryError("GetByID", id, err)
	}

	var entry models.AuditLogEntry
	if err := readJSON(ar.path(id), &entry); err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewEntryError("GetByID", id, persistence.ErrEntryNotFound)
		}

		return nil, persistence.NewEntryError("GetByID", id, err)
	}

	return &entry, nil
}

// List returns entries matching the filter, most recent first, paginated.
func (ar *AuditRepository) List(ctx context.Context, filter persistence.AuditFilter, page persistence.Page) (*persistence.AuditListResult, error) {
	page = page.Normalize()

	dir := os.DirFS(ar.root + "/" + auditDir)

	files, err := fs.Glob(dir, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list audit documents: %w", err)
	}

	matched := make([]*models.AuditLogEntry, 0, len(files))

	for _, file := range files {
		id := strings.TrimSuffix(file, ".json")

		entry, err := ar.GetByID(ctx, id)
		if err != nil {
			if persistence.IsEntryNotFound(err) {
				continue
			}

			return nil, err
		}

		if matchesFilter(entry, filter) {
			matched = append(matched, entry)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}

		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)

	start := page.Offset()
	if start > total {
		start = total
	}

	end := start + page.Size
	if end > total {
		end = total
	}

	return &persistence.AuditListResult{
		Entries:    matched[start:end],
		TotalCount: total,
	}, nil
}

func matchesFilter(entry *models.AuditLogEntry, filter persistence.AuditFilter) bool {
	if filter.RunID != "" && entry.RunID != filter.RunID {
		return false
	}

	if filter.NodeID != "" && entry.NodeID != filter.NodeID {
		return false
	}

	if filter.Status != "" && entry.Status != filter.Status {
		return false
	}

	if !filter.Since.IsZero() && entry.CreatedAt.Before(filter.Since) {
		return false
	}

	if !filter.Until.IsZero() && entry.CreatedAt.After(filter.Until) {
		return false
	}

	return true
}
