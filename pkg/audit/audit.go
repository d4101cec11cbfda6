// Package audit is the read service over the audit log store. It applies
// redaction to everything it returns; stored raw rows are never mutated, so a
// policy change retroactively affects what readers see.
package audit

import (
	"context"
	"log/slog"
	"strings"

	"github.com/edforge/edforge/pkg/models"
	"github.com/edforge/edforge/pkg/persistence"
	"github.com/edforge/edforge/pkg/redaction"
)

// searchScanSize is the repository page size used while scanning for search
// matches, independent of the caller's result page size.
const searchScanSize = 100

type Service struct {
	logger   *slog.Logger
	repo     persistence.AuditRepository
	redactor *redaction.Engine
	policy   redaction.Policy
}

func NewService(logger *slog.Logger, repo persistence.AuditRepository, redactor *redaction.Engine, policy redaction.Policy) *Service {
	return &Service{
		logger:   logger.With("module", "audit"),
		repo:     repo,
		redactor: redactor,
		policy:   policy,
	}
}

// Get returns one entry with all textual content redacted.
func (s *Service) Get(ctx context.Context, entryID string) (*models.AuditLogEntry, error) {
	entry, err := s.repo.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}

	return s.redactEntry(entry), nil
}

// List returns one page of redacted entries, most recent first.
func (s *Service) List(ctx context.Context, filter persistence.AuditFilter, page persistence.Page) (*persistence.AuditListResult, error) {
	result, err := s.repo.List(ctx, filter, page)
	if err != nil {
		return nil, err
	}

	redacted := make([]*models.AuditLogEntry, len(result.Entries))
	for i, entry := range result.Entries {
		redacted[i] = s.redactEntry(entry)
	}

	return &persistence.AuditListResult{Entries: redacted, TotalCount: result.TotalCount}, nil
}

// Search returns the entries whose redacted content contains the term,
// case-insensitively. Matching runs over the redacted form only: content a
// redaction rule removed is not discoverable through search, even though the
// raw row still holds it.
func (s *Service) Search(ctx context.Context, term string, filter persistence.AuditFilter, page persistence.Page) (*persistence.AuditListResult, error) {
	if term == "" {
		return s.List(ctx, filter, page)
	}

	needle := strings.ToLower(term)

	var matched []*models.AuditLogEntry

	scan := persistence.Page{Number: 1, Size: searchScanSize}

	for {
		result, err := s.repo.List(ctx, filter, scan)
		if err != nil {
			return nil, err
		}

		for _, entry := range result.Entries {
			redacted := s.redactEntry(entry)
			if entryMatches(redacted, needle) {
				matched = append(matched, redacted)
			}
		}

		if len(result.Entries) < scan.Size {
			break
		}

		scan.Number++
	}

	page = page.Normalize()
	start := page.Offset()

	if start >= len(matched) {
		return &persistence.AuditListResult{Entries: []*models.AuditLogEntry{}, TotalCount: len(matched)}, nil
	}

	end := start + page.Size
	if end > len(matched) {
		end = len(matched)
	}

	return &persistence.AuditListResult{Entries: matched[start:end], TotalCount: len(matched)}, nil
}

// redactEntry returns a deep copy of the entry with every textual field run
// through the redaction engine. The stored entry is left untouched.
func (s *Service) redactEntry(entry *models.AuditLogEntry) *models.AuditLogEntry {
	out := *entry
	out.Attempts = make([]*models.GenerationAttempt, len(entry.Attempts))

	for i, attempt := range entry.Attempts {
		a := *attempt
		a.RawOutput = s.redactText(a.RawOutput)
		a.Feedback = s.redactText(a.Feedback)
		a.RequestContext = s.redactValue(attempt.RequestContext).(map[string]any)

		if len(attempt.Violations) > 0 {
			a.Violations = make([]models.Violation, len(attempt.Violations))
			for j, v := range attempt.Violations {
				v.Message = s.redactText(v.Message)
				a.Violations[j] = v
			}
		}

		out.Attempts[i] = &a
	}

	return &out
}

func (s *Service) redactText(text string) string {
	redacted, _ := s.redactor.Redact(text, s.policy)

	return redacted
}

// redactValue walks a JSON-shaped value and redacts every string leaf.
func (s *Service) redactValue(value any) any {
	switch v := value.(type) {
	case string:
		return s.redactText(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = s.redactValue(item)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.redactValue(item)
		}

		return out
	default:
		return v
	}
}

// entryMatches reports whether any textual content of an already-redacted
// entry contains the lowercase needle.
func entryMatches(entry *models.AuditLogEntry, needle string) bool {
	for _, attempt := range entry.Attempts {
		if strings.Contains(strings.ToLower(attempt.RawOutput), needle) {
			return true
		}

		if strings.Contains(strings.ToLower(attempt.Feedback), needle) {
			return true
		}

		for _, v := range attempt.Violations {
			if strings.Contains(strings.ToLower(v.Message), needle) {
				return true
			}
		}

		if valueContains(attempt.RequestContext, needle) {
			return true
		}
	}

	return false
}

func valueContains(value any, needle string) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(strings.ToLower(v), needle)
	case map[string]any:
		for _, item := range v {
			if valueContains(item, needle) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if valueContains(item, needle) {
				return true
			}
		}
	}

	return false
}
