package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/edforge/edforge/pkg/models"
	"github.com/edforge/edforge/pkg/persistence"
)

const runsDir = "runs"

// RunRepository stores pipeline runs as one JSON document per run.
type RunRepository struct {
	root string
	mu   sync.Mutex // serializes the version check against the write
}

// NewRunRepository creates a file-backed run repository.
func NewRunRepository(root string) *RunRepository {
	return &RunRepository{root: root}
}

func (rr *RunRepository) path(id string) string {
	return fmt.Sprintf("%s/%s/%s.json", rr.root, runsDir, id)
}

// Save persists a run with an optimistic version check: the stored document's
// version must equal run.Version, and the written document carries
// run.Version+1. A brand new run must have Version 0.
func (rr *RunRepository) Save(ctx context.Context, run *models.PipelineRun) error {
	if err := validateID(run.ID); err != nil {
		return persistence.NewRunError("Save", run.ID, err)
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()

	existing, err := rr.load(run.ID)
	if err != nil && !os.IsNotExist(err) {
		return persistence.NewRunError("Save", run.ID, err)
	}

	if existing != nil && existing.Version != run.Version {
		return persistence.NewRunError("Save", run.ID, persistence.ErrVersionConflict)
	}

	if existing == nil && run.Version != 0 {
		return persistence.NewRunError("Save", run.ID, persistence.ErrVersionConflict)
	}

	toSave := *run
	toSave.Version = run.Version + 1
	toSave.UpdatedAt = time.Now().UTC()

	if err := writeJSONAtomic(rr.path(run.ID), &toSave); err != nil {
		return persistence.NewRunError("Save", run.ID, err)
	}

	run.Version = toSave.Version
	run.UpdatedAt = toSave.UpdatedAt

	return nil
}

// GetByID loads a run by its identifier.
func (rr *RunRepository) GetByID(ctx context.Context, id string) (*models.PipelineRun, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewRunError("GetByID", id, err)
	}

	run, err := rr.load(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewRunError("GetByID", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("GetByID", id, err)
	}

	return run, nil
}

// ListByStatus returns all runs in the given status.
func (rr *RunRepository) ListByStatus(ctx context.Context, status models.RunStatus) ([]*models.PipelineRun, error) {
	return rr.list(func(run *models.PipelineRun) bool {
		return run.Status == status
	})
}

// ListStalled returns active runs not updated since the cutoff.
func (rr *RunRepository) ListStalled(ctx context.Context, cutoff time.Time) ([]*models.PipelineRun, error) {
	return rr.list(func(run *models.PipelineRun) bool {
		return run.Status == models.RunStatusActive && run.UpdatedAt.Before(cutoff)
	})
}

func (rr *RunRepository) load(id string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	if err := readJSON(rr.path(id), &run); err != nil {
		return nil, err
	}

	return &run, nil
}

func (rr *RunRepository) list(keep func(*models.PipelineRun) bool) ([]*models.PipelineRun, error) {
	dir := os.DirFS(rr.root + "/" + runsDir)

	files, err := fs.Glob(dir, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list run documents: %w", err)
	}

	runs := make([]*models.PipelineRun, 0, len(files))

	for _, file := range files {
		id := strings.TrimSuffix(file, ".json")

		run, err := rr.load(id)
		if err != nil {
			if os.IsNotExist(err) {
				continue // deleted between glob and read
			}

			return nil, fmt.Errorf("failed to load run %s: %w", id, err)
		}

		if keep(run) {
			runs = append(runs, run)
		}
	}

	return runs, nil
}
