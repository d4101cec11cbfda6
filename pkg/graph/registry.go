// Package graph loads and validates deployment-time pipeline graph definitions.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/edforge/edforge/pkg/models"
)

// ErrGraphNotFound indicates a run referenced a graph ID the registry does not hold.
var ErrGraphNotFound = errors.New("graph not found")

// Registry holds the immutable set of graph definitions available to the
// engine. Definitions are loaded once at process start; the registry is
// read-only afterwards, so concurrent reads need no locking.
type Registry struct {
	logger   *slog.Logger
	validate *validator.Validate
	graphs   map[string]*models.GraphDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("module", "graph_registry"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		graphs:   make(map[string]*models.GraphDefinition),
	}
}

// LoadDir reads every *.json graph document under root, validates each one and
// registers it. Any invalid document fails the whole load: a malformed graph
// is a construction-time error, never a runtime one.
func (r *Registry) LoadDir(root string) error {
	dir := os.DirFS(root)

	files, err := fs.Glob(dir, "*.json")
	if err != nil {
		return fmt.Errorf("failed to list graph definitions in %s: %w", root, err)
	}

	for _, file := range files {
		data, err := fs.ReadFile(dir, file)
		if err != nil {
			return fmt.Errorf("failed to read graph definition %s: %w", file, err)
		}

		var graph models.GraphDefinition
		if err := json.Unmarshal(data, &graph); err != nil {
			return fmt.Errorf("failed to parse graph definition %s: %w", file, err)
		}

		if err := r.Register(&graph); err != nil {
			return fmt.Errorf("graph definition %s: %w", filepath.Join(root, file), err)
		}
	}

	r.logger.Info("Loaded graph definitions", "root", root, "count", len(files))

	return nil
}

// Register validates a graph definition and adds it to the registry.
func (r *Registry) Register(graph *models.GraphDefinition) error {
	if err := r.validate.Struct(graph); err != nil {
		return fmt.Errorf("invalid graph definition: %w", err)
	}

	if err := Validate(graph); err != nil {
		return err
	}

	if _, exists := r.graphs[graph.ID]; exists {
		return fmt.Errorf("duplicate graph id: %s", graph.ID)
	}

	r.graphs[graph.ID] = graph

	return nil
}

// Get returns the graph with the given ID.
func (r *Registry) Get(id string) (*models.GraphDefinition, error) {
	graph, ok := r.graphs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, id)
	}

	return graph, nil
}

// IDs lists all registered graph IDs.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}

	return ids
}
