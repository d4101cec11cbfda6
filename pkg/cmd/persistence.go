// Package cmd provides common initialization for the edforge binaries.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/edforge/edforge/pkg/persistence"
	"github.com/edforge/edforge/pkg/persistence/file"
	"github.com/edforge/edforge/pkg/persistence/postgresql"
)

// NewPersistence selects a storage backend from the database URL scheme:
// postgres URLs get the PostgreSQL backend, anything else is treated as a
// filesystem root.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	scheme, _, _ := strings.Cut(databaseURL, "://")

	switch scheme {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(err)
		}

		return store
	default:
		return file.NewPersistence(databaseURL)
	}
}
