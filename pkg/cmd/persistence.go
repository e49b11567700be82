package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/orkestra/pkg/persistence"
	"github.com/dukex/orkestra/pkg/persistence/file"
	"github.com/dukex/orkestra/pkg/persistence/postgresql"
)

// NewPersistence picks the store from the URL scheme: postgres:// or postgresql:// for PostgreSQL,
// file:// or a bare path for the JSON file store.
//
//nolint:ireturn
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://")), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return scheme
}
