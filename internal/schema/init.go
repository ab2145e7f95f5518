package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackzampolin/snapshelf/internal/defra"
)

// Initialize applies every collection schema. Collections that already
// exist are skipped, so it is safe to call on each start.
func Initialize(ctx context.Context, client *defra.Client, logger *slog.Logger) error {
	schemas, err := All()
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}

	for _, s := range schemas {
		err := client.AddSchema(ctx, s.SDL)
		switch {
		case err == nil:
			logger.Info("schema added", "collection", s.Name)
		case alreadyExists(err):
			logger.Debug("schema already present", "collection", s.Name)
		default:
			return fmt.Errorf("failed to add schema %s: %w", s.Name, err)
		}
	}
	return nil
}

// DefraDB reports duplicates only in the response body text.
func alreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}
