package storage

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
)

//go:embed schema.sql
var schema string

// Migrate creates the job table and indexes if they do not exist.
// Safe to run from every process on startup.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply job store schema: %w", err)
	}

	s.logger.Info("Job store schema applied")
	return nil
}

// dropStatement is used by integration tests to reset state.
const dropStatement = `DROP TABLE IF EXISTS notification_jobs`

func (s *Storage) drop(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, dropStatement); err != nil {
		return fmt.Errorf("failed to drop job store: %w", err)
	}
	s.logger.Warn("Job store dropped", slog.String("table", "notification_jobs"))
	return nil
}
