package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/config"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/logger"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations exposes the embedded schema.
func Migrations() fs.FS {
	return migrationsFS
}

// Migrate applies every pending up migration. Running it against a current schema is a no-op.
func Migrate(ctx context.Context, cfg *config.Config, logger *logger.Logger) error {
	start := time.Now()

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, DSN("pgx5", cfg))
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Error(ctx, "db_migrate_close_failed", "Failed to close migrate instance", errors.Join(srcErr, dbErr))
		}
	}()

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Debug(ctx, "db_migrated", "Schema is up to date", nil)
		return nil
	case err != nil:
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, _, _ := m.Version()
	logger.Info(ctx, "db_migrated", "Applied database migrations", map[string]any{
		"version":     version,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}
