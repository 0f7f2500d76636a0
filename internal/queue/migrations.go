package queue

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies all pending goose migrations using the given *sql.DB.
// Callers open this with "pgx" as the database/sql driver name (pgx/v5's
// stdlib shim), separate from the pgxpool.Pool used for steady-state
// queries.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("op=queue.migrate.dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("op=queue.migrate.up: %w", err)
	}
	return nil
}
