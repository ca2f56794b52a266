package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/johndauphine/crm-pg-loader/internal/logging"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate creates the warehouse schema if needed and applies all pending
// migrations. Statements in the migration files are unqualified; the pool's
// search_path pins them, and the goose version table, to our schema.
func (p *Pool) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(p.schema)))
	if err != nil {
		return fmt.Errorf("creating schema %s: %w", p.schema, err)
	}

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	// Goose needs a database/sql handle; stdlib wraps the pgx pool without
	// opening a second connection set.
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	before, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("applying warehouse migrations: %w", err)
	}
	after, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}

	if after > before {
		logging.Info("Warehouse schema migrated to version %d", after)
	} else {
		logging.Debug("Warehouse schema up to date at version %d", after)
	}
	return nil
}
