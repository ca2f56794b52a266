// Package store writes transformed CRM records into the PostgreSQL
// warehouse and reports which foreign keys the warehouse rejected.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/johndauphine/crm-pg-loader/internal/config"
	"github.com/johndauphine/crm-pg-loader/internal/logging"
)

// Pool manages the warehouse connection pool.
type Pool struct {
	pool   *pgxpool.Pool
	schema string
}

// New creates the warehouse pool and verifies connectivity.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.WarehouseDSN())
	if err != nil {
		return nil, fmt.Errorf("parsing warehouse dsn: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.Warehouse.MaxConns)
	poolCfg.MinConns = int32(cfg.Warehouse.MaxConns / 4)
	// Migrations run unqualified; the search_path pins them to our schema.
	poolCfg.ConnConfig.RuntimeParams["search_path"] = cfg.Warehouse.Schema

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging warehouse: %w", err)
	}

	return &Pool{pool: pool, schema: cfg.Warehouse.Schema}, nil
}

// Close closes all connections in the pool.
func (p *Pool) Close() {
	p.pool.Close()
}

// Ping tests the connection to the warehouse.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Exists reports whether table holds a row with the given id. Used by the
// reprocessor to check whether a missing reference has arrived since.
func (p *Pool) Exists(ctx context.Context, table, id string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE id::text = $1)`,
		qualifyTable(p.schema, table)), id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking %s/%s: %w", table, id, err)
	}
	return exists, nil
}

// Count returns the number of rows in table.
func (p *Pool) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %s`, qualifyTable(p.schema, table))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

// transientRetries bounds how often a serialization conflict or deadlock
// is retried before the error goes back to the caller.
const transientRetries = 2

// Upsert writes one record and its child rows in a single transaction.
// Prereq rows go first, then the main row, then child sets. Child sets
// are replaced wholesale: delete by parent key, then reinsert.
// Foreign key failures come back as *ConstraintViolation. Serialization
// conflicts and deadlocks repeat on a fresh transaction a few times before
// the error surfaces.
func (p *Pool) Upsert(ctx context.Context, rec *Record) error {
	operation := func() error {
		err := p.upsertOnce(ctx, rec)
		if err == nil {
			return nil
		}
		if IsTransientError(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		logging.Debug("Retrying %s upsert in %v: %v", rec.Table, wait.Round(time.Millisecond), err)
	}

	return backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(expBackoff, transientRetries), ctx), notify)
}

func (p *Pool) upsertOnce(ctx context.Context, rec *Record) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, pre := range rec.Prereqs {
		preSQL, preArgs := buildUpsertSQL(p.schema, pre)
		if _, err := tx.Exec(ctx, preSQL, preArgs...); err != nil {
			return translateError(err, pre.Table)
		}
	}

	sql, args := buildUpsertSQL(p.schema, rec)
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return translateError(err, rec.Table)
	}

	for _, child := range rec.Children {
		if len(child.KeyColumns) > 0 {
			if len(child.Rows) == 0 {
				continue
			}
			upSQL, upArgs := buildChildUpsertSQL(p.schema, &child)
			if _, err := tx.Exec(ctx, upSQL, upArgs...); err != nil {
				return translateError(err, child.Table)
			}
			continue
		}

		delSQL := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
			qualifyTable(p.schema, child.Table), quoteIdent(child.ParentColumn))
		if _, err := tx.Exec(ctx, delSQL, child.ParentValue); err != nil {
			return translateError(err, child.Table)
		}
		if len(child.Rows) == 0 {
			continue
		}
		insSQL, insArgs := buildChildInsertSQL(p.schema, &child)
		if _, err := tx.Exec(ctx, insSQL, insArgs...); err != nil {
			return translateError(err, child.Table)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// quoteIdent safely quotes a PostgreSQL identifier, escaping embedded quotes.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func qualifyTable(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}
