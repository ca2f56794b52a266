package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// State manages loader state in SQLite.
type State struct {
	db *sql.DB
}

// New creates a SQLite-backed state manager under dataDir.
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "loader.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	s := &State{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating state schema: %w", err)
	}

	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		entity_type TEXT PRIMARY KEY,
		cursor TEXT NOT NULL,
		mode TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS load_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		raw_payload TEXT,
		ref_type TEXT NOT NULL DEFAULT '',
		ref_id TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		first_seen_at TEXT NOT NULL,
		last_attempt_at TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		permanent INTEGER NOT NULL DEFAULT 0,
		UNIQUE(entity_type, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_load_errors_ref
		ON load_errors(ref_type, ref_id) WHERE resolved = 0;

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		entities TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS run_entities (
		run_id TEXT REFERENCES runs(id),
		entity_type TEXT NOT NULL,
		status TEXT NOT NULL,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		UNIQUE(run_id, entity_type)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

// GetCheckpoint returns the checkpoint for an entity type, nil when absent.
func (s *State) GetCheckpoint(entityType string) (*Checkpoint, error) {
	var cp Checkpoint
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT entity_type, cursor, mode, updated_at FROM checkpoints
		WHERE entity_type = ?
	`, entityType).Scan(&cp.EntityType, &cp.Cursor, &cp.Mode, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.UpdatedAt = parseSQLiteTime(updatedAt)
	return &cp, nil
}

// AdvanceCheckpoint durably replaces the cursor for an entity type.
func (s *State) AdvanceCheckpoint(entityType, cursor, mode string) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (entity_type, cursor, mode, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(entity_type) DO UPDATE SET
			cursor = excluded.cursor,
			mode = excluded.mode,
			updated_at = excluded.updated_at
	`, entityType, cursor, mode)
	return err
}

// ResetCheckpoint removes the checkpoint so the next load starts from scratch.
func (s *State) ResetCheckpoint(entityType string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE entity_type = ?`, entityType)
	return err
}

// ListCheckpoints returns all checkpoints ordered by entity type.
func (s *State) ListCheckpoints() ([]Checkpoint, error) {
	rows, err := s.db.Query(`
		SELECT entity_type, cursor, mode, updated_at FROM checkpoints
		ORDER BY entity_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var updatedAt string
		if err := rows.Scan(&cp.EntityType, &cp.Cursor, &cp.Mode, &updatedAt); err != nil {
			return nil, err
		}
		cp.UpdatedAt = parseSQLiteTime(updatedAt)
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

const errorColumns = `id, entity_type, entity_id, kind, message, raw_payload,
	ref_type, ref_id, retry_count, first_seen_at, last_attempt_at, resolved, permanent`

// AppendError upserts a ledger entry keyed by (entity_type, entity_id).
// A repeat failure supersedes the previous entry: kind, message, payload and
// reference are replaced and the entry reopens if it had been resolved.
// Permanent entries are never touched. Returns the entry id.
func (s *State) AppendError(rec *ErrorRecord) (int64, error) {
	_, err := s.db.Exec(`
		INSERT INTO load_errors
			(entity_type, entity_id, kind, message, raw_payload, ref_type, ref_id,
			 retry_count, first_seen_at, last_attempt_at, resolved, permanent)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, datetime('now'), datetime('now'), 0, 0)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			kind = excluded.kind,
			message = excluded.message,
			raw_payload = excluded.raw_payload,
			ref_type = excluded.ref_type,
			ref_id = excluded.ref_id,
			last_attempt_at = excluded.last_attempt_at,
			resolved = 0,
			retry_count = CASE WHEN load_errors.resolved = 1 THEN 0 ELSE load_errors.retry_count END
		WHERE load_errors.permanent = 0
	`, rec.EntityType, rec.EntityID, rec.Kind, rec.Message, string(rec.RawPayload), rec.RefType, rec.RefID)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRow(`
		SELECT id FROM load_errors WHERE entity_type = ? AND entity_id = ?
	`, rec.EntityType, rec.EntityID).Scan(&id)
	if err != nil {
		return 0, err
	}
	rec.ID = id
	return id, nil
}

// GetError returns one ledger entry by id, nil when absent.
func (s *State) GetError(id int64) (*ErrorRecord, error) {
	row := s.db.QueryRow(`SELECT `+errorColumns+` FROM load_errors WHERE id = ?`, id)
	rec, err := scanErrorRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListErrors returns ledger entries, unresolved ones by default.
func (s *State) ListErrors(filter ErrorFilter) ([]ErrorRecord, error) {
	query := `SELECT ` + errorColumns + ` FROM load_errors`
	var conds []string
	var args []any
	if !filter.IncludeResolved {
		conds = append(conds, "resolved = 0")
	}
	if filter.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectErrorRecords(rows)
}

// ListErrorsByReference returns the unresolved, retryable entries blocked on
// one missing reference.
func (s *State) ListErrorsByReference(refType, refID string) ([]ErrorRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+errorColumns+` FROM load_errors
		WHERE ref_type = ? AND ref_id = ? AND resolved = 0 AND permanent = 0
		ORDER BY id
	`, refType, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectErrorRecords(rows)
}

// DistinctMissingReferences returns each reference at least one retryable
// entry is waiting on. This is the reprocessing sweep's work list.
func (s *State) DistinctMissingReferences() ([]Reference, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT ref_type, ref_id FROM load_errors
		WHERE resolved = 0 AND permanent = 0 AND ref_type != ''
		ORDER BY ref_type, ref_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []Reference
	for rows.Next() {
		var ref Reference
		if err := rows.Scan(&ref.Type, &ref.ID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// MarkErrorResolved closes a ledger entry after a successful retry.
func (s *State) MarkErrorResolved(id int64) error {
	_, err := s.db.Exec(`
		UPDATE load_errors SET resolved = 1, last_attempt_at = datetime('now')
		WHERE id = ?
	`, id)
	return err
}

// IncrementErrorRetry bumps the retry count and returns the new value.
func (s *State) IncrementErrorRetry(id int64) (int, error) {
	_, err := s.db.Exec(`
		UPDATE load_errors SET retry_count = retry_count + 1, last_attempt_at = datetime('now')
		WHERE id = ?
	`, id)
	if err != nil {
		return 0, err
	}

	var count int
	err = s.db.QueryRow(`SELECT retry_count FROM load_errors WHERE id = ?`, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("error record %d not found", id)
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// MarkErrorPermanent parks an entry in the terminal manual-review state.
// Permanent entries are excluded from sweeps but retained for audit.
func (s *State) MarkErrorPermanent(id int64) error {
	_, err := s.db.Exec(`UPDATE load_errors SET permanent = 1 WHERE id = ?`, id)
	return err
}

// CountUnresolvedErrors counts open ledger entries, permanent ones included.
func (s *State) CountUnresolvedErrors() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM load_errors WHERE resolved = 0`).Scan(&count)
	return count, err
}

// CreateRun records the start of a load run.
func (s *State) CreateRun(id, mode string, entities []string) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, mode, entities, started_at, status)
		VALUES (?, ?, ?, datetime('now'), 'running')
	`, id, mode, strings.Join(entities, ","))
	return err
}

// CompleteRun marks a run as complete
func (s *State) CompleteRun(id, status, errorMsg string) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = datetime('now'), error = ?
		WHERE id = ?
	`, status, errorMsg, id)
	return err
}

// RecordEntityResult upserts the per-entity-type outcome for a run.
func (s *State) RecordEntityResult(res *EntityResult) error {
	_, err := s.db.Exec(`
		INSERT INTO run_entities (run_id, entity_type, status, succeeded, failed, skipped, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, entity_type) DO UPDATE SET
			status = excluded.status,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped,
			error = excluded.error
	`, res.RunID, res.EntityType, res.Status, res.Succeeded, res.Failed, res.Skipped, res.Error)
	return err
}

const runColumns = `id, mode, entities, started_at, completed_at, status, error`

// GetRun returns one run by id, nil when absent.
func (s *State) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// GetLastRun returns the most recently started run, nil when there is none.
func (s *State) GetLastRun() (*Run, error) {
	row := s.db.QueryRow(`
		SELECT ` + runColumns + ` FROM runs
		ORDER BY started_at DESC, rowid DESC LIMIT 1
	`)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// GetAllRuns returns recent runs for history
func (s *State) GetAllRuns() ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT ` + runColumns + ` FROM runs
		ORDER BY started_at DESC, rowid DESC LIMIT 20
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetEntityResults returns a run's per-entity outcomes in load order.
func (s *State) GetEntityResults(runID string) ([]EntityResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, entity_type, status, succeeded, failed, skipped, error
		FROM run_entities WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []EntityResult
	for rows.Next() {
		var res EntityResult
		if err := rows.Scan(&res.RunID, &res.EntityType, &res.Status,
			&res.Succeeded, &res.Failed, &res.Skipped, &res.Error); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// CleanupOldRuns deletes completed runs older than retentionDays and returns
// how many were removed. Running runs are never touched.
func (s *State) CleanupOldRuns(retentionDays int) (int64, error) {
	cutoff := fmt.Sprintf("-%d days", retentionDays)

	_, err := s.db.Exec(`
		DELETE FROM run_entities WHERE run_id IN (
			SELECT id FROM runs
			WHERE completed_at IS NOT NULL AND completed_at < datetime('now', ?)
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	res, err := s.db.Exec(`
		DELETE FROM runs
		WHERE completed_at IS NOT NULL AND completed_at < datetime('now', ?)
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanErrorRecord(scan func(dest ...any) error) (*ErrorRecord, error) {
	var rec ErrorRecord
	var firstSeen, lastAttempt string
	if err := scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Kind, &rec.Message,
		&rec.RawPayload, &rec.RefType, &rec.RefID, &rec.RetryCount,
		&firstSeen, &lastAttempt, &rec.Resolved, &rec.Permanent); err != nil {
		return nil, err
	}
	rec.FirstSeenAt = parseSQLiteTime(firstSeen)
	rec.LastAttemptAt = parseSQLiteTime(lastAttempt)
	return &rec, nil
}

func collectErrorRecords(rows *sql.Rows) ([]ErrorRecord, error) {
	var recs []ErrorRecord
	for rows.Next() {
		rec, err := scanErrorRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var r Run
	var entities, startedAt string
	var completedAt sql.NullString
	if err := scan(&r.ID, &r.Mode, &entities, &startedAt, &completedAt, &r.Status, &r.Error); err != nil {
		return nil, err
	}
	if entities != "" {
		r.Entities = strings.Split(entities, ",")
	}
	r.StartedAt = parseSQLiteTime(startedAt)
	if completedAt.Valid {
		t := parseSQLiteTime(completedAt.String)
		r.CompletedAt = &t
	}
	return &r, nil
}

// parseSQLiteTime parses SQLite's datetime('now') format.
func parseSQLiteTime(s string) time.Time {
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}

// Ensure State implements Backend
var _ Backend = (*State)(nil)
