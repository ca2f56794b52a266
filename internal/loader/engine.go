package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/johndauphine/crm-pg-loader/internal/logging"
	"github.com/johndauphine/crm-pg-loader/internal/progress"
	"github.com/johndauphine/crm-pg-loader/internal/state"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// Warehouse is the slice of the store the load engine needs.
type Warehouse interface {
	Upsert(ctx context.Context, rec *store.Record) error
	Exists(ctx context.Context, table, id string) (bool, error)
}

var _ Warehouse = (*store.Pool)(nil)

// Engine drives EntityLoaders against the warehouse and the state backend.
type Engine struct {
	warehouse Warehouse
	state     state.Backend
	tracker   *progress.Tracker // nil disables progress display
}

// NewEngine creates an Engine. tracker may be nil.
func NewEngine(warehouse Warehouse, st state.Backend, tracker *progress.Tracker) *Engine {
	return &Engine{warehouse: warehouse, state: st, tracker: tracker}
}

// LoadEntity runs one fetch/transform/persist pass for l. Items that fail
// land in the error ledger and the pass keeps going; the returned error is
// non-nil only when the pass itself aborted because a fetch gave out, the
// run was cancelled, or the warehouse went away. The outcome is always
// returned with whatever counts accumulated before the abort.
//
// Pages are persisted before the checkpoint advances past them, so a crash
// replays at most one page and the upsert absorbs the repeats.
func (e *Engine) LoadEntity(ctx context.Context, l EntityLoader, mode Mode) (*LoadOutcome, error) {
	outcome := &LoadOutcome{EntityType: l.EntityType()}

	cur, err := e.resumeCursor(l.EntityType(), mode)
	if err != nil {
		return outcome, err
	}
	syncStart := time.Now().UTC()

	if cur.Offset > 0 {
		logging.Info("Loading %s (%s), resuming at offset %d", l.EntityType(), mode, cur.Offset)
	} else {
		logging.Info("Loading %s (%s)", l.EntityType(), mode)
	}

	started := false
	for {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		page, err := l.FetchPage(ctx, cur)
		if err != nil {
			if fatalFetch(err) {
				return outcome, &FatalError{Err: err}
			}
			return outcome, fmt.Errorf("fetching %s page at offset %d: %w", l.EntityType(), cur.Offset, err)
		}
		if !started && e.tracker != nil {
			e.tracker.StartEntity(l.EntityType(), page.Count)
			started = true
		}

		for _, raw := range page.Items {
			if err := ctx.Err(); err != nil {
				return outcome, err
			}
			if err := e.processItem(ctx, l, raw, outcome); err != nil {
				return outcome, err
			}
		}
		if e.tracker != nil {
			e.tracker.Add(len(page.Items))
		}

		if !page.HasMore() {
			break
		}
		next := page.NextOffset()
		if next <= cur.Offset {
			next = cur.Offset + len(page.Items)
		}
		cur.Offset = next
		if err := e.state.AdvanceCheckpoint(l.EntityType(), cur.Encode(), string(mode)); err != nil {
			return outcome, &FatalError{Err: fmt.Errorf("advancing %s checkpoint: %w", l.EntityType(), err)}
		}
	}

	// The watermark is the pass start, not its end: records that changed
	// while we were paging get picked up by the next incremental pass.
	done := Cursor{LastSynced: syncStart, Completed: true}
	if err := e.state.AdvanceCheckpoint(l.EntityType(), done.Encode(), string(mode)); err != nil {
		return outcome, &FatalError{Err: fmt.Errorf("advancing %s checkpoint: %w", l.EntityType(), err)}
	}
	if e.tracker != nil {
		e.tracker.FinishEntity()
	}

	logging.Info("Loaded %s: %d succeeded, %d failed, %d skipped",
		l.EntityType(), outcome.Succeeded, outcome.Failed, outcome.Skipped)
	return outcome, nil
}

// LoadByID fetches one record by upstream id and persists it. Failures
// classify into the ledger the same way a page pass would record them.
func (e *Engine) LoadByID(ctx context.Context, l EntityLoader, id string) (*LoadOutcome, error) {
	outcome := &LoadOutcome{EntityType: l.EntityType()}

	raw, err := l.FetchByID(ctx, id)
	if err != nil {
		if fatalFetch(err) {
			return outcome, &FatalError{Err: err}
		}
		return outcome, err
	}
	if err := e.processItem(ctx, l, raw, outcome); err != nil {
		return outcome, err
	}
	logging.Info("Loaded %s/%s: %d succeeded, %d failed, %d skipped",
		l.EntityType(), id, outcome.Succeeded, outcome.Failed, outcome.Skipped)
	return outcome, nil
}

// processItem transforms and persists one payload, recording any per-item
// failure in the ledger. The returned error is non-nil only for failures
// that should abort the pass.
func (e *Engine) processItem(ctx context.Context, l EntityLoader, raw json.RawMessage, outcome *LoadOutcome) error {
	id := itemID(raw)

	rec, err := l.Transform(raw)
	if err != nil {
		outcome.Failed++
		e.recordFailure(l.EntityType(), id, raw, itemFailure{kind: state.KindValidation}, err)
		return nil
	}
	if rec == nil {
		outcome.Skipped++
		return nil
	}

	if err := e.warehouse.Upsert(ctx, rec); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f, ok := classifyPersist(err)
		if !ok {
			return persistAbort(l.EntityType(), id, err)
		}
		outcome.Failed++
		e.recordFailure(l.EntityType(), id, raw, f, err)
		return nil
	}

	outcome.Succeeded++
	return nil
}

// recordFailure appends a ledger entry for one failed item. Ledger write
// failures are logged rather than propagated, so a pass never aborts on
// its own audit trail.
func (e *Engine) recordFailure(entityType, id string, raw json.RawMessage, f itemFailure, cause error) {
	rec := &state.ErrorRecord{
		EntityType: entityType,
		EntityID:   id,
		Kind:       f.kind,
		Message:    cause.Error(),
		RawPayload: raw,
	}
	if f.ref != nil {
		rec.RefType = f.ref.Type
		rec.RefID = f.ref.ID
	}
	if _, err := e.state.AppendError(rec); err != nil {
		logging.Error("Recording %s/%s failure: %v", entityType, id, err)
		return
	}
	logging.Warn("%s/%s failed (%s): %v", entityType, id, f.kind, cause)
}

// resumeCursor works out where a pass starts. A checkpoint that never
// completed resumes mid-pass so a crash costs at most one replayed page.
// Completed checkpoints restart the offset; in incremental mode their
// watermark becomes the since filter, in full mode it is ignored.
func (e *Engine) resumeCursor(entityType string, mode Mode) (Cursor, error) {
	cp, err := e.state.GetCheckpoint(entityType)
	if err != nil {
		return Cursor{}, fmt.Errorf("reading %s checkpoint: %w", entityType, err)
	}
	if cp == nil {
		return Cursor{}, nil
	}
	cur, err := ParseCursor(cp.Cursor)
	if err != nil {
		return Cursor{}, fmt.Errorf("%s checkpoint: %w", entityType, err)
	}

	if cur.Completed {
		cur.Offset = 0
		cur.Completed = false
		if mode == ModeFull {
			cur.LastSynced = time.Time{}
		}
		return cur, nil
	}
	if mode == ModeFull && Mode(cp.Mode) == ModeIncremental {
		// A full pass does not resume an interrupted incremental one.
		return Cursor{}, nil
	}
	return cur, nil
}
