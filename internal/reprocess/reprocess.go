// Package reprocess sweeps the error ledger, replaying entries whose
// missing reference has since been satisfied.
package reprocess

import (
	"context"
	"errors"
	"fmt"

	"github.com/johndauphine/crm-pg-loader/internal/loader"
	"github.com/johndauphine/crm-pg-loader/internal/logging"
	"github.com/johndauphine/crm-pg-loader/internal/registry"
	"github.com/johndauphine/crm-pg-loader/internal/state"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// Options tune a sweep.
type Options struct {
	// RetryCeiling is how many failed replays park an entry as permanent.
	RetryCeiling int
	// SkipParentFetch limits the sweep to existence checks: missing parents
	// are not fetched from the API.
	SkipParentFetch bool
	// EntityFilter restricts the sweep to ledger entries of one entity type.
	EntityFilter string
}

// Sweeper replays parked items from the error ledger once their missing
// dependencies show up in the warehouse.
type Sweeper struct {
	engine    *loader.Engine
	warehouse loader.Warehouse
	state     state.Backend
	registry  *registry.Registry
	opts      Options
}

// New builds a Sweeper sharing the given warehouse and state backend.
func New(warehouse loader.Warehouse, st state.Backend, reg *registry.Registry, opts Options) *Sweeper {
	if opts.RetryCeiling < 1 {
		opts.RetryCeiling = 5
	}
	return &Sweeper{
		engine:    loader.NewEngine(warehouse, st, nil),
		warehouse: warehouse,
		state:     st,
		registry:  reg,
		opts:      opts,
	}
}

// SweepResult tallies one pass over the ledger.
type SweepResult struct {
	References     int `json:"references"`      // distinct missing references examined
	StillMissing   int `json:"still_missing"`   // references absent even after a fetch attempt
	ParentsFetched int `json:"parents_fetched"` // parents pulled from the API during the sweep
	Resolved       int `json:"resolved"`        // entries replayed successfully
	Failed         int `json:"failed"`          // entries that failed again and stay eligible
	Parked         int `json:"parked"`          // entries marked permanent this sweep
}

// Sweep walks the missing references recorded in the ledger. For each, it
// checks whether the referenced row exists now, fetching it from the API
// when it does not, and replays every blocked entry once the reference is
// satisfied.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{}

	refs, err := s.workList()
	if err != nil {
		return nil, fmt.Errorf("listing missing references: %w", err)
	}
	if len(refs) == 0 {
		logging.Info("Reprocessing sweep: ledger has no missing references")
		return res, nil
	}
	logging.Info("Reprocessing sweep: checking %d missing references", len(refs))
	res.References = len(refs)

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		satisfied, err := s.ensureReference(ctx, ref, res)
		if err != nil {
			return res, err
		}
		if !satisfied {
			res.StillMissing++
			continue
		}
		entries, err := s.state.ListErrorsByReference(ref.Type, ref.ID)
		if err != nil {
			return res, fmt.Errorf("listing entries blocked on %s/%s: %w", ref.Type, ref.ID, err)
		}
		for i := range entries {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if s.opts.EntityFilter != "" && entries[i].EntityType != s.opts.EntityFilter {
				continue
			}
			if err := s.retryEntry(ctx, &entries[i], res); err != nil {
				return res, err
			}
		}
	}

	logging.Info("Sweep finished: %d resolved, %d failed again, %d parked, %d references still missing",
		res.Resolved, res.Failed, res.Parked, res.StillMissing)
	return res, nil
}

// workList collects the distinct references to examine. Without a filter
// that is exactly the ledger's missing-reference index; with one it is the
// references the filtered entries are blocked on, in ledger order.
func (s *Sweeper) workList() ([]state.Reference, error) {
	if s.opts.EntityFilter == "" {
		return s.state.DistinctMissingReferences()
	}
	entries, err := s.state.ListErrors(state.ErrorFilter{EntityType: s.opts.EntityFilter})
	if err != nil {
		return nil, err
	}
	seen := make(map[state.Reference]bool)
	var refs []state.Reference
	for i := range entries {
		if entries[i].Permanent {
			continue
		}
		ref, ok := entries[i].Ref()
		if !ok {
			continue
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs, nil
}

// RetryOne replays a single ledger entry by id, regardless of whether its
// reference looks satisfied. Operators use it after fixing data by hand.
// A failed attempt bumps the retry count but never parks the entry:
// parking is sweep policy, not operator policy.
func (s *Sweeper) RetryOne(ctx context.Context, id int64) error {
	rec, err := s.state.GetError(id)
	if err != nil {
		return fmt.Errorf("reading ledger entry %d: %w", id, err)
	}
	if rec == nil {
		return fmt.Errorf("no ledger entry %d", id)
	}
	if rec.Resolved {
		return fmt.Errorf("ledger entry %d is already resolved", id)
	}
	if err := s.replay(ctx, rec); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !loader.IsFatal(err) {
			if _, rerr := s.state.IncrementErrorRetry(rec.ID); rerr != nil {
				logging.Error("Failed to update retry count for entry %d: %v", rec.ID, rerr)
			}
		}
		return fmt.Errorf("replaying %s/%s: %w", rec.EntityType, rec.EntityID, err)
	}
	if err := s.state.MarkErrorResolved(rec.ID); err != nil {
		return fmt.Errorf("resolving ledger entry %d: %w", id, err)
	}
	logging.Info("Resolved %s/%s", rec.EntityType, rec.EntityID)
	return nil
}

// ensureReference reports whether ref exists in the warehouse, fetching it
// from the API first when it is absent and fetching is allowed.
func (s *Sweeper) ensureReference(ctx context.Context, ref state.Reference, res *SweepResult) (bool, error) {
	exists, err := s.warehouse.Exists(ctx, ref.Type, ref.ID)
	if err != nil {
		return false, fmt.Errorf("checking %s/%s: %w", ref.Type, ref.ID, err)
	}
	if exists || s.opts.SkipParentFetch {
		return exists, nil
	}
	l, err := s.registry.Get(ref.Type)
	if err != nil {
		// No loader for this reference type. Some tables are only filled
		// as side effects of other entity types, so all the sweep can do
		// is wait for the row to appear.
		return false, nil
	}
	logging.Info("Fetching missing %s/%s", ref.Type, ref.ID)
	if _, err := s.engine.LoadByID(ctx, l, ref.ID); err != nil {
		if loader.IsFatal(err) || ctx.Err() != nil {
			return false, err
		}
		logging.Warn("Could not fetch %s/%s: %v", ref.Type, ref.ID, err)
		return false, nil
	}
	exists, err = s.warehouse.Exists(ctx, ref.Type, ref.ID)
	if err != nil {
		return false, fmt.Errorf("checking %s/%s: %w", ref.Type, ref.ID, err)
	}
	if exists {
		res.ParentsFetched++
	}
	return exists, nil
}

// retryEntry replays one blocked entry and settles its ledger state.
func (s *Sweeper) retryEntry(ctx context.Context, rec *state.ErrorRecord, res *SweepResult) error {
	err := s.replay(ctx, rec)
	if err == nil {
		if err := s.state.MarkErrorResolved(rec.ID); err != nil {
			return fmt.Errorf("resolving ledger entry %d: %w", rec.ID, err)
		}
		res.Resolved++
		logging.Info("Resolved %s/%s", rec.EntityType, rec.EntityID)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if loader.IsFatal(err) {
		return err
	}

	// The entry stays open with its kind and reference brought up to date:
	// a replay can trade one missing parent for another, and the next
	// sweep needs to wait on the right one.
	s.supersede(rec, err)

	count, rerr := s.state.IncrementErrorRetry(rec.ID)
	if rerr != nil {
		return fmt.Errorf("updating retry count for entry %d: %w", rec.ID, rerr)
	}
	logging.Warn("Retry %d/%d for %s/%s failed: %v", count, s.opts.RetryCeiling, rec.EntityType, rec.EntityID, err)
	if count >= s.opts.RetryCeiling {
		if err := s.state.MarkErrorPermanent(rec.ID); err != nil {
			return fmt.Errorf("parking ledger entry %d: %w", rec.ID, err)
		}
		res.Parked++
		logging.Error("Parked %s/%s for manual review after %d attempts", rec.EntityType, rec.EntityID, count)
		return nil
	}
	res.Failed++
	return nil
}

// replay pushes a ledger entry's stored payload back through its loader's
// transform and into the warehouse.
func (s *Sweeper) replay(ctx context.Context, rec *state.ErrorRecord) error {
	l, err := s.registry.Get(rec.EntityType)
	if err != nil {
		return err
	}
	if len(rec.RawPayload) == 0 {
		return errors.New("no stored payload")
	}
	out, err := l.Transform(rec.RawPayload)
	if err != nil {
		return fmt.Errorf("transforming stored payload: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := s.warehouse.Upsert(ctx, out); err != nil {
		if ctx.Err() == nil && !isItemFailure(err) {
			return &loader.FatalError{Err: fmt.Errorf("persisting %s/%s: %w", rec.EntityType, rec.EntityID, err)}
		}
		return err
	}
	return nil
}

// supersede rewrites an entry's kind, message, and reference from the
// latest failure so the next sweep waits on the right dependency.
func (s *Sweeper) supersede(rec *state.ErrorRecord, cause error) {
	next := state.ErrorRecord{
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Kind:       state.KindValidation,
		Message:    cause.Error(),
		RawPayload: rec.RawPayload,
	}
	if store.IsTransientError(cause) {
		next.Kind = state.KindTransientExhausted
	}
	var cv *store.ConstraintViolation
	if errors.As(cause, &cv) && cv.RefTable != "" {
		next.Kind = state.KindDependencyMissing
		next.RefType = cv.RefTable
		next.RefID = cv.RefValue
	}
	if _, err := s.state.AppendError(&next); err != nil {
		logging.Error("Failed to update ledger entry %d: %v", rec.ID, err)
	}
}

// isItemFailure reports whether a persist error condemns only this item
// rather than the warehouse connection.
func isItemFailure(err error) bool {
	var cv *store.ConstraintViolation
	return errors.As(err, &cv) || store.IsIntegrityError(err) || store.IsTransientError(err)
}
