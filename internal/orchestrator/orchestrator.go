// Package orchestrator wires the API client, warehouse pool, state
// backend, and entity registry into complete load runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/config"
	"github.com/johndauphine/crm-pg-loader/internal/entities"
	"github.com/johndauphine/crm-pg-loader/internal/exitcodes"
	"github.com/johndauphine/crm-pg-loader/internal/loader"
	"github.com/johndauphine/crm-pg-loader/internal/logging"
	"github.com/johndauphine/crm-pg-loader/internal/notify"
	"github.com/johndauphine/crm-pg-loader/internal/progress"
	"github.com/johndauphine/crm-pg-loader/internal/registry"
	"github.com/johndauphine/crm-pg-loader/internal/reprocess"
	"github.com/johndauphine/crm-pg-loader/internal/state"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// Warehouse is everything the orchestrator needs from the warehouse pool.
type Warehouse interface {
	loader.Warehouse
	Ping(ctx context.Context) error
	Count(ctx context.Context, table string) (int64, error)
	Close()
}

var _ Warehouse = (*store.Pool)(nil)

// apiPinger is the slice of the API client the preflight check uses.
type apiPinger interface {
	Ping(ctx context.Context) error
}

// Options adjust how an Orchestrator is assembled.
type Options struct {
	// RunID overrides the generated run id. Airflow passes its own so runs
	// correlate with DAG task instances.
	RunID string
	// StateFile swaps the SQLite state backend for a single YAML file.
	StateFile string
	// Reporter receives machine-readable progress updates.
	Reporter progress.Reporter
	// NoProgress disables the terminal progress bar.
	NoProgress bool
}

// Orchestrator coordinates load runs, single-record loads, and
// reprocessing sweeps over one set of shared resources.
type Orchestrator struct {
	config    *config.Config
	api       apiPinger
	warehouse Warehouse
	state     state.Backend
	registry  *registry.Registry
	engine    *loader.Engine
	sweeper   *reprocess.Sweeper
	tracker   *progress.Tracker
	reporter  progress.Reporter
	notifier  notify.Provider
	opts      Options
}

// New connects to the warehouse, applies schema migrations, opens the
// state backend, and registers every entity loader.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	client := api.New(cfg.API)

	warehouse, err := store.New(ctx, cfg)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("connecting to warehouse: %w", err), exitcodes.ConnectionError)
	}
	if err := warehouse.Migrate(ctx); err != nil {
		warehouse.Close()
		return nil, fmt.Errorf("migrating warehouse schema: %w", err)
	}

	var st state.Backend
	if opts.StateFile != "" {
		st, err = state.NewFileState(opts.StateFile)
	} else {
		st, err = state.New(cfg.State.Dir)
	}
	if err != nil {
		warehouse.Close()
		return nil, exitcodes.NewExitError(fmt.Errorf("opening state backend: %w", err), exitcodes.StateError)
	}

	reg := registry.New()
	entities.RegisterAll(reg, client, cfg.Load.PageSize)

	var tracker *progress.Tracker
	if !opts.NoProgress {
		tracker = progress.New()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = &progress.NullReporter{}
	}

	return &Orchestrator{
		config:    cfg,
		api:       client,
		warehouse: warehouse,
		state:     st,
		registry:  reg,
		engine:    loader.NewEngine(warehouse, st, tracker),
		sweeper: reprocess.New(warehouse, st, reg, reprocess.Options{
			RetryCeiling:    cfg.Load.RetryCeiling,
			SkipParentFetch: cfg.Load.SkipParentFetch,
		}),
		tracker:  tracker,
		reporter: reporter,
		notifier: notify.New(&cfg.Slack),
		opts:     opts,
	}, nil
}

// Close releases the warehouse pool and the state backend.
func (o *Orchestrator) Close() {
	o.warehouse.Close()
	if err := o.state.Close(); err != nil {
		logging.Warn("Closing state backend: %v", err)
	}
}

// preflight verifies both ends are reachable before any work is scheduled.
func (o *Orchestrator) preflight(ctx context.Context) error {
	if err := o.api.Ping(ctx); err != nil {
		return exitcodes.NewExitError(fmt.Errorf("API preflight: %w", err), exitcodes.ConnectionError)
	}
	if err := o.warehouse.Ping(ctx); err != nil {
		return exitcodes.NewExitError(fmt.Errorf("warehouse preflight: %w", err), exitcodes.ConnectionError)
	}
	return nil
}

// RunOptions select what a load run covers.
type RunOptions struct {
	// Mode selects full or incremental loading. Defaults to full.
	Mode loader.Mode
	// EntityTypes restricts the run to the named types plus everything
	// they depend on. Empty means every registered type.
	EntityTypes []string
	// SkipReprocess leaves the error ledger alone after the load phase.
	SkipReprocess bool
}

// RunSummary is the machine-readable outcome of one load run.
type RunSummary struct {
	RunID           string                 `json:"run_id"`
	Mode            string                 `json:"mode"`
	Status          string                 `json:"status"`
	StartedAt       time.Time              `json:"started_at"`
	DurationSeconds float64                `json:"duration_seconds"`
	Entities        []EntityOutcome        `json:"entities"`
	Records         int64                  `json:"records_loaded"`
	FailedEntities  []string               `json:"failed_entities,omitempty"`
	Sweep           *reprocess.SweepResult `json:"sweep,omitempty"`
	Unresolved      int                    `json:"unresolved_errors"`
	Error           string                 `json:"error,omitempty"`
}

// EntityOutcome is one entity type's result inside a run.
type EntityOutcome struct {
	EntityType string `json:"entity_type"`
	Status     string `json:"status"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Error      string `json:"error,omitempty"`
}

// Run executes a load pass over the requested entity types, in dependency
// order, followed by a reprocessing sweep. The summary is returned even
// when the run fails so callers can report partial progress.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunSummary, error) {
	startTime := time.Now()

	if err := o.preflight(ctx); err != nil {
		return nil, err
	}

	order, err := o.registry.ResolveOrder(opts.EntityTypes)
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	mode := opts.Mode
	if mode == "" {
		mode = loader.ModeFull
	}
	runID := o.opts.RunID
	if runID == "" {
		runID = uuid.New().String()[:8]
	}

	summary := &RunSummary{RunID: runID, Mode: string(mode), StartedAt: startTime}

	if err := o.state.CreateRun(runID, string(mode), order); err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("creating run: %w", err), exitcodes.StateError)
	}
	logging.Info("Starting %s load run %s: %d entity types", mode, runID, len(order))
	o.notifier.LoadStarted(runID, string(mode), len(order))
	o.reporter.ReportImmediate(progress.ProgressUpdate{Phase: "load", EntitiesTotal: len(order)})

	for i, entityType := range order {
		if err := ctx.Err(); err != nil {
			return o.abort(summary, startTime, err)
		}
		l, err := o.registry.Get(entityType)
		if err != nil {
			return o.abort(summary, startTime, exitcodes.NewExitError(err, exitcodes.ConfigError))
		}

		outcome, err := o.engine.LoadEntity(ctx, l, mode)
		res := entityResult(runID, outcome, err)
		if rerr := o.state.RecordEntityResult(res); rerr != nil {
			logging.Warn("Recording %s result: %v", entityType, rerr)
		}
		summary.Entities = append(summary.Entities, outcomeOf(res))
		summary.Records += int64(outcome.Succeeded)

		if err != nil {
			if ctx.Err() != nil {
				return o.abort(summary, startTime, ctx.Err())
			}
			if runFatal(err) {
				return o.abort(summary, startTime, err)
			}
			summary.FailedEntities = append(summary.FailedEntities, entityType)
			logging.Error("Loading %s failed: %v", entityType, err)
		}

		o.reporter.Report(progress.ProgressUpdate{
			Phase:            "load",
			Entity:           entityType,
			EntitiesComplete: i + 1,
			EntitiesTotal:    len(order),
			RecordsLoaded:    summary.Records,
			ProgressPct:      float64(i+1) / float64(len(order)) * 100,
		})
	}

	if !opts.SkipReprocess {
		o.reporter.ReportImmediate(progress.ProgressUpdate{
			Phase:            "reprocess",
			EntitiesComplete: len(order),
			EntitiesTotal:    len(order),
			RecordsLoaded:    summary.Records,
		})
		sweep, err := o.sweeper.Sweep(ctx)
		summary.Sweep = sweep
		if err != nil {
			return o.abort(summary, startTime, err)
		}
	}

	unresolved, err := o.state.CountUnresolvedErrors()
	if err != nil {
		return o.abort(summary, startTime, exitcodes.NewExitError(fmt.Errorf("counting unresolved errors: %w", err), exitcodes.StateError))
	}
	summary.Unresolved = unresolved

	status := "success"
	if unresolved > 0 || len(summary.FailedEntities) > 0 {
		status = "completed_with_errors"
	}
	summary.Status = status
	summary.DurationSeconds = time.Since(startTime).Seconds()

	if err := o.state.CompleteRun(runID, status, ""); err != nil {
		logging.Warn("Completing run %s: %v", runID, err)
	}
	o.pruneHistory()
	if o.tracker != nil {
		o.tracker.Finish()
	}

	duration := time.Since(startTime)
	if status == "success" {
		o.notifier.LoadCompleted(runID, startTime, duration, len(order), summary.Records)
	} else {
		o.notifier.LoadCompletedWithErrors(runID, startTime, duration, summary.Records, unresolved, summary.FailedEntities)
	}
	o.reporter.ReportImmediate(progress.ProgressUpdate{
		Phase:            "done",
		EntitiesComplete: len(order),
		EntitiesTotal:    len(order),
		RecordsLoaded:    summary.Records,
		ProgressPct:      100,
		ErrorCount:       unresolved,
	})
	logging.Info("Run %s %s: %d records loaded, %d unresolved errors",
		runID, status, summary.Records, unresolved)

	return summary, nil
}

// abort marks the run failed and hands the cause back to the caller.
func (o *Orchestrator) abort(summary *RunSummary, startTime time.Time, cause error) (*RunSummary, error) {
	summary.Status = "failed"
	summary.Error = cause.Error()
	summary.DurationSeconds = time.Since(startTime).Seconds()
	if err := o.state.CompleteRun(summary.RunID, "failed", cause.Error()); err != nil {
		logging.Warn("Completing run %s: %v", summary.RunID, err)
	}
	o.notifier.LoadFailed(summary.RunID, cause, time.Since(startTime))
	return summary, cause
}

// runFatal decides whether a failed entity pass takes the rest of the run
// down with it. API-side fatals (bad credentials, spent quota) would fail
// each later entity type the same way, but those failures are cheap and
// each gets recorded, so the run carries on. A dead warehouse or state
// backend means nothing further can be persisted: give up.
func runFatal(err error) bool {
	if !loader.IsFatal(err) {
		return false
	}
	var apiErr *api.Error
	return !errors.As(err, &apiErr)
}

// entityResult folds a pass outcome and its error into the audit row.
func entityResult(runID string, outcome *loader.LoadOutcome, err error) *state.EntityResult {
	res := &state.EntityResult{
		RunID:      runID,
		EntityType: outcome.EntityType,
		Succeeded:  outcome.Succeeded,
		Failed:     outcome.Failed,
		Skipped:    outcome.Skipped,
	}
	switch {
	case err != nil:
		res.Status = "failed"
		res.Error = err.Error()
	case outcome.Failed > 0:
		res.Status = "completed_with_errors"
	default:
		res.Status = "success"
	}
	return res
}

func outcomeOf(res *state.EntityResult) EntityOutcome {
	return EntityOutcome{
		EntityType: res.EntityType,
		Status:     res.Status,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Skipped:    res.Skipped,
		Error:      res.Error,
	}
}

// pruneHistory drops old run rows. Only the SQLite backend keeps history;
// the file backend tracks a single run.
func (o *Orchestrator) pruneHistory() {
	s, ok := o.state.(*state.State)
	if !ok || o.config.State.RetentionDays <= 0 {
		return
	}
	if n, err := s.CleanupOldRuns(o.config.State.RetentionDays); err != nil {
		logging.Warn("Pruning run history: %v", err)
	} else if n > 0 {
		logging.Debug("Pruned %d old runs", n)
	}
}

// LoadOne fetches a single record by upstream id and persists it. It runs
// outside the run machinery: no audit row is written and the entity's
// checkpoint does not move.
func (o *Orchestrator) LoadOne(ctx context.Context, entityType, id string) (*loader.LoadOutcome, error) {
	if err := o.preflight(ctx); err != nil {
		return nil, err
	}
	l, err := o.registry.Get(entityType)
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	return o.engine.LoadByID(ctx, l, id)
}

// Reprocess runs a standalone sweep of the error ledger. A non-empty
// entityType narrows the sweep to that type's entries.
func (o *Orchestrator) Reprocess(ctx context.Context, entityType string) (*reprocess.SweepResult, error) {
	if err := o.preflight(ctx); err != nil {
		return nil, err
	}
	sweeper := o.sweeper
	if entityType != "" {
		if _, err := o.registry.Get(entityType); err != nil {
			return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
		}
		sweeper = reprocess.New(o.warehouse, o.state, o.registry, reprocess.Options{
			RetryCeiling:    o.config.Load.RetryCeiling,
			SkipParentFetch: o.config.Load.SkipParentFetch,
			EntityFilter:    entityType,
		})
	}
	return sweeper.Sweep(ctx)
}

// RetryError replays one ledger entry by id.
func (o *Orchestrator) RetryError(ctx context.Context, id int64) error {
	return o.sweeper.RetryOne(ctx, id)
}

// ResetCheckpoint clears an entity type's checkpoint so its next pass
// starts from offset zero with no watermark.
func (o *Orchestrator) ResetCheckpoint(entityType string) error {
	if _, err := o.registry.Get(entityType); err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	return o.state.ResetCheckpoint(entityType)
}
