package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/johndauphine/crm-pg-loader/internal/loader"
	"github.com/johndauphine/crm-pg-loader/internal/logging"
	"github.com/johndauphine/crm-pg-loader/internal/state"
)

// StatusResult is the machine-readable answer to "where are we": the most
// recent run, every checkpoint, warehouse row counts, and how much of the
// error ledger is still open.
type StatusResult struct {
	LastRun          *RunInfo         `json:"last_run,omitempty"`
	Checkpoints      []CheckpointInfo `json:"checkpoints,omitempty"`
	RowCounts        map[string]int64 `json:"row_counts,omitempty"`
	UnresolvedErrors int              `json:"unresolved_errors"`
}

// CheckpointInfo is one entity type's resume position with its cursor
// decoded.
type CheckpointInfo struct {
	EntityType string    `json:"entity_type"`
	Mode       string    `json:"mode"`
	Offset     int       `json:"offset"`
	Completed  bool      `json:"completed"`
	LastSynced time.Time `json:"last_synced,omitzero"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RunInfo is one run plus its per-entity outcomes.
type RunInfo struct {
	ID          string          `json:"id"`
	Mode        string          `json:"mode"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Entities    []EntityOutcome `json:"entities,omitempty"`
}

// Status assembles the current state of the load pipeline.
func (o *Orchestrator) Status(ctx context.Context) (*StatusResult, error) {
	res := &StatusResult{RowCounts: make(map[string]int64)}

	run, err := o.state.GetLastRun()
	if err != nil {
		return nil, fmt.Errorf("reading last run: %w", err)
	}
	if run != nil {
		info, err := o.runInfo(run)
		if err != nil {
			return nil, err
		}
		res.LastRun = info
	}

	cps, err := o.state.ListCheckpoints()
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	for _, cp := range cps {
		cur, err := loader.ParseCursor(cp.Cursor)
		if err != nil {
			logging.Warn("Skipping unreadable %s checkpoint: %v", cp.EntityType, err)
			continue
		}
		res.Checkpoints = append(res.Checkpoints, CheckpointInfo{
			EntityType: cp.EntityType,
			Mode:       cp.Mode,
			Offset:     cur.Offset,
			Completed:  cur.Completed,
			LastSynced: cur.LastSynced,
			UpdatedAt:  cp.UpdatedAt,
		})
	}

	for _, entityType := range o.registry.Types() {
		n, err := o.warehouse.Count(ctx, entityType)
		if err != nil {
			// Tables appear on first load; absent ones are not an error.
			logging.Debug("Counting %s: %v", entityType, err)
			continue
		}
		res.RowCounts[entityType] = n
	}

	unresolved, err := o.state.CountUnresolvedErrors()
	if err != nil {
		return nil, fmt.Errorf("counting unresolved errors: %w", err)
	}
	res.UnresolvedErrors = unresolved
	return res, nil
}

// History returns recorded runs, most recent first.
func (o *Orchestrator) History() ([]RunInfo, error) {
	runs, err := o.state.GetAllRuns()
	if err != nil {
		return nil, fmt.Errorf("reading run history: %w", err)
	}
	infos := make([]RunInfo, 0, len(runs))
	for i := range runs {
		info, err := o.runInfo(&runs[i])
		if err != nil {
			return nil, err
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// RunDetails returns one run by id.
func (o *Orchestrator) RunDetails(runID string) (*RunInfo, error) {
	run, err := o.state.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}
	if run == nil {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return o.runInfo(run)
}

func (o *Orchestrator) runInfo(run *state.Run) (*RunInfo, error) {
	results, err := o.state.GetEntityResults(run.ID)
	if err != nil {
		return nil, fmt.Errorf("reading run %s results: %w", run.ID, err)
	}
	info := &RunInfo{
		ID:          run.ID,
		Mode:        run.Mode,
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Error:       run.Error,
	}
	for i := range results {
		info.Entities = append(info.Entities, outcomeOf(&results[i]))
	}
	return info, nil
}

// ListErrors returns ledger entries for the errors command.
func (o *Orchestrator) ListErrors(entityType string, includeResolved bool) ([]state.ErrorRecord, error) {
	return o.state.ListErrors(state.ErrorFilter{EntityType: entityType, IncludeResolved: includeResolved})
}

// GetError returns one ledger entry by id, nil when absent.
func (o *Orchestrator) GetError(id int64) (*state.ErrorRecord, error) {
	return o.state.GetError(id)
}

// ShowStatus prints the current status in human form.
func (o *Orchestrator) ShowStatus(ctx context.Context) error {
	st, err := o.Status(ctx)
	if err != nil {
		return err
	}

	if st.LastRun == nil {
		fmt.Println("No load runs recorded")
	} else {
		r := st.LastRun
		fmt.Printf("Last run: %s (%s)\n", r.ID, r.Mode)
		fmt.Printf("Status: %s\n", r.Status)
		fmt.Printf("Started: %s\n", r.StartedAt.Format(time.RFC3339))
		if r.CompletedAt != nil {
			fmt.Printf("Completed: %s\n", r.CompletedAt.Format(time.RFC3339))
		}
		if r.Error != "" {
			fmt.Printf("Error: %s\n", r.Error)
		}
	}

	if len(st.Checkpoints) > 0 {
		fmt.Printf("\n%-20s %-12s %-8s %s\n", "Entity", "Mode", "Offset", "Last Synced")
		fmt.Println(strings.Repeat("-", 62))
		for _, cp := range st.Checkpoints {
			offset := fmt.Sprintf("%d", cp.Offset)
			if cp.Completed {
				offset = "done"
			}
			last := "-"
			if !cp.LastSynced.IsZero() {
				last = cp.LastSynced.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-20s %-12s %-8s %s\n", cp.EntityType, cp.Mode, offset, last)
		}
	}

	if len(st.RowCounts) > 0 {
		types := make([]string, 0, len(st.RowCounts))
		for t := range st.RowCounts {
			types = append(types, t)
		}
		sort.Strings(types)
		fmt.Printf("\n%-20s %s\n", "Table", "Rows")
		fmt.Println(strings.Repeat("-", 32))
		for _, t := range types {
			fmt.Printf("%-20s %d\n", t, st.RowCounts[t])
		}
	}

	fmt.Printf("\nUnresolved errors: %d\n", st.UnresolvedErrors)
	if st.UnresolvedErrors > 0 {
		fmt.Println("Use 'errors' to inspect or 'reprocess' to retry.")
	}
	return nil
}

// ShowHistory prints recorded runs.
func (o *Orchestrator) ShowHistory() error {
	runs, err := o.History()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No load history")
		return nil
	}

	fmt.Printf("%-10s %-12s %-20s %-20s %-22s %s\n", "ID", "Mode", "Started", "Completed", "Status", "Records")
	fmt.Println(strings.Repeat("-", 98))
	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format("2006-01-02 15:04:05")
		}
		var records int
		for _, e := range r.Entities {
			records += e.Succeeded
		}
		fmt.Printf("%-10s %-12s %-20s %-20s %-22s %d\n",
			r.ID, r.Mode, r.StartedAt.Format("2006-01-02 15:04:05"), completed, r.Status, records)
		if r.Error != "" {
			fmt.Printf("           Error: %s\n", r.Error)
		}
	}
	fmt.Println("\nUse 'history --run <ID>' for per-entity results")
	return nil
}

// ShowRunDetails prints one run with its per-entity outcomes.
func (o *Orchestrator) ShowRunDetails(runID string) error {
	r, err := o.RunDetails(runID)
	if err != nil {
		return err
	}

	fmt.Printf("Run ID:    %s\n", r.ID)
	fmt.Printf("Mode:      %s\n", r.Mode)
	fmt.Printf("Status:    %s\n", r.Status)
	if r.Error != "" {
		fmt.Printf("Error:     %s\n", r.Error)
	}
	fmt.Printf("Started:   %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	if r.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", r.CompletedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Duration:  %s\n", r.CompletedAt.Sub(r.StartedAt).Round(time.Second))
	}

	if len(r.Entities) > 0 {
		fmt.Printf("\n%-20s %-22s %-8s %-8s %-8s %s\n", "Entity", "Status", "Loaded", "Failed", "Skipped", "Error")
		fmt.Println(strings.Repeat("-", 100))
		for _, e := range r.Entities {
			errMsg := e.Error
			if len(errMsg) > 30 {
				errMsg = errMsg[:27] + "..."
			}
			fmt.Printf("%-20s %-22s %-8d %-8d %-8d %s\n",
				e.EntityType, e.Status, e.Succeeded, e.Failed, e.Skipped, errMsg)
		}
	}
	return nil
}

// ShowErrors prints ledger entries in ledger order.
func (o *Orchestrator) ShowErrors(entityType string, includeResolved bool) error {
	entries, err := o.ListErrors(entityType, includeResolved)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Error ledger is empty")
		return nil
	}

	fmt.Printf("%-6s %-24s %-20s %-20s %-8s %-9s %s\n", "ID", "Entity", "Kind", "Waiting On", "Retries", "State", "Message")
	fmt.Println(strings.Repeat("-", 118))
	for _, e := range entries {
		waiting := "-"
		if ref, ok := e.Ref(); ok {
			waiting = ref.Type + "/" + ref.ID
		}
		entryState := "open"
		if e.Permanent {
			entryState = "parked"
		}
		if e.Resolved {
			entryState = "resolved"
		}
		msg := e.Message
		if len(msg) > 40 {
			msg = msg[:37] + "..."
		}
		fmt.Printf("%-6d %-24s %-20s %-20s %-8d %-9s %s\n",
			e.ID, e.EntityType+"/"+e.EntityID, e.Kind, waiting, e.RetryCount, entryState, msg)
	}
	return nil
}

// ShowErrorDetail prints one ledger entry with its stored payload.
func (o *Orchestrator) ShowErrorDetail(id int64) error {
	e, err := o.state.GetError(id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("no ledger entry %d", id)
	}

	fmt.Printf("ID:           %d\n", e.ID)
	fmt.Printf("Entity:       %s/%s\n", e.EntityType, e.EntityID)
	fmt.Printf("Kind:         %s\n", e.Kind)
	fmt.Printf("Message:      %s\n", e.Message)
	if ref, ok := e.Ref(); ok {
		fmt.Printf("Waiting on:   %s/%s\n", ref.Type, ref.ID)
	}
	fmt.Printf("Retries:      %d\n", e.RetryCount)
	fmt.Printf("First seen:   %s\n", e.FirstSeenAt.Format(time.RFC3339))
	fmt.Printf("Last attempt: %s\n", e.LastAttemptAt.Format(time.RFC3339))
	fmt.Printf("Resolved:     %v\n", e.Resolved)
	fmt.Printf("Parked:       %v\n", e.Permanent)
	if len(e.RawPayload) > 0 {
		fmt.Println("\nPayload:")
		var buf bytes.Buffer
		if err := json.Indent(&buf, e.RawPayload, "", "  "); err == nil {
			fmt.Println(buf.String())
		} else {
			fmt.Println(string(e.RawPayload))
		}
	}
	return nil
}
