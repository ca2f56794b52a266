package state

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FileState implements Backend using a single YAML file.
// Designed for Airflow and headless environments where SQLite is impractical.
// It tracks checkpoints and the ledger in full but only the most recent run.
type FileState struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
}

// fileStateData is the YAML structure for the state file.
type fileStateData struct {
	Checkpoints map[string]fileCheckpoint `yaml:"checkpoints"`
	LastErrorID int64                     `yaml:"last_error_id"`
	Errors      []*fileError              `yaml:"errors,omitempty"`
	Run         *fileRun                  `yaml:"run,omitempty"`
}

type fileCheckpoint struct {
	Cursor    string    `yaml:"cursor"`
	Mode      string    `yaml:"mode"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

type fileError struct {
	ID            int64     `yaml:"id"`
	EntityType    string    `yaml:"entity_type"`
	EntityID      string    `yaml:"entity_id"`
	Kind          string    `yaml:"kind"`
	Message       string    `yaml:"message,omitempty"`
	RawPayload    string    `yaml:"raw_payload,omitempty"`
	RefType       string    `yaml:"ref_type,omitempty"`
	RefID         string    `yaml:"ref_id,omitempty"`
	RetryCount    int       `yaml:"retry_count"`
	FirstSeenAt   time.Time `yaml:"first_seen_at"`
	LastAttemptAt time.Time `yaml:"last_attempt_at"`
	Resolved      bool      `yaml:"resolved"`
	Permanent     bool      `yaml:"permanent,omitempty"`
}

type fileRun struct {
	ID          string             `yaml:"id"`
	Mode        string             `yaml:"mode"`
	Entities    []string           `yaml:"entities"`
	StartedAt   time.Time          `yaml:"started_at"`
	CompletedAt *time.Time         `yaml:"completed_at,omitempty"`
	Status      string             `yaml:"status"` // running, success, completed_with_errors, failed
	Error       string             `yaml:"error,omitempty"`
	Results     []fileEntityResult `yaml:"results,omitempty"`
}

type fileEntityResult struct {
	EntityType string `yaml:"entity_type"`
	Status     string `yaml:"status"`
	Succeeded  int    `yaml:"succeeded"`
	Failed     int    `yaml:"failed"`
	Skipped    int    `yaml:"skipped"`
	Error      string `yaml:"error,omitempty"`
}

// NewFileState creates a file-based state manager.
// If the file exists, it loads the existing state.
func NewFileState(path string) (*FileState, error) {
	fs := &FileState{
		path: path,
		state: &fileStateData{
			Checkpoints: make(map[string]fileCheckpoint),
		},
	}

	// Load existing state if file exists
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading state file: %w", err)
		}
		if err := yaml.Unmarshal(data, fs.state); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
		if fs.state.Checkpoints == nil {
			fs.state.Checkpoints = make(map[string]fileCheckpoint)
		}
	}

	return fs, nil
}

// save writes the current state to the YAML file.
func (fs *FileState) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := os.WriteFile(fs.path, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// GetCheckpoint returns the checkpoint for an entity type, nil when absent.
func (fs *FileState) GetCheckpoint(entityType string) (*Checkpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	cp, ok := fs.state.Checkpoints[entityType]
	if !ok {
		return nil, nil
	}
	return &Checkpoint{
		EntityType: entityType,
		Cursor:     cp.Cursor,
		Mode:       cp.Mode,
		UpdatedAt:  cp.UpdatedAt,
	}, nil
}

// AdvanceCheckpoint durably replaces the cursor for an entity type.
func (fs *FileState) AdvanceCheckpoint(entityType, cursor, mode string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.state.Checkpoints[entityType] = fileCheckpoint{
		Cursor:    cursor,
		Mode:      mode,
		UpdatedAt: time.Now().UTC(),
	}
	return fs.save()
}

// ResetCheckpoint removes the checkpoint for an entity type.
func (fs *FileState) ResetCheckpoint(entityType string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	delete(fs.state.Checkpoints, entityType)
	return fs.save()
}

// ListCheckpoints returns all checkpoints ordered by entity type.
func (fs *FileState) ListCheckpoints() ([]Checkpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var cps []Checkpoint
	for entityType, cp := range fs.state.Checkpoints {
		cps = append(cps, Checkpoint{
			EntityType: entityType,
			Cursor:     cp.Cursor,
			Mode:       cp.Mode,
			UpdatedAt:  cp.UpdatedAt,
		})
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].EntityType < cps[j].EntityType })
	return cps, nil
}

// AppendError upserts a ledger entry keyed by (entity_type, entity_id),
// mirroring the SQLite backend's supersede semantics.
func (fs *FileState) AppendError(rec *ErrorRecord) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := time.Now().UTC()
	for _, fe := range fs.state.Errors {
		if fe.EntityType != rec.EntityType || fe.EntityID != rec.EntityID {
			continue
		}
		if fe.Permanent {
			rec.ID = fe.ID
			return fe.ID, nil
		}
		fe.Kind = rec.Kind
		fe.Message = rec.Message
		fe.RawPayload = string(rec.RawPayload)
		fe.RefType = rec.RefType
		fe.RefID = rec.RefID
		fe.LastAttemptAt = now
		if fe.Resolved {
			fe.RetryCount = 0
		}
		fe.Resolved = false
		rec.ID = fe.ID
		return fe.ID, fs.save()
	}

	fs.state.LastErrorID++
	fe := &fileError{
		ID:            fs.state.LastErrorID,
		EntityType:    rec.EntityType,
		EntityID:      rec.EntityID,
		Kind:          rec.Kind,
		Message:       rec.Message,
		RawPayload:    string(rec.RawPayload),
		RefType:       rec.RefType,
		RefID:         rec.RefID,
		FirstSeenAt:   now,
		LastAttemptAt: now,
	}
	fs.state.Errors = append(fs.state.Errors, fe)
	rec.ID = fe.ID
	return fe.ID, fs.save()
}

// GetError returns one ledger entry by id, nil when absent.
func (fs *FileState) GetError(id int64) (*ErrorRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	for _, fe := range fs.state.Errors {
		if fe.ID == id {
			return fe.toRecord(), nil
		}
	}
	return nil, nil
}

// ListErrors returns ledger entries, unresolved ones by default.
func (fs *FileState) ListErrors(filter ErrorFilter) ([]ErrorRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var recs []ErrorRecord
	for _, fe := range fs.state.Errors {
		if fe.Resolved && !filter.IncludeResolved {
			continue
		}
		if filter.EntityType != "" && fe.EntityType != filter.EntityType {
			continue
		}
		recs = append(recs, *fe.toRecord())
	}
	return recs, nil
}

// ListErrorsByReference returns the unresolved, retryable entries blocked on
// one missing reference.
func (fs *FileState) ListErrorsByReference(refType, refID string) ([]ErrorRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var recs []ErrorRecord
	for _, fe := range fs.state.Errors {
		if fe.Resolved || fe.Permanent {
			continue
		}
		if fe.RefType == refType && fe.RefID == refID {
			recs = append(recs, *fe.toRecord())
		}
	}
	return recs, nil
}

// DistinctMissingReferences returns each reference at least one retryable
// entry is waiting on.
func (fs *FileState) DistinctMissingReferences() ([]Reference, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	seen := make(map[Reference]bool)
	for _, fe := range fs.state.Errors {
		if fe.Resolved || fe.Permanent || fe.RefType == "" {
			continue
		}
		seen[Reference{Type: fe.RefType, ID: fe.RefID}] = true
	}

	refs := make([]Reference, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})
	return refs, nil
}

// MarkErrorResolved closes a ledger entry after a successful retry.
func (fs *FileState) MarkErrorResolved(id int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, fe := range fs.state.Errors {
		if fe.ID == id {
			fe.Resolved = true
			fe.LastAttemptAt = time.Now().UTC()
			return fs.save()
		}
	}
	return nil
}

// IncrementErrorRetry bumps the retry count and returns the new value.
func (fs *FileState) IncrementErrorRetry(id int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, fe := range fs.state.Errors {
		if fe.ID == id {
			fe.RetryCount++
			fe.LastAttemptAt = time.Now().UTC()
			return fe.RetryCount, fs.save()
		}
	}
	return 0, fmt.Errorf("error record %d not found", id)
}

// MarkErrorPermanent parks an entry in the terminal manual-review state.
func (fs *FileState) MarkErrorPermanent(id int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, fe := range fs.state.Errors {
		if fe.ID == id {
			fe.Permanent = true
			return fs.save()
		}
	}
	return nil
}

// CountUnresolvedErrors counts open ledger entries, permanent ones included.
func (fs *FileState) CountUnresolvedErrors() (int, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	count := 0
	for _, fe := range fs.state.Errors {
		if !fe.Resolved {
			count++
		}
	}
	return count, nil
}

// CreateRun records the start of a load run. The file backend tracks only
// the most recent run.
func (fs *FileState) CreateRun(id, mode string, entities []string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.state.Run = &fileRun{
		ID:        id,
		Mode:      mode,
		Entities:  entities,
		StartedAt: time.Now().UTC(),
		Status:    "running",
	}
	return fs.save()
}

// CompleteRun marks the run as complete.
func (fs *FileState) CompleteRun(id, status, errorMsg string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.state.Run == nil || fs.state.Run.ID != id {
		return fmt.Errorf("run ID mismatch: expected %s", id)
	}

	now := time.Now().UTC()
	fs.state.Run.Status = status
	fs.state.Run.CompletedAt = &now
	fs.state.Run.Error = errorMsg
	return fs.save()
}

// RecordEntityResult upserts the per-entity-type outcome for the run.
func (fs *FileState) RecordEntityResult(res *EntityResult) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.state.Run == nil || fs.state.Run.ID != res.RunID {
		return fmt.Errorf("run ID mismatch: expected %s", res.RunID)
	}

	fr := fileEntityResult{
		EntityType: res.EntityType,
		Status:     res.Status,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Skipped:    res.Skipped,
		Error:      res.Error,
	}
	for i, existing := range fs.state.Run.Results {
		if existing.EntityType == res.EntityType {
			fs.state.Run.Results[i] = fr
			return fs.save()
		}
	}
	fs.state.Run.Results = append(fs.state.Run.Results, fr)
	return fs.save()
}

// GetRun returns the run if it matches, nil otherwise.
func (fs *FileState) GetRun(id string) (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.Run == nil || fs.state.Run.ID != id {
		return nil, nil
	}
	return fs.state.Run.toRun(), nil
}

// GetLastRun returns the tracked run, nil when there is none.
func (fs *FileState) GetLastRun() (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.Run == nil {
		return nil, nil
	}
	return fs.state.Run.toRun(), nil
}

// GetAllRuns returns the tracked run only (file state doesn't keep history).
func (fs *FileState) GetAllRuns() ([]Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.Run == nil {
		return nil, nil
	}
	return []Run{*fs.state.Run.toRun()}, nil
}

// GetEntityResults returns the run's per-entity outcomes in load order.
func (fs *FileState) GetEntityResults(runID string) ([]EntityResult, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.Run == nil || fs.state.Run.ID != runID {
		return nil, nil
	}

	var results []EntityResult
	for _, fr := range fs.state.Run.Results {
		results = append(results, EntityResult{
			RunID:      runID,
			EntityType: fr.EntityType,
			Status:     fr.Status,
			Succeeded:  fr.Succeeded,
			Failed:     fr.Failed,
			Skipped:    fr.Skipped,
			Error:      fr.Error,
		})
	}
	return results, nil
}

// Close is a no-op for file state.
func (fs *FileState) Close() error {
	return nil
}

// Path returns the state file path.
func (fs *FileState) Path() string {
	return fs.path
}

func (fe *fileError) toRecord() *ErrorRecord {
	return &ErrorRecord{
		ID:            fe.ID,
		EntityType:    fe.EntityType,
		EntityID:      fe.EntityID,
		Kind:          fe.Kind,
		Message:       fe.Message,
		RawPayload:    []byte(fe.RawPayload),
		RefType:       fe.RefType,
		RefID:         fe.RefID,
		RetryCount:    fe.RetryCount,
		FirstSeenAt:   fe.FirstSeenAt,
		LastAttemptAt: fe.LastAttemptAt,
		Resolved:      fe.Resolved,
		Permanent:     fe.Permanent,
	}
}

func (fr *fileRun) toRun() *Run {
	return &Run{
		ID:          fr.ID,
		Mode:        fr.Mode,
		Entities:    fr.Entities,
		StartedAt:   fr.StartedAt,
		CompletedAt: fr.CompletedAt,
		Status:      fr.Status,
		Error:       fr.Error,
	}
}

// Ensure FileState implements Backend
var _ Backend = (*FileState)(nil)
