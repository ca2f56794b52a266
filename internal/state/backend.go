package state

import "time"

// Ledger error kinds.
const (
	// KindDependencyMissing - persist failed on a foreign key because the
	// referenced record has not been loaded yet. Carries a Reference and is
	// retried by the reprocessing sweep once the parent exists.
	KindDependencyMissing = "dependency_missing"
	// KindValidation - the payload could not be transformed into a warehouse
	// row. Never retried automatically.
	KindValidation = "validation"
	// KindTransientExhausted - fetch or persist kept failing transiently
	// until the retry budget ran out.
	KindTransientExhausted = "transient_exhausted"
)

// Checkpoint is the durable paging cursor for one entity type.
type Checkpoint struct {
	EntityType string
	Cursor     string // opaque JSON owned by the load engine
	Mode       string // "full" or "incremental"
	UpdatedAt  time.Time
}

// Reference identifies the upstream record a ledger entry is waiting on.
type Reference struct {
	Type string // referenced entity type, doubles as the warehouse table name
	ID   string
}

// ErrorRecord is one ledger entry: a source item that could not be loaded.
// The raw payload is kept so reprocessing can replay the transform without
// refetching from the API.
type ErrorRecord struct {
	ID            int64
	EntityType    string
	EntityID      string
	Kind          string
	Message       string
	RawPayload    []byte
	RefType       string // set only for dependency_missing
	RefID         string
	RetryCount    int
	FirstSeenAt   time.Time
	LastAttemptAt time.Time
	Resolved      bool
	Permanent     bool
}

// Ref returns the missing reference, if the record carries one.
func (r *ErrorRecord) Ref() (Reference, bool) {
	if r.RefType == "" {
		return Reference{}, false
	}
	return Reference{Type: r.RefType, ID: r.RefID}, true
}

// ErrorFilter narrows ListErrors. The zero value lists every unresolved
// entry, permanent ones included.
type ErrorFilter struct {
	EntityType      string
	IncludeResolved bool
}

// Run is one orchestrated load run.
type Run struct {
	ID          string
	Mode        string
	Entities    []string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string // running, success, completed_with_errors, failed
	Error       string
}

// EntityResult is the per-entity-type outcome inside a run.
type EntityResult struct {
	RunID      string
	EntityType string
	Status     string // success, completed_with_errors, failed
	Succeeded  int
	Failed     int
	Skipped    int
	Error      string
}

// Backend persists checkpoints, the error ledger, and run history.
// Implementations include SQLite (full featured) and file-based (minimal,
// for Airflow-style environments).
type Backend interface {
	// Checkpoints
	GetCheckpoint(entityType string) (*Checkpoint, error) // nil when absent
	AdvanceCheckpoint(entityType, cursor, mode string) error
	ResetCheckpoint(entityType string) error
	ListCheckpoints() ([]Checkpoint, error)

	// Error ledger. AppendError upserts on (entity_type, entity_id): a fresh
	// failure for an item supersedes its previous entry instead of piling up
	// duplicates. Permanent entries are left untouched.
	AppendError(rec *ErrorRecord) (int64, error)
	GetError(id int64) (*ErrorRecord, error)
	ListErrors(filter ErrorFilter) ([]ErrorRecord, error)
	ListErrorsByReference(refType, refID string) ([]ErrorRecord, error)
	DistinctMissingReferences() ([]Reference, error)
	MarkErrorResolved(id int64) error
	IncrementErrorRetry(id int64) (int, error) // returns the new count
	MarkErrorPermanent(id int64) error
	CountUnresolvedErrors() (int, error)

	// Run history
	CreateRun(id, mode string, entities []string) error
	CompleteRun(id, status, errorMsg string) error
	RecordEntityResult(res *EntityResult) error
	GetRun(id string) (*Run, error)
	GetLastRun() (*Run, error)
	GetAllRuns() ([]Run, error)
	GetEntityResults(runID string) ([]EntityResult, error)

	// Lifecycle
	Close() error
}
