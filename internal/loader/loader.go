// Package loader runs the fetch, transform, persist loop for one entity
// type. Per-item failures become error ledger entries instead of aborting
// the page, so one bad record never stalls a load.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// Mode selects how much of an entity's history a pass fetches.
type Mode string

const (
	// ModeFull pages through every record from offset zero.
	ModeFull Mode = "full"
	// ModeIncremental fetches only records modified since the last
	// completed pass. Without a checkpoint it behaves like a full pass.
	ModeIncremental Mode = "incremental"
)

// EntityLoader is implemented once per CRM entity type. Implementations
// hold the API client and know their resource path, envelope key, and how
// a wire payload maps onto warehouse rows.
type EntityLoader interface {
	// EntityType names the type. It doubles as the warehouse table name.
	EntityType() string

	// Dependencies lists entity types that must load before this one.
	Dependencies() []string

	// FetchPage fetches the page at cur.Offset, filtered to records
	// modified after cur.LastSynced when that is set.
	FetchPage(ctx context.Context, cur Cursor) (*api.Page, error)

	// FetchByID fetches one record by its upstream id.
	FetchByID(ctx context.Context, id string) (json.RawMessage, error)

	// Transform maps a wire payload onto warehouse rows. It must be pure;
	// reprocessing replays it against payloads stored in the ledger.
	// Returning (nil, nil) skips the item.
	Transform(raw json.RawMessage) (*store.Record, error)
}

// Cursor is the resume position stored in a checkpoint. The encoded form
// is JSON so checkpoints stay readable straight from the state store.
// Cursors order by (LastSynced, Offset): the offset climbs within a pass,
// and completing a pass moves the watermark forward.
type Cursor struct {
	Offset     int       `json:"offset"`
	LastSynced time.Time `json:"last_synced,omitzero"`
	Completed  bool      `json:"completed"`
}

// ParseCursor decodes an encoded checkpoint cursor. An empty string
// decodes to the zero cursor.
func ParseCursor(s string) (Cursor, error) {
	var c Cursor
	if s == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Cursor{}, fmt.Errorf("parsing cursor %q: %w", s, err)
	}
	return c, nil
}

// Encode returns the JSON form stored in the checkpoint.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return string(b)
}

// LoadOutcome summarizes one load pass over an entity type.
type LoadOutcome struct {
	EntityType string `json:"entity_type"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
}

// FatalError wraps a failure no amount of per-item retrying can fix, such
// as rejected credentials, an exhausted quota, or a warehouse that stopped
// answering. It ends the current entity pass immediately; the orchestrator
// decides whether the rest of the run can still proceed.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
