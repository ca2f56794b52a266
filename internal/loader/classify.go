package loader

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/state"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// itemFailure is the classified outcome of one failed item.
type itemFailure struct {
	kind string
	ref  *state.Reference
}

// classifyPersist sorts a persist failure into its ledger kind. A missing
// parent row carries the reference the reprocessing sweep will wait on;
// other integrity failures are payload problems; a transient failure that
// survived the store's own retries is kept for a later manual replay.
// Anything else reaches past this one item, and persistAbort decides how far.
func classifyPersist(err error) (itemFailure, bool) {
	var cv *store.ConstraintViolation
	if errors.As(err, &cv) {
		f := itemFailure{kind: state.KindDependencyMissing}
		if cv.RefTable != "" {
			f.ref = &state.Reference{Type: cv.RefTable, ID: cv.RefValue}
		}
		return f, true
	}
	if store.IsIntegrityError(err) {
		return itemFailure{kind: state.KindValidation}, true
	}
	if store.IsTransientError(err) {
		return itemFailure{kind: state.KindTransientExhausted}, true
	}
	return itemFailure{}, false
}

// persistAbort scopes a persist failure that condemns more than one item.
// A statement the warehouse rejected (bad column, wrong type) ends this
// entity type's pass; a warehouse that cannot be reached ends the run.
func persistAbort(entityType, id string, cause error) error {
	wrapped := fmt.Errorf("persisting %s/%s: %w", entityType, id, cause)
	if store.IsStatementError(cause) {
		return wrapped
	}
	return &FatalError{Err: wrapped}
}

// fatalFetch reports whether a fetch failure ends the pass outright
// instead of being worth another page attempt. Bad credentials and a
// spent daily quota will fail every later fetch the same way.
func fatalFetch(err error) bool {
	return api.IsKind(err, api.KindAuth) || api.IsKind(err, api.KindQuotaExhausted)
}

// itemID pulls the upstream id out of a raw payload for ledger keys.
// Payloads without a usable id key the ledger entry by entity type alone.
func itemID(raw json.RawMessage) string {
	var probe struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID.String()
}
