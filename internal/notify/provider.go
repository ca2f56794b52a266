package notify

import "time"

// Provider defines the notification contract for load run events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// LoadStarted sends notification when a load run starts.
	LoadStarted(runID, mode string, entityCount int) error

	// LoadCompleted sends notification when a run finishes with a clean ledger.
	LoadCompleted(runID string, startTime time.Time, duration time.Duration, entityCount int, records int64) error

	// LoadCompletedWithErrors sends notification when a run finishes but left
	// unresolved entries in the error ledger.
	LoadCompletedWithErrors(runID string, startTime time.Time, duration time.Duration, records int64, unresolved int, failedEntities []string) error

	// LoadFailed sends notification when a run aborts.
	LoadFailed(runID string, err error, duration time.Duration) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
