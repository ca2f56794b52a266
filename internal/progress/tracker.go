package progress

import (
	"fmt"
	"time"

	"github.com/johndauphine/crm-pg-loader/internal/logging"
	"github.com/schollz/progressbar/v3"
)

// Tracker renders a progress bar for the entity type currently loading
// and keeps a run-wide record count. Entity types load sequentially, so
// at most one bar is live at a time.
type Tracker struct {
	bar       *progressbar.ProgressBar
	processed int64
	startTime time.Time
}

// New creates a run-scoped progress tracker.
func New() *Tracker {
	return &Tracker{startTime: time.Now()}
}

// StartEntity opens a bar for the next entity type. total is the record
// count the API reported on the first page; zero renders as a spinner.
func (t *Tracker) StartEntity(entityType string, total int) {
	t.bar = progressbar.NewOptions64(
		int64(total),
		progressbar.OptionSetDescription(fmt.Sprintf("Loading %s", entityType)),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add advances the live bar and the run total.
func (t *Tracker) Add(n int) {
	t.processed += int64(n)
	if t.bar != nil {
		t.bar.Add64(int64(n))
	}
}

// FinishEntity closes the live bar.
func (t *Tracker) FinishEntity() {
	if t.bar != nil {
		t.bar.Finish()
		fmt.Println()
		t.bar = nil
	}
}

// Current returns the number of records processed so far.
func (t *Tracker) Current() int64 {
	return t.processed
}

// Finish closes any live bar and logs the run summary.
func (t *Tracker) Finish() {
	t.FinishEntity()

	elapsed := time.Since(t.startTime)
	recsPerSec := float64(t.processed) / elapsed.Seconds()
	logging.Info("Load complete: %d records in %s (%.0f records/sec)",
		t.processed, elapsed.Round(time.Second), recsPerSec)
}
