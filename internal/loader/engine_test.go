package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/state"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

type fakeLoader struct {
	entityType string
	deps       []string
	pages      []*api.Page
	fetchErr   error // returned for the errAt-th FetchPage call
	errAt      int
	calls      []Cursor
	byID       map[string]json.RawMessage
	transform  func(json.RawMessage) (*store.Record, error)
}

func (f *fakeLoader) EntityType() string     { return f.entityType }
func (f *fakeLoader) Dependencies() []string { return f.deps }

func (f *fakeLoader) FetchPage(_ context.Context, cur Cursor) (*api.Page, error) {
	f.calls = append(f.calls, cur)
	idx := len(f.calls) - 1
	if f.fetchErr != nil && idx == f.errAt {
		return nil, f.fetchErr
	}
	if idx >= len(f.pages) {
		return &api.Page{}, nil
	}
	return f.pages[idx], nil
}

func (f *fakeLoader) FetchByID(_ context.Context, id string) (json.RawMessage, error) {
	raw, ok := f.byID[id]
	if !ok {
		return nil, &api.Error{Kind: api.KindNotFound, StatusCode: 404, Message: "resource not found"}
	}
	return raw, nil
}

func (f *fakeLoader) Transform(raw json.RawMessage) (*store.Record, error) {
	if f.transform != nil {
		return f.transform(raw)
	}
	return idOnlyRecord(f.entityType, raw)
}

// idOnlyRecord maps {"id": N} onto a one-column row.
func idOnlyRecord(table string, raw json.RawMessage) (*store.Record, error) {
	var probe struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	return &store.Record{
		Table:      table,
		KeyColumns: []string{"id"},
		Columns:    []string{"id"},
		Values:     []any{probe.ID},
	}, nil
}

type fakeWarehouse struct {
	rows    map[string]bool
	failFor map[string]error // "table/id"
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{rows: make(map[string]bool), failFor: make(map[string]error)}
}

func (w *fakeWarehouse) Upsert(_ context.Context, rec *store.Record) error {
	key := fmt.Sprintf("%s/%v", rec.Table, rec.Values[0])
	if err, ok := w.failFor[key]; ok {
		return err
	}
	w.rows[key] = true
	return nil
}

func (w *fakeWarehouse) Exists(_ context.Context, table, id string) (bool, error) {
	return w.rows[table+"/"+id], nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeWarehouse, state.Backend) {
	t.Helper()
	st, err := state.New(t.TempDir())
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	wh := newFakeWarehouse()
	return NewEngine(wh, st, nil), wh, st
}

func rawItem(id int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%d}`, id))
}

func page(next string, count int, ids ...int) *api.Page {
	p := &api.Page{Count: count, Next: next}
	for _, id := range ids {
		p.Items = append(p.Items, rawItem(id))
	}
	return p
}

func TestLoadEntityPagesToCompletion(t *testing.T) {
	eng, wh, st := newTestEngine(t)
	fl := &fakeLoader{
		entityType: "contacts",
		pages: []*api.Page{
			page("https://api.example.com/v1/contacts?offset=3&limit=3", 5, 1, 2, 3),
			page("", 5, 4, 5),
		},
	}

	outcome, err := eng.LoadEntity(context.Background(), fl, ModeFull)
	if err != nil {
		t.Fatalf("LoadEntity: %v", err)
	}
	if outcome.Succeeded != 5 || outcome.Failed != 0 || outcome.Skipped != 0 {
		t.Errorf("outcome = %+v, want 5/0/0", outcome)
	}

	if len(fl.calls) != 2 {
		t.Fatalf("fetch calls = %d, want 2", len(fl.calls))
	}
	if fl.calls[0].Offset != 0 || fl.calls[1].Offset != 3 {
		t.Errorf("fetch offsets = %d, %d, want 0, 3", fl.calls[0].Offset, fl.calls[1].Offset)
	}
	if !wh.rows["contacts/5"] {
		t.Error("contacts/5 not persisted")
	}

	cp, err := st.GetCheckpoint("contacts")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp == nil {
		t.Fatal("checkpoint missing after load")
	}
	cur, err := ParseCursor(cp.Cursor)
	if err != nil {
		t.Fatalf("ParseCursor: %v", err)
	}
	if !cur.Completed || cur.LastSynced.IsZero() {
		t.Errorf("final cursor = %+v, want completed with watermark", cur)
	}
	if cp.Mode != "full" {
		t.Errorf("checkpoint mode = %q, want full", cp.Mode)
	}
}

func TestLoadEntityItemFailuresContinue(t *testing.T) {
	eng, wh, st := newTestEngine(t)
	fl := &fakeLoader{entityType: "orders", pages: []*api.Page{page("", 4, 1, 2, 3, 4)}}
	fl.transform = func(raw json.RawMessage) (*store.Record, error) {
		if strings.Contains(string(raw), `"id":2`) {
			return nil, errors.New("parsing order_date: bad timestamp")
		}
		return idOnlyRecord("orders", raw)
	}
	wh.failFor["orders/3"] = &store.ConstraintViolation{
		Table: "orders", Column: "contact_id", RefValue: "55", RefTable: "contacts",
	}
	wh.failFor["orders/4"] = &pgconn.PgError{Code: "23502", Message: "null value in column"}

	outcome, err := eng.LoadEntity(context.Background(), fl, ModeFull)
	if err != nil {
		t.Fatalf("LoadEntity: %v", err)
	}
	if outcome.Succeeded != 1 || outcome.Failed != 3 {
		t.Errorf("outcome = %+v, want 1 succeeded, 3 failed", outcome)
	}

	recs, err := st.ListErrors(state.ErrorFilter{})
	if err != nil {
		t.Fatalf("ListErrors: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("ledger entries = %d, want 3", len(recs))
	}
	byID := make(map[string]state.ErrorRecord)
	for _, r := range recs {
		byID[r.EntityID] = r
	}
	if r := byID["2"]; r.Kind != state.KindValidation || !strings.Contains(string(r.RawPayload), `"id":2`) {
		t.Errorf("entry for item 2 = %+v", r)
	}
	if r := byID["3"]; r.Kind != state.KindDependencyMissing || r.RefType != "contacts" || r.RefID != "55" {
		t.Errorf("entry for item 3 = %+v", r)
	}
	if r := byID["4"]; r.Kind != state.KindValidation {
		t.Errorf("entry for item 4 = %+v", r)
	}

	// One bad page never blocks the checkpoint.
	cp, err := st.GetCheckpoint("orders")
	if err != nil || cp == nil {
		t.Fatalf("GetCheckpoint: %v, %v", cp, err)
	}
	cur, _ := ParseCursor(cp.Cursor)
	if !cur.Completed {
		t.Errorf("cursor = %+v, want completed", cur)
	}
}

func TestLoadEntitySkippedItems(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	fl := &fakeLoader{entityType: "tags", pages: []*api.Page{page("", 3, 1, 2, 3)}}
	fl.transform = func(raw json.RawMessage) (*store.Record, error) {
		if strings.Contains(string(raw), `"id":2`) {
			return nil, nil
		}
		return idOnlyRecord("tags", raw)
	}

	outcome, err := eng.LoadEntity(context.Background(), fl, ModeFull)
	if err != nil {
		t.Fatalf("LoadEntity: %v", err)
	}
	if outcome.Succeeded != 2 || outcome.Skipped != 1 {
		t.Errorf("outcome = %+v, want 2 succeeded, 1 skipped", outcome)
	}
}

func TestLoadEntityFatalPersist(t *testing.T) {
	eng, wh, st := newTestEngine(t)
	fl := &fakeLoader{entityType: "contacts", pages: []*api.Page{page("", 2, 1, 2)}}
	wh.failFor["contacts/1"] = errors.New("connection refused")

	outcome, err := eng.LoadEntity(context.Background(), fl, ModeFull)
	if err == nil {
		t.Fatal("LoadEntity succeeded, want fatal error")
	}
	if !IsFatal(err) {
		t.Errorf("IsFatal = false for %v", err)
	}
	if outcome.Succeeded != 0 {
		t.Errorf("outcome = %+v", outcome)
	}

	cp, err := st.GetCheckpoint("contacts")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp != nil {
		t.Errorf("checkpoint advanced past an unpersisted page: %+v", cp)
	}
}

func TestLoadEntityStatementRejection(t *testing.T) {
	eng, wh, st := newTestEngine(t)
	fl := &fakeLoader{entityType: "contacts", pages: []*api.Page{page("", 2, 1, 2)}}
	wh.failFor["contacts/1"] = &pgconn.PgError{Code: "42703", Message: `column "given_name" does not exist`}

	_, err := eng.LoadEntity(context.Background(), fl, ModeFull)
	if err == nil {
		t.Fatal("LoadEntity succeeded, want error")
	}
	if IsFatal(err) {
		t.Errorf("statement rejection treated as run fatal: %v", err)
	}

	recs, err := st.ListErrors(state.ErrorFilter{})
	if err != nil {
		t.Fatalf("ListErrors: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("ledger entries = %d, want none for an aborted pass", len(recs))
	}
}

func TestLoadEntityTransientPersistLedgered(t *testing.T) {
	eng, wh, st := newTestEngine(t)
	fl := &fakeLoader{entityType: "contacts", pages: []*api.Page{page("", 2, 1, 2)}}
	wh.failFor["contacts/1"] = &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}

	outcome, err := eng.LoadEntity(context.Background(), fl, ModeFull)
	if err != nil {
		t.Fatalf("LoadEntity: %v", err)
	}
	if outcome.Succeeded != 1 || outcome.Failed != 1 {
		t.Errorf("outcome = %+v, want 1 succeeded, 1 failed", outcome)
	}

	recs, err := st.ListErrors(state.ErrorFilter{})
	if err != nil {
		t.Fatalf("ListErrors: %v", err)
	}
	if len(recs) != 1 || recs[0].Kind != state.KindTransientExhausted {
		t.Fatalf("ledger = %+v, want one transient_exhausted entry", recs)
	}

	cp, err := st.GetCheckpoint("contacts")
	if err != nil || cp == nil {
		t.Fatalf("GetCheckpoint: %v, %v", cp, err)
	}
	cur, _ := ParseCursor(cp.Cursor)
	if !cur.Completed {
		t.Errorf("cursor = %+v, want completed", cur)
	}
}

func TestLoadEntityFetchFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantFatal bool
	}{
		{"server exhausted", &api.Error{Kind: api.KindServer, StatusCode: 502, Message: "bad gateway"}, false},
		{"auth rejected", &api.Error{Kind: api.KindAuth, StatusCode: 401, Message: "authentication rejected"}, true},
		{"quota spent", &api.Error{Kind: api.KindQuotaExhausted, StatusCode: 429, Message: "daily API quota exhausted"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, _, _ := newTestEngine(t)
			fl := &fakeLoader{entityType: "tasks", fetchErr: tt.err}

			_, err := eng.LoadEntity(context.Background(), fl, ModeFull)
			if err == nil {
				t.Fatal("LoadEntity succeeded, want error")
			}
			if IsFatal(err) != tt.wantFatal {
				t.Errorf("IsFatal = %v, want %v", IsFatal(err), tt.wantFatal)
			}
		})
	}
}

func TestLoadEntityResumesInterruptedPass(t *testing.T) {
	eng, _, st := newTestEngine(t)
	if err := st.AdvanceCheckpoint("contacts", Cursor{Offset: 3}.Encode(), "full"); err != nil {
		t.Fatalf("AdvanceCheckpoint: %v", err)
	}

	fl := &fakeLoader{entityType: "contacts", pages: []*api.Page{page("", 5, 4, 5)}}
	if _, err := eng.LoadEntity(context.Background(), fl, ModeFull); err != nil {
		t.Fatalf("LoadEntity: %v", err)
	}
	if fl.calls[0].Offset != 3 {
		t.Errorf("resume offset = %d, want 3", fl.calls[0].Offset)
	}
}

func TestLoadEntityFullIgnoresInterruptedIncremental(t *testing.T) {
	eng, _, st := newTestEngine(t)
	if err := st.AdvanceCheckpoint("contacts", Cursor{Offset: 7}.Encode(), "incremental"); err != nil {
		t.Fatalf("AdvanceCheckpoint: %v", err)
	}

	fl := &fakeLoader{entityType: "contacts", pages: []*api.Page{page("", 1, 1)}}
	if _, err := eng.LoadEntity(context.Background(), fl, ModeFull); err != nil {
		t.Fatalf("LoadEntity: %v", err)
	}
	if fl.calls[0].Offset != 0 {
		t.Errorf("start offset = %d, want 0", fl.calls[0].Offset)
	}
}

func TestLoadEntityIncrementalWatermark(t *testing.T) {
	eng, _, st := newTestEngine(t)
	watermark := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := Cursor{LastSynced: watermark, Completed: true}
	if err := st.AdvanceCheckpoint("tasks", seed.Encode(), "full"); err != nil {
		t.Fatalf("AdvanceCheckpoint: %v", err)
	}

	fl := &fakeLoader{entityType: "tasks", pages: []*api.Page{page("", 1, 1)}}
	if _, err := eng.LoadEntity(context.Background(), fl, ModeIncremental); err != nil {
		t.Fatalf("LoadEntity: %v", err)
	}
	if got := fl.calls[0].LastSynced; !got.Equal(watermark) {
		t.Errorf("since = %v, want %v", got, watermark)
	}
	if fl.calls[0].Offset != 0 {
		t.Errorf("start offset = %d, want 0", fl.calls[0].Offset)
	}

	cp, _ := st.GetCheckpoint("tasks")
	cur, _ := ParseCursor(cp.Cursor)
	if !cur.Completed || !cur.LastSynced.After(watermark) {
		t.Errorf("final cursor = %+v, want advanced watermark", cur)
	}

	// A full pass over the same checkpoint drops the since filter.
	fl2 := &fakeLoader{entityType: "tasks", pages: []*api.Page{page("", 1, 1)}}
	if _, err := eng.LoadEntity(context.Background(), fl2, ModeFull); err != nil {
		t.Fatalf("LoadEntity: %v", err)
	}
	if !fl2.calls[0].LastSynced.IsZero() {
		t.Errorf("full pass since = %v, want zero", fl2.calls[0].LastSynced)
	}
}

func TestLoadByID(t *testing.T) {
	eng, wh, st := newTestEngine(t)
	fl := &fakeLoader{
		entityType: "contacts",
		byID:       map[string]json.RawMessage{"7": rawItem(7)},
	}

	outcome, err := eng.LoadByID(context.Background(), fl, "7")
	if err != nil {
		t.Fatalf("LoadByID: %v", err)
	}
	if outcome.Succeeded != 1 {
		t.Errorf("outcome = %+v, want 1 succeeded", outcome)
	}
	if !wh.rows["contacts/7"] {
		t.Error("contacts/7 not persisted")
	}

	if _, err := eng.LoadByID(context.Background(), fl, "8"); err == nil {
		t.Fatal("LoadByID succeeded for missing id")
	} else if IsFatal(err) {
		t.Errorf("not_found treated as fatal: %v", err)
	}

	wh.failFor["contacts/7"] = &store.ConstraintViolation{
		Table: "contacts", Column: "lead_source_id", RefValue: "9", RefTable: "lead_sources",
	}
	outcome, err = eng.LoadByID(context.Background(), fl, "7")
	if err != nil {
		t.Fatalf("LoadByID: %v", err)
	}
	if outcome.Failed != 1 {
		t.Errorf("outcome = %+v, want 1 failed", outcome)
	}
	recs, _ := st.ListErrors(state.ErrorFilter{})
	if len(recs) != 1 || recs[0].RefType != "lead_sources" {
		t.Errorf("ledger = %+v, want one entry referencing lead_sources", recs)
	}
}

func TestLoadEntityCancelledContext(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fl := &fakeLoader{entityType: "contacts", pages: []*api.Page{page("", 1, 1)}}
	_, err := eng.LoadEntity(ctx, fl, ModeFull)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if IsFatal(err) {
		t.Error("cancellation treated as fatal")
	}
}

func TestParseCursor(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Cursor
		wantErr bool
	}{
		{"empty", "", Cursor{}, false},
		{"offset only", `{"offset":50,"completed":false}`, Cursor{Offset: 50}, false},
		{"completed", `{"offset":0,"completed":true}`, Cursor{Completed: true}, false},
		{"garbage", "not json", Cursor{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCursor(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("ParseCursor succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCursor: %v", err)
			}
			if got != tt.want {
				t.Errorf("cursor = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	in := Cursor{Offset: 150, LastSynced: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), Completed: true}
	got, err := ParseCursor(in.Encode())
	if err != nil {
		t.Fatalf("ParseCursor: %v", err)
	}
	if !got.LastSynced.Equal(in.LastSynced) || got.Offset != in.Offset || got.Completed != in.Completed {
		t.Errorf("round trip = %+v, want %+v", got, in)
	}
}
