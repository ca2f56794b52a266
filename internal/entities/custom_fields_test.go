package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/loader"
)

func TestCustomFieldTransformNameFallback(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"field name wins", `{"id": 7, "field_name": "Industry", "label": "Industry label"}`, "Industry"},
		{"label when field name empty", `{"id": 7, "field_name": "", "label": "Industry label"}`, "Industry label"},
		{"generated when both missing", `{"id": 7}`, "Field_7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := NewCustomFieldLoader(nil).Transform(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("Transform() error: %v", err)
			}
			if got := colValue(t, rec, "name"); got != tt.want {
				t.Errorf("name = %#v, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeFieldType(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"TextArea", "MULTILINE"},
		{"WholeNumber", "NUMBER"},
		{"Website", "URL"},
		{"Email", "EMAIL"},
		{"Text", "TEXT"},
		{"Currency", "CURRENCY"},
		{"DateTime", "DATETIME"},
		{"Morse", nil},
	}
	for _, tt := range tests {
		in := tt.in
		if got := normalizeFieldType(&in); got != tt.want {
			t.Errorf("normalizeFieldType(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
	if got := normalizeFieldType(nil); got != nil {
		t.Errorf("normalizeFieldType(nil) = %#v, want nil", got)
	}
}

func TestCustomFieldTransformDefaultValue(t *testing.T) {
	rec, err := NewCustomFieldLoader(nil).Transform(json.RawMessage(`{"id": 7, "default_value": 10}`))
	if err != nil {
		t.Fatalf("Transform() error: %v", err)
	}
	if got := colValue(t, rec, "default_value"); got != "10" {
		t.Errorf("default_value = %#v, want %q", got, "10")
	}

	rec, err = NewCustomFieldLoader(nil).Transform(json.RawMessage(`{"id": 7}`))
	if err != nil {
		t.Fatalf("Transform() error: %v", err)
	}
	if got := colValue(t, rec, "default_value"); got != nil {
		t.Errorf("default_value = %#v, want nil when absent", got)
	}
}

func TestCustomFieldFetchPage(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/contacts/model":
			fmt.Fprint(w, `{"custom_fields":[{"id":1,"field_name":"Industry"},{"id":2,"field_name":"Churn","record_type":"contact_scores"}]}`)
		case "/orders/model":
			http.Error(w, "no model here", http.StatusNotFound)
		default:
			fmt.Fprint(w, `{"custom_fields":[]}`)
		}
	}))
	defer server.Close()

	page, err := NewCustomFieldLoader(newTestClient(server.URL)).FetchPage(context.Background(), loader.Cursor{})
	if err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}

	// One model failing skips that model, not the whole fetch.
	if len(paths) != len(customFieldModels) {
		t.Errorf("model endpoints hit = %d, want %d", len(paths), len(customFieldModels))
	}
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(page.Items))
	}
	if page.HasMore() {
		t.Error("HasMore() = true, want false on the single page")
	}

	if !strings.Contains(string(page.Items[0]), `"record_type":"contacts"`) {
		t.Errorf("field without record_type not stamped with its model: %s", page.Items[0])
	}
	if !strings.Contains(string(page.Items[1]), `"record_type":"contact_scores"`) {
		t.Errorf("existing record_type was overwritten: %s", page.Items[1])
	}
}

func TestCustomFieldFetchPagePastFirstOffset(t *testing.T) {
	// Everything arrives on the first page; any later offset is the end of
	// the listing and must not touch the network.
	page, err := NewCustomFieldLoader(nil).FetchPage(context.Background(), loader.Cursor{Offset: 10})
	if err != nil {
		t.Fatalf("FetchPage() error: %v", err)
	}
	if len(page.Items) != 0 || page.HasMore() {
		t.Errorf("page = %+v, want empty final page", page)
	}
}

func TestCustomFieldFetchPageAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewCustomFieldLoader(newTestClient(server.URL)).FetchPage(context.Background(), loader.Cursor{})
	if err == nil {
		t.Fatal("expected auth failure to propagate")
	}
	if !api.IsKind(err, api.KindAuth) {
		t.Errorf("kind = %q, want %q", api.ErrorKind(err), api.KindAuth)
	}
}

func TestCustomFieldFetchByID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/opportunities/model" {
			fmt.Fprint(w, `{"custom_fields":[{"id":14,"field_name":"Deal size"}]}`)
			return
		}
		fmt.Fprint(w, `{"custom_fields":[]}`)
	}))
	defer server.Close()

	l := NewCustomFieldLoader(newTestClient(server.URL))

	raw, err := l.FetchByID(context.Background(), "14")
	if err != nil {
		t.Fatalf("FetchByID(14) error: %v", err)
	}
	if !strings.Contains(string(raw), `"Deal size"`) {
		t.Errorf("payload = %s, want the Deal size field", raw)
	}

	if _, err := l.FetchByID(context.Background(), "999"); !api.IsKind(err, api.KindNotFound) {
		t.Errorf("FetchByID(999) kind = %q, want %q", api.ErrorKind(err), api.KindNotFound)
	}
	if _, err := l.FetchByID(context.Background(), "fourteen"); !api.IsKind(err, api.KindNotFound) {
		t.Errorf("FetchByID(fourteen) kind = %q, want %q", api.ErrorKind(err), api.KindNotFound)
	}
}
