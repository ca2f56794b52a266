package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/loader"
	"github.com/johndauphine/crm-pg-loader/internal/logging"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// customFieldModels are the entity models that carry custom field
// definitions. Each model endpoint returns its full set in one response.
var customFieldModels = []string{"contacts", "companies", "opportunities", "orders", "subscriptions"}

// CustomFieldLoader pulls custom field definitions from every entity model.
// The model endpoints are not paginated, so the whole set arrives as a
// single page. A model that fails to fetch is logged and skipped; field
// definitions from the other models still load.
type CustomFieldLoader struct {
	client *api.Client
}

func NewCustomFieldLoader(client *api.Client) *CustomFieldLoader {
	return &CustomFieldLoader{client: client}
}

func (l *CustomFieldLoader) EntityType() string { return "custom_fields" }

func (l *CustomFieldLoader) Dependencies() []string { return nil }

func (l *CustomFieldLoader) FetchPage(ctx context.Context, cur loader.Cursor) (*api.Page, error) {
	if cur.Offset > 0 {
		return &api.Page{}, nil
	}

	var items []json.RawMessage
	for _, model := range customFieldModels {
		fields, err := l.fetchModel(ctx, model)
		if err != nil {
			if api.IsKind(err, api.KindAuth) || api.IsKind(err, api.KindQuotaExhausted) {
				return nil, err
			}
			logging.Warn("Skipping custom fields from %s model: %v", model, err)
			continue
		}
		items = append(items, fields...)
	}
	return &api.Page{Items: items, Count: len(items)}, nil
}

// fetchModel returns the custom field definitions of one entity model,
// each stamped with the model it came from when the API leaves that out.
func (l *CustomFieldLoader) fetchModel(ctx context.Context, model string) ([]json.RawMessage, error) {
	page, err := l.client.ListPage(ctx, model+"/model", "custom_fields", api.ListOptions{})
	if err != nil {
		return nil, err
	}

	items := make([]json.RawMessage, 0, len(page.Items))
	for _, raw := range page.Items {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			items = append(items, raw)
			continue
		}
		if v, ok := obj["record_type"]; !ok || string(v) == "null" {
			obj["record_type"] = json.RawMessage(strconv.Quote(model))
			if stamped, err := json.Marshal(obj); err == nil {
				raw = stamped
			}
		}
		items = append(items, raw)
	}
	return items, nil
}

// FetchByID scans the model endpoints for the field, since the API has no
// per-field lookup.
func (l *CustomFieldLoader) FetchByID(ctx context.Context, id string) (json.RawMessage, error) {
	want, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, &api.Error{Kind: api.KindNotFound, StatusCode: http.StatusNotFound, Message: fmt.Sprintf("custom field id %q is not numeric", id)}
	}

	for _, model := range customFieldModels {
		fields, err := l.fetchModel(ctx, model)
		if err != nil {
			if api.IsKind(err, api.KindAuth) || api.IsKind(err, api.KindQuotaExhausted) {
				return nil, err
			}
			logging.Warn("Skipping custom fields from %s model: %v", model, err)
			continue
		}
		for _, raw := range fields {
			var probe struct {
				ID int64 `json:"id"`
			}
			if json.Unmarshal(raw, &probe) == nil && probe.ID == want {
				return raw, nil
			}
		}
	}
	return nil, &api.Error{Kind: api.KindNotFound, StatusCode: http.StatusNotFound, Message: fmt.Sprintf("custom field %s not defined in any model", id)}
}

func (l *CustomFieldLoader) Transform(raw json.RawMessage) (*store.Record, error) {
	var w struct {
		ID           int64           `json:"id"`
		Label        *string         `json:"label"`
		FieldName    *string         `json:"field_name"`
		FieldType    *string         `json:"field_type"`
		RecordType   *string         `json:"record_type"`
		DefaultValue *wireString     `json:"default_value"`
		Options      json.RawMessage `json:"options"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding custom field: %w", err)
	}
	if w.ID == 0 {
		return nil, fmt.Errorf("custom field payload has no id")
	}

	name := fmt.Sprintf("Field_%d", w.ID)
	if w.FieldName != nil && *w.FieldName != "" {
		name = *w.FieldName
	} else if w.Label != nil && *w.Label != "" {
		name = *w.Label
	}

	var b rowBuilder
	b.set("id", w.ID)
	b.set("name", name)
	b.set("label", w.Label)
	b.set("field_name", w.FieldName)
	b.set("type", normalizeFieldType(w.FieldType))
	b.set("record_type", w.RecordType)
	b.set("default_value", w.DefaultValue.val())
	b.set("options", jsonVal(w.Options))

	return &store.Record{
		Table:      "custom_fields",
		KeyColumns: []string{"id"},
		Columns:    b.columns,
		Values:     b.values,
	}, nil
}

// fieldTypes are the storable custom field types, uppercased.
var fieldTypes = map[string]bool{
	"TEXT": true, "NUMBER": true, "DATE": true, "DROPDOWN": true,
	"MULTISELECT": true, "RADIO": true, "CHECKBOX": true, "URL": true,
	"EMAIL": true, "PHONE": true, "CURRENCY": true, "PERCENT": true,
	"SOCIAL": true, "ADDRESS": true, "IMAGE": true, "FILE": true,
	"LIST": true, "MULTILINE": true, "PASSWORD": true, "TIME": true,
	"DATETIME": true, "BOOLEAN": true, "HIDDEN": true,
}

// normalizeFieldType maps the API's field type names onto the stored set.
// A few API names differ from what the warehouse keeps; unknown types
// store as NULL rather than inventing a value.
func normalizeFieldType(apiType *string) any {
	if apiType == nil || *apiType == "" {
		return nil
	}
	switch *apiType {
	case "TextArea":
		return "MULTILINE"
	case "WholeNumber":
		return "NUMBER"
	case "Website":
		return "URL"
	case "Email":
		return "EMAIL"
	}
	upper := strings.ToUpper(*apiType)
	if fieldTypes[upper] {
		return upper
	}
	return nil
}
