package entities

import (
	"encoding/json"
	"fmt"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// TagLoader pulls tags. A tag payload embeds its category, which lands as
// a prereq row so the tag's foreign key always resolves.
type TagLoader struct {
	restLoader
}

func NewTagLoader(client *api.Client, pageSize int) *TagLoader {
	return &TagLoader{restLoader{
		client:     client,
		pageSize:   pageSize,
		entityType: "tags",
		resource:   "tags",
		collection: "tags",
	}}
}

func (l *TagLoader) Transform(raw json.RawMessage) (*store.Record, error) {
	var w struct {
		ID          int64   `json:"id"`
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Category    *struct {
			ID   int64   `json:"id"`
			Name *string `json:"name"`
		} `json:"category"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding tag: %w", err)
	}
	if w.ID == 0 {
		return nil, fmt.Errorf("tag payload has no id")
	}

	var categoryID any
	var prereqs []*store.Record
	if w.Category != nil && w.Category.ID != 0 {
		categoryID = w.Category.ID
		prereqs = append(prereqs, &store.Record{
			Table:      "tag_categories",
			KeyColumns: []string{"id"},
			Columns:    []string{"id", "name"},
			Values:     []any{w.Category.ID, strOr(w.Category.Name, "")},
		})
	}

	var b rowBuilder
	b.set("id", w.ID)
	b.set("name", strOr(w.Name, ""))
	b.set("description", w.Description)
	b.set("category_id", categoryID)

	return &store.Record{
		Table:      "tags",
		KeyColumns: []string{"id"},
		Columns:    b.columns,
		Values:     b.values,
		Prereqs:    prereqs,
	}, nil
}
