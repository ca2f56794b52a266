package entities

import (
	"encoding/json"
	"fmt"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// NoteLoader pulls the notes attached to contacts.
type NoteLoader struct {
	restLoader
}

func NewNoteLoader(client *api.Client, pageSize int) *NoteLoader {
	return &NoteLoader{restLoader{
		client:     client,
		pageSize:   pageSize,
		entityType: "notes",
		resource:   "notes",
		collection: "notes",
		order:      "date_created",
		deps:       []string{"contacts"},
	}}
}

func (l *NoteLoader) Transform(raw json.RawMessage) (*store.Record, error) {
	var w struct {
		ID          int64    `json:"id"`
		ContactID   *int64   `json:"contact_id"`
		Title       *string  `json:"title"`
		Body        *string  `json:"body"`
		Type        *string  `json:"type"`
		DateCreated wireTime `json:"date_created"`
		LastUpdated wireTime `json:"last_updated"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding note: %w", err)
	}
	if w.ID == 0 {
		return nil, fmt.Errorf("note payload has no id")
	}

	var b rowBuilder
	b.set("id", w.ID)
	b.set("contact_id", w.ContactID)
	b.set("title", w.Title)
	b.set("body", w.Body)
	b.set("type", w.Type)
	b.set("date_created", w.DateCreated.val())
	b.set("last_updated", w.LastUpdated.val())

	return &store.Record{
		Table:      "notes",
		KeyColumns: []string{"id"},
		Columns:    b.columns,
		Values:     b.values,
	}, nil
}
