package entities

import (
	"encoding/json"
	"fmt"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// TaskLoader pulls follow-up tasks. Priority arrives as a bare number,
// which folds into the text column as-is.
type TaskLoader struct {
	restLoader
}

func NewTaskLoader(client *api.Client, pageSize int) *TaskLoader {
	return &TaskLoader{restLoader{
		client:     client,
		pageSize:   pageSize,
		entityType: "tasks",
		resource:   "tasks",
		collection: "tasks",
		order:      "due_date",
		deps:       []string{"contacts"},
	}}
}

func (l *TaskLoader) Transform(raw json.RawMessage) (*store.Record, error) {
	var w struct {
		ID               int64       `json:"id"`
		ContactID        *int64      `json:"contact_id"`
		Contact          *wireRef    `json:"contact"`
		Title            *string     `json:"title"`
		Notes            *string     `json:"notes"`
		Priority         *wireString `json:"priority"`
		Status           *string     `json:"status"`
		Type             *string     `json:"type"`
		DueDate          wireTime    `json:"due_date"`
		CompletionDate   wireTime    `json:"completion_date"`
		CreationDate     wireTime    `json:"creation_date"`
		ModificationDate wireTime    `json:"modification_date"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	if w.ID == 0 {
		return nil, fmt.Errorf("task payload has no id")
	}

	contactID := any(w.ContactID)
	if w.ContactID == nil {
		contactID = w.Contact.val()
	}

	var b rowBuilder
	b.set("id", w.ID)
	b.set("contact_id", contactID)
	b.set("title", w.Title)
	b.set("notes", w.Notes)
	b.set("priority", w.Priority.val())
	b.set("status", w.Status)
	b.set("type", w.Type)
	b.set("due_date", w.DueDate.val())
	b.set("completed_date", w.CompletionDate.val())
	b.set("creation_date", w.CreationDate.val())
	b.set("modification_date", w.ModificationDate.val())

	return &store.Record{
		Table:      "tasks",
		KeyColumns: []string{"id"},
		Columns:    b.columns,
		Values:     b.values,
	}, nil
}
