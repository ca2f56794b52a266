package entities

import (
	"encoding/json"
	"fmt"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// OpportunityLoader pulls sales opportunities. The API nests the owning
// contact as an object; only its id is kept, as the foreign key.
type OpportunityLoader struct {
	restLoader
}

func NewOpportunityLoader(client *api.Client, pageSize int) *OpportunityLoader {
	return &OpportunityLoader{restLoader{
		client:     client,
		pageSize:   pageSize,
		entityType: "opportunities",
		resource:   "opportunities",
		collection: "opportunities",
		deps:       []string{"contacts"},
	}}
}

func (l *OpportunityLoader) Transform(raw json.RawMessage) (*store.Record, error) {
	var w struct {
		ID               int64           `json:"id"`
		Title            *string         `json:"opportunity_title"`
		Stage            json.RawMessage `json:"stage"`
		Value            *float64        `json:"value"`
		Probability      *float64        `json:"probability"`
		NextActionDate   wireTime        `json:"next_action_date"`
		OpportunityNotes *string         `json:"opportunity_notes"`
		SourceType       *string         `json:"source_type"`
		SourceID         *int64          `json:"source_id"`
		PipelineID       *int64          `json:"pipeline_id"`
		PipelineStageID  *int64          `json:"pipeline_stage_id"`
		OwnerID          *int64          `json:"owner_id"`
		ContactID        *int64          `json:"contact_id"`
		Contact          *wireRef        `json:"contact"`
		DateCreated      wireTime        `json:"date_created"`
		LastUpdated      wireTime        `json:"last_updated"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding opportunity: %w", err)
	}
	if w.ID == 0 {
		return nil, fmt.Errorf("opportunity payload has no id")
	}

	contactID := any(w.ContactID)
	if w.ContactID == nil {
		contactID = w.Contact.val()
	}

	var b rowBuilder
	b.set("id", w.ID)
	b.set("title", w.Title)
	b.set("stage", jsonVal(w.Stage))
	b.set("value", w.Value)
	b.set("probability", w.Probability)
	b.set("next_action_date", w.NextActionDate.val())
	b.set("next_action_notes", w.OpportunityNotes)
	b.set("source_type", w.SourceType)
	b.set("source_id", w.SourceID)
	b.set("pipeline_id", w.PipelineID)
	b.set("pipeline_stage_id", w.PipelineStageID)
	b.set("owner_id", w.OwnerID)
	b.set("contact_id", contactID)
	b.set("date_created", w.DateCreated.val())
	b.set("last_updated", w.LastUpdated.val())

	return &store.Record{
		Table:      "opportunities",
		KeyColumns: []string{"id"},
		Columns:    b.columns,
		Values:     b.values,
	}, nil
}
