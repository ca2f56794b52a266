package entities

import (
	"encoding/json"
	"fmt"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// CampaignLoader pulls marketing campaigns together with their embedded
// sequences. The sequence rows are replaced on every upsert, so sequences
// removed upstream drop out of the warehouse.
type CampaignLoader struct {
	restLoader
}

func NewCampaignLoader(client *api.Client, pageSize int) *CampaignLoader {
	return &CampaignLoader{restLoader{
		client:     client,
		pageSize:   pageSize,
		entityType: "campaigns",
		resource:   "campaigns",
		collection: "campaigns",
	}}
}

func (l *CampaignLoader) Transform(raw json.RawMessage) (*store.Record, error) {
	var w struct {
		ID          int64   `json:"id"`
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Status      *string `json:"status"`
		Sequences   []struct {
			ID             int64   `json:"id"`
			Name           *string `json:"name"`
			Description    *string `json:"description"`
			Status         *string `json:"status"`
			SequenceNumber *int64  `json:"sequence_number"`
		} `json:"sequences"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding campaign: %w", err)
	}
	if w.ID == 0 {
		return nil, fmt.Errorf("campaign payload has no id")
	}

	var b rowBuilder
	b.set("id", w.ID)
	b.set("name", strOr(w.Name, ""))
	b.set("description", w.Description)
	b.set("status", w.Status)

	seqRows := make([][]any, 0, len(w.Sequences))
	for _, seq := range w.Sequences {
		if seq.ID == 0 {
			return nil, fmt.Errorf("campaign %d has a sequence without an id", w.ID)
		}
		seqRows = append(seqRows, []any{seq.ID, w.ID, seq.Name, seq.Description, seq.Status, seq.SequenceNumber})
	}

	return &store.Record{
		Table:      "campaigns",
		KeyColumns: []string{"id"},
		Columns:    b.columns,
		Values:     b.values,
		Children: []store.ChildSet{{
			Table:        "campaign_sequences",
			ParentColumn: "campaign_id",
			ParentValue:  w.ID,
			Columns:      []string{"id", "campaign_id", "name", "description", "status", "sequence_number"},
			Rows:         seqRows,
		}},
	}, nil
}
