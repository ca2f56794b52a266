package entities

import (
	"encoding/json"
	"fmt"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// AffiliateLoader pulls affiliate partners. The API exposes only the core
// identity fields; the remaining warehouse columns stay NULL until the
// upstream starts sending them.
type AffiliateLoader struct {
	restLoader
}

func NewAffiliateLoader(client *api.Client, pageSize int) *AffiliateLoader {
	return &AffiliateLoader{restLoader{
		client:     client,
		pageSize:   pageSize,
		entityType: "affiliates",
		resource:   "affiliates",
		collection: "affiliates",
		deps:       []string{"contacts"},
	}}
}

func (l *AffiliateLoader) Transform(raw json.RawMessage) (*store.Record, error) {
	var w struct {
		ID            int64   `json:"id"`
		Code          *string `json:"code"`
		ContactID     wireID  `json:"contact_id"`
		Name          *string `json:"name"`
		ParentID      wireID  `json:"parent_id"`
		Status        *string `json:"status"`
		NotifyLead    *bool   `json:"notify_on_lead"`
		NotifySale    *bool   `json:"notify_on_sale"`
		TrackLeadsFor *int64  `json:"track_leads_for"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding affiliate: %w", err)
	}
	if w.ID == 0 {
		return nil, fmt.Errorf("affiliate payload has no id")
	}

	var b rowBuilder
	b.set("id", w.ID)
	b.set("code", w.Code)
	b.set("contact_id", w.ContactID.val())
	b.set("name", w.Name)
	b.set("parent_id", w.ParentID.val())
	b.set("status", w.Status)
	b.set("notify_on_lead", w.NotifyLead)
	b.set("notify_on_sale", w.NotifySale)
	b.set("track_leads_for", w.TrackLeadsFor)

	return &store.Record{
		Table:      "affiliates",
		KeyColumns: []string{"id"},
		Columns:    b.columns,
		Values:     b.values,
	}, nil
}
