package entities

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/johndauphine/crm-pg-loader/internal/api"
	"github.com/johndauphine/crm-pg-loader/internal/store"
)

// ContactLoader pulls contacts together with their nested collections:
// email addresses, phone and fax numbers, street addresses, applied tags
// and custom field values. The nested collections are replaced on every
// upsert so the warehouse mirrors whatever the payload carries now.
//
// Applied tags and custom field values reference rows loaded by other
// entity types, which is why contacts depend on tags and custom_fields.
type ContactLoader struct {
	restLoader
}

func NewContactLoader(client *api.Client, pageSize int) *ContactLoader {
	return &ContactLoader{restLoader{
		client:     client,
		pageSize:   pageSize,
		entityType: "contacts",
		resource:   "contacts",
		collection: "contacts",
		order:      "id",
		deps:       []string{"custom_fields", "tags"},
	}}
}

type wireContactLine struct {
	Number *string `json:"number"`
	Field  *string `json:"field"`
	Type   *string `json:"type"`
}

func (l *ContactLoader) Transform(raw json.RawMessage) (*store.Record, error) {
	var w struct {
		ID              int64       `json:"id"`
		GivenName       *string     `json:"given_name"`
		FamilyName      *string     `json:"family_name"`
		MiddleName      *string     `json:"middle_name"`
		PreferredName   *string     `json:"preferred_name"`
		CompanyName     *string     `json:"company_name"`
		JobTitle        *string     `json:"job_title"`
		EmailOptedIn    *bool       `json:"email_opted_in"`
		EmailStatus     *string     `json:"email_status"`
		ScoreValue      *wireString `json:"score_value"`
		OwnerID         *int64      `json:"owner_id"`
		Anniversary     wireTime    `json:"anniversary"`
		Birthday        wireTime    `json:"birthday"`
		ContactType     *string     `json:"contact_type"`
		LeadSourceID    *int64      `json:"lead_source_id"`
		PreferredLocale *string     `json:"preferred_locale"`
		SourceType      *string     `json:"source_type"`
		SpouseName      *string     `json:"spouse_name"`
		TimeZone        *string     `json:"time_zone"`
		Website         *string     `json:"website"`
		DateCreated     wireTime    `json:"date_created"`
		LastUpdated     wireTime    `json:"last_updated"`

		EmailAddresses []struct {
			Email *string `json:"email"`
			Field *string `json:"field"`
			Type  *string `json:"type"`
		} `json:"email_addresses"`
		PhoneNumbers []wireContactLine `json:"phone_numbers"`
		FaxNumbers   []wireContactLine `json:"fax_numbers"`
		Addresses    []struct {
			CountryCode *string `json:"country_code"`
			Field       *string `json:"field"`
			Line1       *string `json:"line1"`
			Line2       *string `json:"line2"`
			Locality    *string `json:"locality"`
			PostalCode  *string `json:"postal_code"`
			Region      *string `json:"region"`
			ZipCode     *string `json:"zip_code"`
			ZipFour     *string `json:"zip_four"`
		} `json:"addresses"`
		TagIDs       []int64 `json:"tag_ids"`
		CustomFields map[string]struct {
			ID    int64           `json:"id"`
			Value json.RawMessage `json:"value"`
		} `json:"custom_fields"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding contact: %w", err)
	}
	if w.ID == 0 {
		return nil, fmt.Errorf("contact payload has no id")
	}

	var b rowBuilder
	b.set("id", w.ID)
	b.set("given_name", w.GivenName)
	b.set("family_name", w.FamilyName)
	b.set("middle_name", w.MiddleName)
	b.set("preferred_name", w.PreferredName)
	b.set("company_name", w.CompanyName)
	b.set("job_title", w.JobTitle)
	b.set("email_opted_in", w.EmailOptedIn)
	b.set("email_status", w.EmailStatus)
	b.set("score_value", w.ScoreValue.val())
	b.set("owner_id", w.OwnerID)
	b.set("anniversary", w.Anniversary.val())
	b.set("birthday", w.Birthday.val())
	b.set("contact_type", w.ContactType)
	b.set("lead_source_id", w.LeadSourceID)
	b.set("preferred_locale", w.PreferredLocale)
	b.set("source_type", w.SourceType)
	b.set("spouse_name", w.SpouseName)
	b.set("time_zone", w.TimeZone)
	b.set("website", w.Website)
	b.set("date_created", w.DateCreated.val())
	b.set("last_updated", w.LastUpdated.val())

	children := make([]store.ChildSet, 0, 6)

	emailRows := make([][]any, 0, len(w.EmailAddresses))
	for _, email := range w.EmailAddresses {
		emailRows = append(emailRows, []any{w.ID, strOr(email.Email, ""), email.Field, email.Type})
	}
	children = append(children, store.ChildSet{
		Table:        "email_addresses",
		ParentColumn: "contact_id",
		ParentValue:  w.ID,
		Columns:      []string{"contact_id", "email", "field", "type"},
		Rows:         emailRows,
	})

	children = append(children, lineChildSet("phone_numbers", w.ID, w.PhoneNumbers))
	children = append(children, lineChildSet("fax_numbers", w.ID, w.FaxNumbers))

	addrRows := make([][]any, 0, len(w.Addresses))
	for _, addr := range w.Addresses {
		addrRows = append(addrRows, []any{
			w.ID, addr.Field, addr.Line1, addr.Line2, addr.Locality,
			addr.Region, addr.PostalCode, addr.ZipCode, addr.ZipFour, addr.CountryCode,
		})
	}
	children = append(children, store.ChildSet{
		Table:        "contact_addresses",
		ParentColumn: "contact_id",
		ParentValue:  w.ID,
		Columns:      []string{"contact_id", "field", "line1", "line2", "locality", "region", "postal_code", "zip_code", "zip_four", "country_code"},
		Rows:         addrRows,
	})

	tagRows := make([][]any, 0, len(w.TagIDs))
	for _, tagID := range w.TagIDs {
		tagRows = append(tagRows, []any{w.ID, tagID})
	}
	children = append(children, store.ChildSet{
		Table:        "contact_tag",
		ParentColumn: "contact_id",
		ParentValue:  w.ID,
		Columns:      []string{"contact_id", "tag_id"},
		Rows:         tagRows,
	})

	// Field names key the custom value map; sorting them keeps row order
	// stable across runs.
	names := make([]string, 0, len(w.CustomFields))
	for name := range w.CustomFields {
		names = append(names, name)
	}
	sort.Strings(names)
	valueRows := make([][]any, 0, len(names))
	for _, name := range names {
		field := w.CustomFields[name]
		if field.ID == 0 {
			continue
		}
		valueRows = append(valueRows, []any{w.ID, field.ID, textVal(field.Value)})
	}
	children = append(children, store.ChildSet{
		Table:        "contact_custom_field_values",
		ParentColumn: "contact_id",
		ParentValue:  w.ID,
		Columns:      []string{"contact_id", "custom_field_id", "value"},
		Rows:         valueRows,
	})

	return &store.Record{
		Table:      "contacts",
		KeyColumns: []string{"id"},
		Columns:    b.columns,
		Values:     b.values,
		Children:   children,
	}, nil
}

// lineChildSet builds the child set for a number-bearing contact line,
// which phone and fax numbers share.
func lineChildSet(table string, contactID int64, lines []wireContactLine) store.ChildSet {
	rows := make([][]any, 0, len(lines))
	for _, line := range lines {
		rows = append(rows, []any{contactID, strOr(line.Number, ""), line.Field, line.Type})
	}
	return store.ChildSet{
		Table:        table,
		ParentColumn: "contact_id",
		ParentValue:  contactID,
		Columns:      []string{"contact_id", "number", "field", "type"},
		Rows:         rows,
	}
}
