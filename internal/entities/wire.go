package entities

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// wireTime accepts the timestamp shapes the API emits: RFC 3339 with or
// without fractional seconds, and bare dates for fields like birthday.
// Anything else is a transform error, not a silent null.
type wireTime struct {
	time.Time
}

var wireTimeLayouts = []string{time.RFC3339, "2006-01-02"}

func (t *wireTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp is not a string: %s", data)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range wireTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// val returns the parsed time, or nil so the column lands as NULL.
func (t *wireTime) val() any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Time
}

// wireID reads an id the API may send as a number or a numeric string.
// The CRM uses both, and uses 0 (or "0") to mean no reference.
type wireID int64

func (id *wireID) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = wireID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("id is not a number or string: %s", data)
	}
	if s == "" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("unparseable id %q", s)
	}
	*id = wireID(n)
	return nil
}

// val returns the id, folding the API's "no reference" zero to NULL so it
// never trips a foreign key against a row that cannot exist.
func (id *wireID) val() any {
	if id == nil || *id == 0 {
		return nil
	}
	return int64(*id)
}

// wireString folds the API's mixed string-or-number fields into text.
type wireString string

func (s *wireString) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = wireString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("value is not a string or number: %s", data)
	}
	*s = wireString(n.String())
	return nil
}

func (s *wireString) val() any {
	if s == nil {
		return nil
	}
	return string(*s)
}

// wireRef is a nested reference object, like the product hanging off an
// order item.
type wireRef struct {
	ID wireID `json:"id"`
}

func (r *wireRef) val() any {
	if r == nil {
		return nil
	}
	return r.ID.val()
}

// jsonVal passes a raw JSON fragment through to a JSONB column.
func jsonVal(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return []byte(raw)
}

// textVal renders any JSON scalar as the text a value column stores.
func textVal(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func boolOr(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}

func strOr(p *string, fallback string) string {
	if p == nil {
		return fallback
	}
	return *p
}

func intOr(p *int64, fallback int64) int64 {
	if p == nil {
		return fallback
	}
	return *p
}

// rowBuilder keeps column names and values aligned while a transform
// assembles a record.
type rowBuilder struct {
	columns []string
	values  []any
}

func (b *rowBuilder) set(column string, value any) {
	b.columns = append(b.columns, column)
	b.values = append(b.values, value)
}
