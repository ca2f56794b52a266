package store

import (
	"testing"
)

func TestBuildUpsertSQL(t *testing.T) {
	rec := &Record{
		Table:      "orders",
		KeyColumns: []string{"id"},
		Columns:    []string{"id", "title", "total"},
		Values:     []any{int64(101), "Order 101", 49.99},
	}

	sql, args := buildUpsertSQL("public", rec)

	want := `INSERT INTO "public"."orders" ("id", "title", "total") VALUES ($1, $2, $3)` +
		` ON CONFLICT ("id")` +
		` DO UPDATE SET "title" = EXCLUDED."title", "total" = EXCLUDED."total"` +
		` WHERE ("orders"."title", "orders"."total") IS DISTINCT FROM (EXCLUDED."title", EXCLUDED."total")`
	if sql != want {
		t.Errorf("sql mismatch:\ngot:  %s\nwant: %s", sql, want)
	}
	if len(args) != 3 || args[0] != int64(101) {
		t.Errorf("args = %v", args)
	}
}

func TestBuildUpsertSQLAllKeys(t *testing.T) {
	rec := &Record{
		Table:      "contact_tag",
		KeyColumns: []string{"contact_id", "tag_id"},
		Columns:    []string{"contact_id", "tag_id"},
		Values:     []any{int64(7), int64(12)},
	}

	sql, _ := buildUpsertSQL("public", rec)

	want := `INSERT INTO "public"."contact_tag" ("contact_id", "tag_id") VALUES ($1, $2)` +
		` ON CONFLICT ("contact_id", "tag_id") DO NOTHING`
	if sql != want {
		t.Errorf("sql mismatch:\ngot:  %s\nwant: %s", sql, want)
	}
}

func TestBuildChildInsertSQL(t *testing.T) {
	child := &ChildSet{
		Table:        "email_addresses",
		ParentColumn: "contact_id",
		ParentValue:  int64(7),
		Columns:      []string{"contact_id", "email", "field"},
		Rows: [][]any{
			{int64(7), "a@example.com", "EMAIL1"},
			{int64(7), "b@example.com", "EMAIL2"},
		},
	}

	sql, args := buildChildInsertSQL("public", child)

	want := `INSERT INTO "public"."email_addresses" ("contact_id", "email", "field")` +
		` VALUES ($1, $2, $3), ($4, $5, $6)`
	if sql != want {
		t.Errorf("sql mismatch:\ngot:  %s\nwant: %s", sql, want)
	}
	if len(args) != 6 {
		t.Fatalf("args len = %d, want 6", len(args))
	}
	if args[4] != "b@example.com" {
		t.Errorf("args[4] = %v, want second row email", args[4])
	}
}

func TestBuildChildUpsertSQL(t *testing.T) {
	child := &ChildSet{
		Table:        "subscription_plans",
		ParentColumn: "product_id",
		ParentValue:  int64(3),
		KeyColumns:   []string{"id"},
		Columns:      []string{"id", "product_id", "name"},
		Rows: [][]any{
			{int64(21), int64(3), "Monthly"},
		},
	}

	sql, args := buildChildUpsertSQL("public", child)

	want := `INSERT INTO "public"."subscription_plans" ("id", "product_id", "name") VALUES ($1, $2, $3)` +
		` ON CONFLICT ("id")` +
		` DO UPDATE SET "product_id" = EXCLUDED."product_id", "name" = EXCLUDED."name"` +
		` WHERE ("subscription_plans"."product_id", "subscription_plans"."name")` +
		` IS DISTINCT FROM (EXCLUDED."product_id", EXCLUDED."name")`
	if sql != want {
		t.Errorf("sql mismatch:\ngot:  %s\nwant: %s", sql, want)
	}
	if len(args) != 3 {
		t.Errorf("args len = %d, want 3", len(args))
	}
}

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"contacts", `"contacts"`},
		{`odd"name`, `"odd""name"`},
	}
	for _, tt := range tests {
		if got := quoteIdent(tt.in); got != tt.want {
			t.Errorf("quoteIdent(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
