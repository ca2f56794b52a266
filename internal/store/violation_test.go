package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		table   string
		want    *ConstraintViolation
		passthr bool
	}{
		{
			name: "foreign key with detail",
			err: &pgconn.PgError{
				Code:      "23503",
				TableName: "orders",
				Detail:    `Key (contact_id)=(55) is not present in table "contacts".`,
			},
			table: "orders",
			want:  &ConstraintViolation{Table: "orders", Column: "contact_id", RefValue: "55", RefTable: "contacts"},
		},
		{
			name: "composite key detail",
			err: &pgconn.PgError{
				Code:   "23503",
				Detail: `Key (contact_id, custom_field_id)=(55, 9) is not present in table "contacts".`,
			},
			table: "contact_custom_field_values",
			want: &ConstraintViolation{
				Table:    "contact_custom_field_values",
				Column:   "contact_id, custom_field_id",
				RefValue: "55, 9",
				RefTable: "contacts",
			},
		},
		{
			name:  "foreign key without detail",
			err:   &pgconn.PgError{Code: "23503"},
			table: "orders",
			want:  &ConstraintViolation{Table: "orders"},
		},
		{
			name: "wrapped pg error",
			err: fmt.Errorf("upserting row: %w", &pgconn.PgError{
				Code:   "23503",
				Detail: `Key (product_id)=(3) is not present in table "products".`,
			}),
			table: "order_items",
			want:  &ConstraintViolation{Table: "order_items", Column: "product_id", RefValue: "3", RefTable: "products"},
		},
		{
			name:    "not null violation passes through",
			err:     &pgconn.PgError{Code: "23502", ColumnName: "name"},
			table:   "tags",
			passthr: true,
		},
		{
			name:    "plain error passes through",
			err:     errors.New("connection refused"),
			table:   "contacts",
			passthr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(tt.err, tt.table)
			if tt.passthr {
				if !errors.Is(got, tt.err) {
					t.Fatalf("translateError = %v, want original error", got)
				}
				return
			}
			var v *ConstraintViolation
			if !errors.As(got, &v) {
				t.Fatalf("translateError = %T, want *ConstraintViolation", got)
			}
			if *v != *tt.want {
				t.Errorf("violation = %+v, want %+v", v, tt.want)
			}
		})
	}
}

func TestConstraintViolationError(t *testing.T) {
	v := &ConstraintViolation{Table: "orders", Column: "contact_id", RefValue: "55", RefTable: "contacts"}
	want := "orders.contact_id=55 references a row missing from contacts"
	if got := v.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	bare := &ConstraintViolation{Table: "orders"}
	if got := bare.Error(); got != "foreign key violation on orders" {
		t.Errorf("Error() = %q", got)
	}
}

func TestIsIntegrityError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"not null", &pgconn.PgError{Code: "23502"}, true},
		{"unique", &pgconn.PgError{Code: "23505"}, true},
		{"check", &pgconn.PgError{Code: "23514"}, true},
		{"foreign key is not integrity", &pgconn.PgError{Code: "23503"}, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"plain error", errors.New("boom"), false},
		{"wrapped", fmt.Errorf("write: %w", &pgconn.PgError{Code: "23505"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsIntegrityError(tt.err); got != tt.want {
				t.Errorf("IsIntegrityError = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"wrapped deadlock", fmt.Errorf("write: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"foreign key", &pgconn.PgError{Code: "23503"}, false},
		{"plain error", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransientError(tt.err); got != tt.want {
				t.Errorf("IsTransientError = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsStatementError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"undefined column", &pgconn.PgError{Code: "42703"}, true},
		{"datatype mismatch", &pgconn.PgError{Code: "22P02"}, true},
		{"not null", &pgconn.PgError{Code: "23502"}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, false},
		{"too many connections", &pgconn.PgError{Code: "53300"}, false},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, false},
		{"internal error", &pgconn.PgError{Code: "XX000"}, false},
		{"plain error", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStatementError(tt.err); got != tt.want {
				t.Errorf("IsStatementError = %v, want %v", got, tt.want)
			}
		})
	}
}
