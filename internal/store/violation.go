package store

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ConstraintViolation reports a foreign key the warehouse rejected because
// the referenced row has not been loaded yet. RefTable and RefValue name
// the missing row; either may be empty when the DETAIL line was not parseable.
type ConstraintViolation struct {
	Table    string // table the write hit
	Column   string // referencing column
	RefTable string // table the missing row lives in
	RefValue string
}

func (v *ConstraintViolation) Error() string {
	if v.RefTable == "" {
		return fmt.Sprintf("foreign key violation on %s", v.Table)
	}
	return fmt.Sprintf("%s.%s=%s references a row missing from %s",
		v.Table, v.Column, v.RefValue, v.RefTable)
}

const foreignKeyViolation = "23503"

// detailPattern matches the DETAIL line PostgreSQL emits for foreign key
// violations: Key (contact_id)=(55) is not present in table "contacts".
var detailPattern = regexp.MustCompile(`Key \(([^)]+)\)=\(([^)]*)\) is not present in table "([^"]+)"`)

// translateError converts foreign key errors into *ConstraintViolation and
// leaves everything else untouched.
func translateError(err error, table string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != foreignKeyViolation {
		return err
	}

	v := &ConstraintViolation{Table: table}
	if pgErr.TableName != "" {
		v.Table = pgErr.TableName
	}
	if m := detailPattern.FindStringSubmatch(pgErr.Detail); m != nil {
		v.Column = m[1]
		v.RefValue = m[2]
		v.RefTable = m[3]
	}
	return v
}

// IsIntegrityError reports whether err is a PostgreSQL integrity constraint
// violation other than a foreign key failure (not null, check, unique).
// Those are properties of the payload, not of load order, so callers treat
// them as validation failures.
func IsIntegrityError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "23") && pgErr.Code != foreignKeyViolation
}

// IsTransientError reports whether err is a transaction-scoped failure
// (serialization conflict, deadlock) that a fresh transaction may avoid.
// The upsert is idempotent, so repeating it is safe.
func IsTransientError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "40")
}

// unhealthyClasses are the SQLSTATE classes that point at the warehouse
// itself rather than at one statement: connection failures, resource
// exhaustion, operator shutdown, internal errors.
var unhealthyClasses = map[string]bool{
	"08": true, "53": true, "57": true, "58": true, "XX": true,
}

// IsStatementError reports whether err is the warehouse rejecting this
// statement or its data while otherwise staying healthy. Callers use the
// distinction to fail one entity type without abandoning the rest.
func IsStatementError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	return !unhealthyClasses[pgErr.Code[:2]]
}
