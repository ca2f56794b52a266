package store

import (
	"fmt"
	"strings"
)

// Record is one transformed row bound for the warehouse. Prereqs are
// upserted first in the same transaction; they hold rows the main row
// references, like the category embedded in a tag payload.
type Record struct {
	Table      string
	KeyColumns []string // conflict target, usually just "id"
	Columns    []string
	Values     []any
	Prereqs    []*Record
	Children   []ChildSet
}

// ChildSet carries the replacement rows for one child table of a record.
// With no KeyColumns, persistence deletes by parent key and reinserts
// whatever the payload carries now. With KeyColumns set, rows are upserted
// in place instead; that keeps child rows other tables reference alive.
type ChildSet struct {
	Table        string
	ParentColumn string
	ParentValue  any
	KeyColumns   []string
	Columns      []string
	Rows         [][]any
}

// buildUpsertSQL generates a single-row upsert:
// INSERT INTO schema.table (cols) VALUES ($1, $2, ...)
// ON CONFLICT (key_cols) DO UPDATE SET col1 = EXCLUDED.col1, ...
// WHERE (table.col1, ...) IS DISTINCT FROM (EXCLUDED.col1, ...)
func buildUpsertSQL(schema string, rec *Record) (string, []any) {
	var sb strings.Builder

	quotedCols := make([]string, len(rec.Columns))
	params := make([]string, len(rec.Columns))
	for i, col := range rec.Columns {
		quotedCols[i] = quoteIdent(col)
		params[i] = fmt.Sprintf("$%d", i+1)
	}

	quotedKeys := make([]string, len(rec.KeyColumns))
	for i, key := range rec.KeyColumns {
		quotedKeys[i] = quoteIdent(key)
	}

	keySet := make(map[string]bool)
	for _, key := range rec.KeyColumns {
		keySet[key] = true
	}

	var setClauses []string
	var targetCols []string
	var excludedCols []string
	for _, col := range rec.Columns {
		if !keySet[col] {
			setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col)))
			targetCols = append(targetCols, quoteIdent(rec.Table)+"."+quoteIdent(col))
			excludedCols = append(excludedCols, "EXCLUDED."+quoteIdent(col))
		}
	}

	sb.WriteString(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qualifyTable(schema, rec.Table),
		strings.Join(quotedCols, ", "),
		strings.Join(params, ", ")))

	sb.WriteString(fmt.Sprintf(" ON CONFLICT (%s)", strings.Join(quotedKeys, ", ")))

	if len(setClauses) > 0 {
		sb.WriteString(fmt.Sprintf(" DO UPDATE SET %s", strings.Join(setClauses, ", ")))
		// Skip the update when nothing changed; identical upserts would
		// otherwise write new row versions and bloat the table.
		sb.WriteString(fmt.Sprintf(" WHERE (%s) IS DISTINCT FROM (%s)",
			strings.Join(targetCols, ", "),
			strings.Join(excludedCols, ", ")))
	} else {
		sb.WriteString(" DO NOTHING")
	}

	return sb.String(), rec.Values
}

// buildChildUpsertSQL generates a multi-row upsert for a keyed child set,
// with the same conflict handling as the parent record.
func buildChildUpsertSQL(schema string, child *ChildSet) (string, []any) {
	sql, args := buildChildInsertSQL(schema, child)
	var sb strings.Builder
	sb.WriteString(sql)

	quotedKeys := make([]string, len(child.KeyColumns))
	for i, key := range child.KeyColumns {
		quotedKeys[i] = quoteIdent(key)
	}
	sb.WriteString(fmt.Sprintf(" ON CONFLICT (%s)", strings.Join(quotedKeys, ", ")))

	keySet := make(map[string]bool)
	for _, key := range child.KeyColumns {
		keySet[key] = true
	}
	var setClauses []string
	var targetCols []string
	var excludedCols []string
	for _, col := range child.Columns {
		if !keySet[col] {
			setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col)))
			targetCols = append(targetCols, quoteIdent(child.Table)+"."+quoteIdent(col))
			excludedCols = append(excludedCols, "EXCLUDED."+quoteIdent(col))
		}
	}
	if len(setClauses) > 0 {
		sb.WriteString(fmt.Sprintf(" DO UPDATE SET %s", strings.Join(setClauses, ", ")))
		sb.WriteString(fmt.Sprintf(" WHERE (%s) IS DISTINCT FROM (%s)",
			strings.Join(targetCols, ", "),
			strings.Join(excludedCols, ", ")))
	} else {
		sb.WriteString(" DO NOTHING")
	}

	return sb.String(), args
}

// buildChildInsertSQL generates a multi-row insert for a child set:
// INSERT INTO schema.table (cols) VALUES ($1, ...), ($N+1, ...), ...
func buildChildInsertSQL(schema string, child *ChildSet) (string, []any) {
	numCols := len(child.Columns)

	quotedCols := make([]string, numCols)
	for i, col := range child.Columns {
		quotedCols[i] = quoteIdent(col)
	}

	args := make([]any, 0, len(child.Rows)*numCols)
	valueTuples := make([]string, len(child.Rows))
	for rowIdx, row := range child.Rows {
		params := make([]string, numCols)
		for colIdx := range child.Columns {
			params[colIdx] = fmt.Sprintf("$%d", rowIdx*numCols+colIdx+1)
			args = append(args, row[colIdx])
		}
		valueTuples[rowIdx] = "(" + strings.Join(params, ", ") + ")"
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		qualifyTable(schema, child.Table),
		strings.Join(quotedCols, ", "),
		strings.Join(valueTuples, ", "))

	return sql, args
}
