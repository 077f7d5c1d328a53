// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

// Package query provides SQL fragment builders for the database package.
// Placeholders are produced by a caller-supplied function so the same
// builders serve "?" drivers and "$n" drivers.
package query

import (
	"strings"
)

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

// Question is the placeholder style of MySQL, SQLite and DuckDB.
func Question(int) string { return "?" }

// WhereBuilder constructs SQL WHERE clauses with parameterized arguments.
//
// Example usage:
//
//	wb := query.NewWhereBuilder(dialect.Placeholder)
//	wb.AddIn("cve_id", ids)
//	whereClause, args := wb.Build()
//	// WHERE cve_id IN ($1, $2)
type WhereBuilder struct {
	ph      Placeholder
	clauses []string
	args    []interface{}
}

// NewWhereBuilder creates a WhereBuilder. A nil ph selects Question.
func NewWhereBuilder(ph Placeholder) *WhereBuilder {
	if ph == nil {
		ph = Question
	}
	return &WhereBuilder{ph: ph}
}

// Next returns the placeholder for the next argument and records arg.
func (wb *WhereBuilder) Next(arg interface{}) string {
	wb.args = append(wb.args, arg)
	return wb.ph(len(wb.args))
}

// AddEquals adds "column = ?".
func (wb *WhereBuilder) AddEquals(column string, arg interface{}) *WhereBuilder {
	wb.clauses = append(wb.clauses, column+" = "+wb.Next(arg))
	return wb
}

// AddIn adds "column IN (...)". An empty value list yields a clause that
// matches nothing.
func (wb *WhereBuilder) AddIn(column string, values []string) *WhereBuilder {
	if len(values) == 0 {
		wb.clauses = append(wb.clauses, "1 = 0")
		return wb
	}
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = wb.Next(v)
	}
	wb.clauses = append(wb.clauses, column+" IN ("+strings.Join(phs, ", ")+")")
	return wb
}

// Build returns the WHERE clause (empty when no clauses were added) and its arguments.
func (wb *WhereBuilder) Build() (string, []interface{}) {
	if len(wb.clauses) == 0 {
		return "", wb.args
	}
	return "WHERE " + strings.Join(wb.clauses, " AND "), wb.args
}

// Values renders a multi-row VALUES list of rows tuples with cols
// placeholders each. Placeholders are numbered from offset+1.
func Values(rows, cols int, ph Placeholder, offset int) string {
	if ph == nil {
		ph = Question
	}
	var sb strings.Builder
	sb.Grow(rows * cols * 4)
	n := offset
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			n++
			sb.WriteString(ph(n))
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// Columns joins column names for an INSERT column list.
func Columns(cols []string) string {
	return strings.Join(cols, ", ")
}
