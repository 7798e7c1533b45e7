// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chartrules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frame is the tabular view Core B plans against: column names, inferred
// dtypes, and the row values needed for cardinality checks.
type Frame struct {
	Columns []string
	dtypes  map[string]string // numeric | datetime | categorical
	values  map[string][]any
}

// NewFrame infers dtypes from row data. Rows are positional, matching
// columns; nil cells are skipped during inference.
func NewFrame(columns []string, rows [][]any) *Frame {
	f := &Frame{
		Columns: columns,
		dtypes:  make(map[string]string, len(columns)),
		values:  make(map[string][]any, len(columns)),
	}
	for i, col := range columns {
		var vals []any
		for _, row := range rows {
			if i < len(row) && row[i] != nil {
				vals = append(vals, row[i])
			}
		}
		f.values[col] = vals
		f.dtypes[col] = inferDtype(col, vals)
	}
	return f
}

func inferDtype(col string, vals []any) string {
	if len(vals) == 0 {
		if looksLikeTimeColumn(col) {
			return "datetime"
		}
		return "categorical"
	}
	numeric, datetime := 0, 0
	for _, v := range vals {
		switch val := v.(type) {
		case int, int32, int64, float32, float64:
			numeric++
		case string:
			if _, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				numeric++
			} else if looksLikeDatetime(val) {
				datetime++
			}
		case time.Time:
			datetime++
		}
	}
	switch {
	case datetime*2 > len(vals):
		return "datetime"
	case numeric*2 > len(vals):
		return "numeric"
	default:
		return "categorical"
	}
}

func looksLikeDatetime(s string) bool {
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339} {
		if _, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return true
		}
	}
	return false
}

func looksLikeTimeColumn(col string) bool {
	upper := strings.ToUpper(col)
	return strings.HasSuffix(upper, "TIME") || strings.HasSuffix(upper, "DATE")
}

// Has reports whether the frame contains the column (case-insensitive).
func (f *Frame) Has(col string) bool {
	return f.Resolve(col) != ""
}

// Resolve maps a case-insensitive name to the frame's actual column name.
func (f *Frame) Resolve(col string) string {
	if col == "" {
		return ""
	}
	for _, c := range f.Columns {
		if strings.EqualFold(c, col) {
			return c
		}
	}
	return ""
}

// Dtype returns numeric, datetime, or categorical; empty for a missing
// column.
func (f *Frame) Dtype(col string) string {
	return f.dtypes[f.Resolve(col)]
}

// IsNumeric reports whether the column holds numbers.
func (f *Frame) IsNumeric(col string) bool { return f.Dtype(col) == "numeric" }

// NUnique counts distinct non-null values in a column.
func (f *Frame) NUnique(col string) int {
	resolved := f.Resolve(col)
	if resolved == "" {
		return 0
	}
	seen := make(map[string]struct{})
	for _, v := range f.values[resolved] {
		seen[cellKey(v)] = struct{}{}
	}
	return len(seen)
}

// ConstantNumeric reports whether a numeric column has at most one distinct
// value. Used for the constant-Y bar suppression.
func (f *Frame) ConstantNumeric(col string) bool {
	return f.IsNumeric(col) && f.NUnique(col) <= 1
}

// NumericColumns lists numeric columns in frame order.
func (f *Frame) NumericColumns() []string {
	var out []string
	for _, c := range f.Columns {
		if f.dtypes[c] == "numeric" {
			out = append(out, c)
		}
	}
	return out
}

// CategoricalColumns lists categorical columns in frame order.
func (f *Frame) CategoricalColumns() []string {
	var out []string
	for _, c := range f.Columns {
		if f.dtypes[c] == "categorical" {
			out = append(out, c)
		}
	}
	return out
}

// TimeColumns lists datetime columns plus name-pattern time columns.
func (f *Frame) TimeColumns() []string {
	var out []string
	for _, c := range f.Columns {
		if f.dtypes[c] == "datetime" || looksLikeTimeColumn(c) {
			out = append(out, c)
		}
	}
	return out
}

// identifier columns must never act as a chart group.
var identifierColumns = map[string]bool{
	"SUBJECT_ID": true, "PATIENT_ID": true, "HADM_ID": true, "STAY_ID": true,
	"ITEMID": true, "ROW_ID": true, "TRANSFER_ID": true,
}

// IsIdentifier reports whether the column is a record identifier.
func IsIdentifier(col string) bool {
	upper := strings.ToUpper(col)
	return identifierColumns[upper] || strings.HasSuffix(upper, "_ID")
}

func cellKey(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}
