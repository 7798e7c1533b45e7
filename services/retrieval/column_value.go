// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// Column-value matcher scoring. An exact structural reference or a literal
// value hit weighs far more than fuzzy token overlap.
const (
	cvScoreTableColumn = 28
	cvScoreValueSubstr = 28
	cvScoreTokenHit    = 6
	cvScoreDescToken   = 3
)

// ColumnValueMatch is one scored dictionary hit.
type ColumnValueMatch struct {
	Doc        datatypes.Document
	Table      string
	Column     string
	Value      string
	Score      int
	Structural bool // table.column or value matched literally
}

// MatchColumnValues scores the question against the (table, column, value,
// description) dictionary. A match is emitted only when at least one
// structural or value hit exists; pure description-token overlap is too
// noisy to stand alone.
func MatchColumnValues(question string, docs []datatypes.Document) []ColumnValueMatch {
	qNorm := Normalize(question)
	qCompact := strings.ReplaceAll(qNorm, " ", "")
	qTokens := Tokenize(question)
	qTokenSet := make(map[string]struct{}, len(qTokens))
	for _, t := range qTokens {
		qTokenSet[t] = struct{}{}
	}

	var matches []ColumnValueMatch
	for _, doc := range docs {
		if doc.Meta.Type != datatypes.DocColumnValue {
			continue
		}
		m := ColumnValueMatch{
			Doc:    doc,
			Table:  strings.ToUpper(doc.Meta.Table),
			Column: strings.ToUpper(doc.Meta.Column),
			Value:  doc.Meta.Value,
		}

		if m.Table != "" && m.Column != "" {
			ref := strings.ToLower(m.Table + "." + m.Column)
			if strings.Contains(qNorm, strings.ReplaceAll(ref, ".", " ")) ||
				strings.Contains(strings.ToLower(question), ref) {
				m.Score += cvScoreTableColumn
				m.Structural = true
			}
		}

		valueNorm := Normalize(doc.Meta.Value)
		if valueNorm != "" && (strings.Contains(qNorm, valueNorm) ||
			strings.Contains(qCompact, strings.ReplaceAll(valueNorm, " ", ""))) {
			m.Score += cvScoreValueSubstr
			m.Structural = true
		}

		for _, t := range Tokenize(doc.Meta.Value) {
			if _, ok := qTokenSet[t]; ok {
				m.Score += cvScoreTokenHit
			}
		}
		for _, t := range Tokenize(doc.Meta.Description) {
			if _, ok := qTokenSet[t]; ok {
				m.Score += cvScoreDescToken
			}
		}

		if m.Structural && m.Score > 0 {
			matches = append(matches, m)
		}
	}

	sort.SliceStable(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	return matches
}

// RemapPrevService rewrites SERVICES.PREV_SERVICE hits to CURR_SERVICE when
// the question reads as a restriction on the current service rather than a
// transfer-history question. The remap is surfaced as an assumption so it
// stays auditable.
func RemapPrevService(matches []ColumnValueMatch, question string) ([]ColumnValueMatch, []datatypes.Assumption) {
	transfer := strings.Contains(question, "이전") || strings.Contains(question, "전과") ||
		strings.Contains(strings.ToLower(question), "previous") ||
		strings.Contains(strings.ToLower(question), "transfer")
	if transfer {
		return matches, nil
	}

	var assumptions []datatypes.Assumption
	out := make([]ColumnValueMatch, len(matches))
	copy(out, matches)
	for i := range out {
		if out[i].Table == "SERVICES" && out[i].Column == "PREV_SERVICE" {
			out[i].Column = "CURR_SERVICE"
			assumptions = append(assumptions, datatypes.Assumption{
				Field:  "SERVICES.PREV_SERVICE",
				Value:  "SERVICES.CURR_SERVICE",
				Reason: "question restricts the current service; PREV_SERVICE remapped",
			})
		}
	}
	return out, assumptions
}

// HintDoc renders a column-value match as a synthetic context item.
func (m ColumnValueMatch) HintDoc() datatypes.ContextItem {
	text := fmt.Sprintf("VALUE HINT: %s.%s = '%s'", m.Table, m.Column, m.Value)
	if m.Doc.Meta.Description != "" {
		text += " -- " + m.Doc.Meta.Description
	}
	return datatypes.ContextItem{
		DocID:     m.Doc.ID,
		Type:      datatypes.DocColumnValue,
		Text:      text,
		Score:     float64(m.Score),
		Synthetic: false,
	}
}
