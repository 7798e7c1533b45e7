// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"sort"
	"strings"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// LabelIntentMatch binds a procedure-like clinical concept (hemodialysis,
// mechanical ventilation, ...) identified via D_ITEMS.LABEL to the
// question. Anchor terms must hit; required-with-anchor terms qualify the
// anchor and add score when present.
type LabelIntentMatch struct {
	Doc     datatypes.Document
	Concept string
	Anchors []string
	Score   int
}

// MatchLabelIntents scores label-intent profiles against the question.
// Profile documents carry the concept in Meta.Name, comma-separated anchor
// terms in Meta.Value, and required-with-anchor terms in Meta.Description.
// Score is proportional to hit counts; a profile without an anchor hit is
// dropped, and a profile whose required terms all miss is dropped even when
// an anchor hit exists.
func MatchLabelIntents(question string, docs []datatypes.Document) []LabelIntentMatch {
	qNorm := Normalize(question)
	qCompact := strings.ReplaceAll(qNorm, " ", "")

	contains := func(term string) bool {
		t := Normalize(term)
		if t == "" {
			return false
		}
		return strings.Contains(qNorm, t) || strings.Contains(qCompact, strings.ReplaceAll(t, " ", ""))
	}

	var matches []LabelIntentMatch
	for _, doc := range docs {
		if doc.Meta.Type != datatypes.DocLabelIntent {
			continue
		}
		anchors := splitTerms(doc.Meta.Value)
		if len(anchors) == 0 {
			continue
		}
		var hitAnchors []string
		for _, a := range anchors {
			if contains(a) {
				hitAnchors = append(hitAnchors, a)
			}
		}
		if len(hitAnchors) == 0 {
			continue
		}

		score := len(hitAnchors) * 10
		required := splitTerms(doc.Meta.Description)
		if len(required) > 0 {
			requiredHits := 0
			for _, r := range required {
				if contains(r) {
					requiredHits++
				}
			}
			if requiredHits == 0 {
				continue
			}
			score += requiredHits * 5
		}

		matches = append(matches, LabelIntentMatch{
			Doc:     doc,
			Concept: doc.Meta.Name,
			Anchors: hitAnchors,
			Score:   score,
		})
	}
	sort.SliceStable(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	return matches
}

func splitTerms(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Item renders the profile document as a context item carrying the
// D_ITEMS.LABEL guidance text.
func (m LabelIntentMatch) Item() datatypes.ContextItem {
	return datatypes.ContextItem{
		DocID: m.Doc.ID,
		Type:  datatypes.DocLabelIntent,
		Text:  m.Doc.Text,
		Score: float64(m.Score),
	}
}
