// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// ICDKind separates diagnosis and procedure dictionaries.
type ICDKind string

const (
	ICDDiagnosis ICDKind = "diagnosis"
	ICDProcedure ICDKind = "procedure"
)

// ICDMatch binds a clinical term found in the question to its ICD code
// prefixes. Version is inferred from the prefix alphabet: ICD-10 codes are
// alphabetic-led, ICD-9 numeric.
type ICDMatch struct {
	Term     string
	Kind     ICDKind
	Prefixes []string
	Version  int
}

// MatchICDTerms scans the diagnosis/procedure dictionaries for terms
// present in the question. Dictionary documents carry the term in
// Meta.Term and the comma-separated prefixes in Meta.Value (the offline
// build augments this from eval SQL validated against
// D_ICD_DIAGNOSES.LONG_TITLE).
func MatchICDTerms(question string, docs []datatypes.Document) []ICDMatch {
	qNorm := Normalize(question)
	qCompact := strings.ReplaceAll(qNorm, " ", "")

	var matches []ICDMatch
	seen := make(map[string]struct{})
	for _, doc := range docs {
		var kind ICDKind
		switch doc.Meta.Type {
		case datatypes.DocDiagnosisMap:
			kind = ICDDiagnosis
		case datatypes.DocProcedureMap:
			kind = ICDProcedure
		default:
			continue
		}
		term := strings.TrimSpace(doc.Meta.Term)
		if term == "" {
			continue
		}
		termNorm := Normalize(term)
		if termNorm == "" {
			continue
		}
		if !strings.Contains(qNorm, termNorm) &&
			!strings.Contains(qCompact, strings.ReplaceAll(termNorm, " ", "")) {
			continue
		}
		if _, dup := seen[string(kind)+":"+termNorm]; dup {
			continue
		}
		seen[string(kind)+":"+termNorm] = struct{}{}

		prefixes := splitPrefixes(doc.Meta.Value)
		if len(prefixes) == 0 {
			continue
		}
		matches = append(matches, ICDMatch{
			Term:     term,
			Kind:     kind,
			Prefixes: prefixes,
			Version:  InferICDVersion(prefixes),
		})
	}
	return matches
}

func splitPrefixes(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSuffix(strings.TrimSpace(p), "%"))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// InferICDVersion returns 10 when the prefixes are alphabetic-led, 9 when
// numeric. Mixed sets resolve to the majority, ties to ICD-10.
func InferICDVersion(prefixes []string) int {
	alpha, numeric := 0, 0
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if unicode.IsLetter(rune(p[0])) {
			alpha++
		} else {
			numeric++
		}
	}
	if numeric > alpha {
		return 9
	}
	return 10
}

// Doc renders one match as the hint document text handed to the engineer:
// "<term> -> ICD_CODE prefixes A%, B%; use ICD_VERSION 10 for alphabetic,
// 9 for numeric".
func (m ICDMatch) Doc() datatypes.ContextItem {
	withPct := make([]string, 0, len(m.Prefixes))
	for _, p := range m.Prefixes {
		withPct = append(withPct, p+"%")
	}
	docType := datatypes.DocDiagnosisMap
	if m.Kind == ICDProcedure {
		docType = datatypes.DocProcedureMap
	}
	text := fmt.Sprintf("%s -> ICD_CODE prefixes %s; use ICD_VERSION 10 for alphabetic, 9 for numeric",
		m.Term, strings.Join(withPct, ", "))
	return datatypes.ContextItem{
		DocID: datatypes.ContentHash(docType, text),
		Type:  docType,
		Text:  text,
		Score: float64(cvScoreValueSubstr),
	}
}
