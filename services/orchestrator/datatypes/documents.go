// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the shared data model for the orchestrator:
// retrieval documents, planner intents, risk scores, request/response
// bodies, and the composite orchestrator result.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DocType tags a retrieval document with its corpus.
//
// Every document belongs to exactly one type; the retriever routes scoring
// and suppression rules by switching on this tag (the Go rendering of the
// tagged-variant document model).
type DocType string

const (
	DocSchema       DocType = "schema"
	DocExample      DocType = "example"
	DocTemplate     DocType = "template"
	DocGlossary     DocType = "glossary"
	DocDiagnosisMap DocType = "diagnosis_map"
	DocProcedureMap DocType = "procedure_map"
	DocLabelIntent  DocType = "label_intent"
	DocColumnValue  DocType = "column_value"
	DocTableProfile DocType = "table_profile"
)

// AllDocTypes lists every corpus in retrieval priority order.
var AllDocTypes = []DocType{
	DocSchema, DocExample, DocTemplate, DocGlossary,
	DocDiagnosisMap, DocProcedureMap, DocLabelIntent,
	DocColumnValue, DocTableProfile,
}

// Valid reports whether t is one of the closed set of document types.
func (t DocType) Valid() bool {
	for _, dt := range AllDocTypes {
		if t == dt {
			return true
		}
	}
	return false
}

// Dictionary reports whether this corpus is a value dictionary (scored with
// the dictionary weight profile rather than the domain profile).
func (t DocType) Dictionary() bool {
	switch t {
	case DocColumnValue, DocDiagnosisMap, DocProcedureMap, DocLabelIntent:
		return true
	default:
		return false
	}
}

// DocMeta is the typed metadata attached to a document. Only the fields
// relevant to the document's type are populated.
type DocMeta struct {
	Type DocType `json:"type"`

	// Schema / table_profile / column_value documents.
	Table  string `json:"table,omitempty"`
	Column string `json:"column,omitempty"`

	// Dictionary documents.
	Term        string `json:"term,omitempty"`
	Value       string `json:"value,omitempty"`
	Description string `json:"description,omitempty"`

	// Template / glossary / label_intent documents.
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// Document is the immutable retrieval unit. Identity is the content hash;
// a re-indexed document with different text is a new document.
type Document struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	Meta   DocMeta   `json:"metadata"`
	Vector []float32 `json:"vector,omitempty"`
}

// ContentHash derives the stable document identity from text and type.
func ContentHash(docType DocType, text string) string {
	sum := sha256.Sum256([]byte(string(docType) + "\x00" + strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:16])
}

// NewDocument builds a document with its content-hash identity set.
func NewDocument(text string, meta DocMeta) Document {
	return Document{
		ID:   ContentHash(meta.Type, text),
		Text: text,
		Meta: meta,
	}
}

// ScoredDoc pairs a document with a retrieval score.
type ScoredDoc struct {
	Doc   Document `json:"doc"`
	Score float64  `json:"score"`
}

// ContextItem is one budgeted context entry handed to the SQL agents.
type ContextItem struct {
	DocID  string  `json:"docId"`
	Type   DocType `json:"type"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Tokens int     `json:"tokens"`

	// Synthetic marks hint documents injected by the retriever rather
	// than retrieved from a corpus.
	Synthetic bool `json:"synthetic,omitempty"`
}

// ContextBundle is the token-capped retrieval context for one request.
type ContextBundle struct {
	Items       []ContextItem `json:"items"`
	TotalTokens int           `json:"totalTokens"`
	Budget      int           `json:"budget"`
}

// Text renders the bundle as the prompt block consumed by the engineer.
func (b ContextBundle) Text() string {
	var sb strings.Builder
	for _, item := range b.Items {
		sb.WriteString(item.Text)
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

// TypeCounts returns how many items of each type survived budgeting.
func (b ContextBundle) TypeCounts() map[DocType]int {
	counts := make(map[DocType]int)
	for _, item := range b.Items {
		counts[item.Type]++
	}
	return counts
}
