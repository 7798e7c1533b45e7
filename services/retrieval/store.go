// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// Filter narrows store queries to one corpus and, optionally, one table.
type Filter struct {
	Type  datatypes.DocType
	Table string
}

// DocumentStore is the vector store contract consumed by the retriever.
//
// The production implementation is Weaviate-backed; the local JSONL store
// satisfies the same interface so retrieval degrades to pure BM25 when the
// vector store is unreachable.
type DocumentStore interface {
	// VectorSearch returns the top-k documents by cosine similarity to the
	// query embedding, each with a score in [0, 1].
	VectorSearch(ctx context.Context, vector []float32, k int, filter Filter) ([]datatypes.ScoredDoc, error)

	// ListDocuments returns raw documents for lexical indexing. A zero
	// limit means store default.
	ListDocuments(ctx context.Context, filter Filter, limit int) ([]datatypes.Document, error)
}

// Embedder computes query embeddings for dense retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
