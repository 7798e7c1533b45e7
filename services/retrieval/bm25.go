// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"math"
	"sort"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// BM25 parameters. Standard Okapi values; not worth tuning per corpus.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// BM25Index is an in-memory lexical index over one document corpus.
// Build once per retrieval call from the (cached) corpus snapshot; the
// index itself is not safe for concurrent mutation but is never mutated
// after NewBM25Index returns.
type BM25Index struct {
	docs      []datatypes.Document
	docTokens [][]string
	docFreq   map[string]int
	avgLen    float64
}

// NewBM25Index tokenizes every document and precomputes document
// frequencies. Documents beyond maxDocs are ignored (the caller sorts or
// caps the corpus; column_value corpora use a floor of 2500).
func NewBM25Index(docs []datatypes.Document, maxDocs int) *BM25Index {
	if maxDocs > 0 && len(docs) > maxDocs {
		docs = docs[:maxDocs]
	}
	idx := &BM25Index{
		docs:      docs,
		docTokens: make([][]string, len(docs)),
		docFreq:   make(map[string]int),
	}
	totalLen := 0
	for i, doc := range docs {
		tokens := Tokenize(doc.Text)
		idx.docTokens[i] = tokens
		totalLen += len(tokens)
		seen := make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				idx.docFreq[t]++
			}
		}
	}
	if len(docs) > 0 {
		idx.avgLen = float64(totalLen) / float64(len(docs))
	}
	return idx
}

// Len returns the indexed document count.
func (idx *BM25Index) Len() int { return len(idx.docs) }

// Tokens returns the token slice of document i.
func (idx *BM25Index) Tokens(i int) []string { return idx.docTokens[i] }

// Search scores every indexed document against the query tokens and
// returns the top-k with positive scores, best first.
func (idx *BM25Index) Search(queryTokens []string, k int) []datatypes.ScoredDoc {
	if len(idx.docs) == 0 || len(queryTokens) == 0 {
		return nil
	}
	n := float64(len(idx.docs))
	scored := make([]datatypes.ScoredDoc, 0, len(idx.docs))
	for i, doc := range idx.docs {
		tokens := idx.docTokens[i]
		if len(tokens) == 0 {
			continue
		}
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		var score float64
		for _, q := range queryTokens {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			df := float64(idx.docFreq[q])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*float64(len(tokens))/idx.avgLen))
			score += idf * norm
		}
		if score > 0 {
			scored = append(scored, datatypes.ScoredDoc{Doc: doc, Score: score})
		}
	}
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// NormalizeScores maps scores onto [0, 1] by dividing by the max. Returns
// a docID->normalized map; an empty input yields an empty map.
func NormalizeScores(scored []datatypes.ScoredDoc) map[string]float64 {
	out := make(map[string]float64, len(scored))
	var max float64
	for _, s := range scored {
		if s.Score > max {
			max = s.Score
		}
	}
	if max == 0 {
		return out
	}
	for _, s := range scored {
		out[s.Doc.ID] = s.Score / max
	}
	return out
}
