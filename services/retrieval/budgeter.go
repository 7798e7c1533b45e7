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
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// Role quotas for the context budget. Schemas dominate; the remainder after
// schema/example/glossary goes to templates and dictionaries.
const (
	quotaSchema         = 0.55
	quotaSchemaAllScope = 0.50 // scope is effectively "all tables"
	quotaExamples       = 0.25
	quotaExamplesAll    = 0.30
	quotaGlossary       = 0.12
)

// Budgeter token-caps the ranked retrieval set by role quota.
//
// Token counts use the cl100k_base encoding when available; the whitespace
// estimate is the fallback when the tokenizer cannot initialize (offline
// builds without the BPE file).
type Budgeter struct {
	budget int

	once      sync.Once
	tokenizer *tiktoken.Tiktoken
}

// NewBudgeter creates a budgeter with a total token budget.
func NewBudgeter(budget int) *Budgeter {
	if budget <= 0 {
		budget = 6000
	}
	return &Budgeter{budget: budget}
}

// CountTokens estimates the token count of text.
func (b *Budgeter) CountTokens(text string) int {
	b.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			b.tokenizer = enc
		}
	})
	if b.tokenizer != nil {
		return len(b.tokenizer.Encode(text, nil, nil))
	}
	return len(strings.Fields(text))
}

// Apply fills the budget in two passes: a quota-respecting pass per role,
// then a leftover pass by score across everything that did not fit.
// allTablesScope shifts the schema quota down and examples up, matching
// the wider schema surface already guaranteed by scope injection.
func (b *Budgeter) Apply(items []datatypes.ContextItem, allTablesScope bool) datatypes.ContextBundle {
	ranked := make([]datatypes.ContextItem, len(items))
	copy(ranked, items)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	for i := range ranked {
		if ranked[i].Tokens == 0 {
			ranked[i].Tokens = b.CountTokens(ranked[i].Text)
		}
	}

	schemaQ, exampleQ := quotaSchema, quotaExamples
	if allTablesScope {
		schemaQ, exampleQ = quotaSchemaAllScope, quotaExamplesAll
	}
	quotas := map[datatypes.DocType]int{
		datatypes.DocSchema:   int(float64(b.budget) * schemaQ),
		datatypes.DocExample:  int(float64(b.budget) * exampleQ),
		datatypes.DocGlossary: int(float64(b.budget) * quotaGlossary),
	}
	// Everything else (templates, dictionaries, profiles) shares the rest.
	restQuota := b.budget
	for _, q := range quotas {
		restQuota -= q
	}

	bundle := datatypes.ContextBundle{Budget: b.budget}
	used := map[datatypes.DocType]int{}
	taken := make(map[int]bool, len(ranked))
	restUsed := 0

	// Pass 1: quota-respecting fill in score order.
	for i, item := range ranked {
		quota, hasQuota := quotas[item.Type]
		if hasQuota {
			if used[item.Type]+item.Tokens > quota {
				continue
			}
			used[item.Type] += item.Tokens
		} else {
			if restUsed+item.Tokens > restQuota {
				continue
			}
			restUsed += item.Tokens
		}
		bundle.Items = append(bundle.Items, item)
		bundle.TotalTokens += item.Tokens
		taken[i] = true
	}

	// Pass 2: fill leftovers by score until the total budget is spent.
	for i, item := range ranked {
		if taken[i] {
			continue
		}
		if bundle.TotalTokens+item.Tokens > b.budget {
			continue
		}
		bundle.Items = append(bundle.Items, item)
		bundle.TotalTokens += item.Tokens
		taken[i] = true
	}

	// Keep schemas first, then examples, then the rest, preserving score
	// order inside each group; the engineer prompt reads top down.
	sort.SliceStable(bundle.Items, func(i, j int) bool {
		pi, pj := rolePriority(bundle.Items[i].Type), rolePriority(bundle.Items[j].Type)
		if pi != pj {
			return pi < pj
		}
		return bundle.Items[i].Score > bundle.Items[j].Score
	})
	return bundle
}

func rolePriority(t datatypes.DocType) int {
	switch t {
	case datatypes.DocSchema:
		return 0
	case datatypes.DocExample:
		return 1
	case datatypes.DocGlossary:
		return 2
	case datatypes.DocTemplate:
		return 3
	default:
		return 4
	}
}
