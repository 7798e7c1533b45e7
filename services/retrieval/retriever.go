// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

var retrieverTracer = otel.Tracer("querylens.retrieval")

// Mode selects the retrieval algorithm.
type Mode string

const (
	// ModeBM25ThenRerank anchors semantic rerank on lexical recall: the
	// dense pool is restricted to the union of BM25 candidates and the
	// top dense hits before fusion. Default.
	ModeBM25ThenRerank Mode = "bm25_then_rerank"

	// ModeHybridLegacy fuses full BM25 and dense pools without the
	// restriction.
	ModeHybridLegacy Mode = "hybrid_legacy"
)

// Fusion weights: final = wVec*norm(dense) + wBM25*norm(bm25) + wOverlap*overlap.
const (
	domainWVec     = 0.50
	domainWBM25    = 0.40
	domainWOverlap = 0.10

	dictWVec     = 0.55
	dictWBM25    = 0.35
	dictWOverlap = 0.10
)

// Age-semantic bias multipliers for age-without-year questions.
const (
	anchorYearGroupPenalty = 0.55
	anchorAgeBoost         = 1.15
)

// Config tunes the retriever. Zero values fall back to defaults.
type Config struct {
	Mode            Mode
	TopK            int // final hits per corpus
	DenseCandidates int // dense pool size before fusion
	BM25MaxDocs     int // lexical corpus cap; floored at 2500 for column_value
	HybridEnabled   bool
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeBM25ThenRerank
	}
	if c.TopK <= 0 {
		c.TopK = 6
	}
	if c.DenseCandidates <= 0 {
		c.DenseCandidates = 40
	}
	if c.BM25MaxDocs <= 0 {
		c.BM25MaxDocs = 1200
	}
	return c
}

// Result is the ranked, pre-budget retrieval output for one question.
type Result struct {
	Items       []datatypes.ContextItem
	ICDMatches  []ICDMatch
	Values      []ColumnValueMatch
	Labels      []LabelIntentMatch
	Assumptions []datatypes.Assumption
}

// Retriever runs hybrid retrieval across the typed corpora.
//
// The vector store is optional: when it is nil or unreachable, dense
// scores are zero and ranking degrades to BM25 + lexical overlap over the
// local JSONL corpora.
type Retriever struct {
	store    DocumentStore
	local    *LocalStore
	embedder Embedder
	catalogs *CatalogLoader
	cfg      Config
}

// NewRetriever wires the retriever. store and embedder may be nil.
func NewRetriever(store DocumentStore, local *LocalStore, embedder Embedder, catalogs *CatalogLoader, cfg Config) *Retriever {
	return &Retriever{
		store:    store,
		local:    local,
		embedder: embedder,
		catalogs: catalogs,
		cfg:      cfg.withDefaults(),
	}
}

// Question intent probes used for bias, suppression, and hint injection.
var (
	ageWordRe       = regexp.MustCompile(`(?i)연령|나이|\bage\b`)
	yearWordRe      = regexp.MustCompile(`(?i)연도|년도|\byear\b|anchor_year`)
	lactateRe       = regexp.MustCompile(`(?i)lactate|젖산`)
	firstICURe      = regexp.MustCompile(`첫|처음|(?i)first\s+icu`)
	hospExpireRe    = regexp.MustCompile(`(?i)hospital_expire_flag`)
	serviceWordRe   = regexp.MustCompile(`(?i)진료과|서비스|\bservice\b|\bdepartment\b`)
	admissionTypeRe = regexp.MustCompile(`(?i)응급|긴급|예약|선택.?입원|admission\s*type|\belective\b|\burgent\b|\bemergency\b`)
)

// AgeWithoutYearIntent reports whether the question asks about age but not
// about calendar years, the precondition for the anchor-age bias.
func AgeWithoutYearIntent(question string) bool {
	return ageWordRe.MatchString(question) && !yearWordRe.MatchString(question)
}

// Retrieve runs the full hybrid retrieval for one question.
//
// scope, when non-nil, is the effective per-user table scope; schema
// documents outside it are dropped and scoped tables missing from the
// ranked set are injected from the schema catalog.
func (r *Retriever) Retrieve(ctx context.Context, question string, scope []string) (*Result, error) {
	ctx, span := retrieverTracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("mode", string(r.cfg.Mode)))

	qTokens := Tokenize(question)
	ageIntent := AgeWithoutYearIntent(question)

	var qVec []float32
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, question)
		if err != nil {
			slog.Warn("Query embedding failed, retrieval degrades to BM25", "error", err)
		} else {
			qVec = vec
		}
	}

	res := &Result{}

	for _, docType := range []datatypes.DocType{
		datatypes.DocSchema, datatypes.DocExample, datatypes.DocTemplate,
		datatypes.DocGlossary, datatypes.DocTableProfile,
	} {
		items, err := r.retrieveType(ctx, question, qTokens, qVec, docType, ageIntent)
		if err != nil {
			return nil, fmt.Errorf("retrieval failed for %s: %w", docType, err)
		}
		res.Items = append(res.Items, items...)
	}

	if err := r.matchDictionaries(ctx, question, res); err != nil {
		return nil, err
	}

	r.injectServiceHint(question, res)

	if len(scope) > 0 {
		r.applyScope(scope, res)
	}

	span.SetAttributes(attribute.Int("items", len(res.Items)))
	return res, nil
}

// retrieveType runs hybrid retrieval for a single corpus.
func (r *Retriever) retrieveType(ctx context.Context, question string, qTokens []string, qVec []float32,
	docType datatypes.DocType, ageIntent bool) ([]datatypes.ContextItem, error) {

	maxDocs := r.cfg.BM25MaxDocs
	if docType == datatypes.DocColumnValue && maxDocs < 2500 {
		maxDocs = 2500
	}

	corpus, err := r.local.ListDocuments(ctx, Filter{Type: docType}, maxDocs)
	if err != nil {
		return nil, err
	}

	idx := NewBM25Index(corpus, maxDocs)
	bm25Hits := idx.Search(qTokens, r.cfg.DenseCandidates)
	bm25Norm := NormalizeScores(bm25Hits)

	denseNorm := map[string]float64{}
	if qVec != nil && r.store != nil {
		denseHits, err := r.store.VectorSearch(ctx, qVec, r.cfg.DenseCandidates, Filter{Type: docType})
		if err != nil {
			slog.Warn("Vector search failed, continuing with BM25 only",
				"doc_type", docType, "error", err)
		} else {
			if r.cfg.Mode == ModeBM25ThenRerank {
				denseHits = restrictDensePool(denseHits, bm25Norm, r.cfg.TopK)
			}
			denseNorm = NormalizeScores(denseHits)
		}
	}

	wVec, wBM25, wOverlap := domainWVec, domainWBM25, domainWOverlap
	if docType.Dictionary() {
		wVec, wBM25, wOverlap = dictWVec, dictWBM25, dictWOverlap
	}

	// Fuse over the union of candidate IDs.
	byID := make(map[string]datatypes.Document, len(corpus))
	for _, d := range corpus {
		byID[d.ID] = d
	}
	candidates := make(map[string]struct{}, len(bm25Norm)+len(denseNorm))
	for id := range bm25Norm {
		candidates[id] = struct{}{}
	}
	for id := range denseNorm {
		candidates[id] = struct{}{}
	}

	items := make([]datatypes.ContextItem, 0, len(candidates))
	for id := range candidates {
		doc, ok := byID[id]
		if !ok {
			continue
		}
		if suppressed(doc, question) {
			continue
		}
		score := wVec*denseNorm[id] + wBM25*bm25Norm[id] +
			wOverlap*LexicalOverlap(qTokens, Tokenize(doc.Text))
		if ageIntent {
			score *= ageBias(doc.Text)
		}
		if score <= 0 {
			continue
		}
		items = append(items, datatypes.ContextItem{
			DocID: doc.ID,
			Type:  docType,
			Text:  doc.Text,
			Score: score,
		})
	}
	sort.SliceStable(items, func(a, b int) bool { return items[a].Score > items[b].Score })
	if len(items) > r.cfg.TopK {
		items = items[:r.cfg.TopK]
	}
	return items, nil
}

// restrictDensePool keeps dense hits that BM25 also surfaced, plus the top
// dense hits, so lexical recall anchors the semantic rerank.
func restrictDensePool(denseHits []datatypes.ScoredDoc, bm25Norm map[string]float64, topDense int) []datatypes.ScoredDoc {
	out := make([]datatypes.ScoredDoc, 0, len(denseHits))
	for i, hit := range denseHits {
		if _, inBM25 := bm25Norm[hit.Doc.ID]; inBM25 || i < topDense {
			out = append(out, hit)
		}
	}
	return out
}

// ageBias down-weights documents that only reference ANCHOR_YEAR_GROUP and
// boosts documents that only reference ANCHOR_AGE.
func ageBias(text string) float64 {
	upper := strings.ToUpper(text)
	hasYearGroup := strings.Contains(upper, "ANCHOR_YEAR_GROUP")
	hasAge := strings.Contains(upper, "ANCHOR_AGE")
	switch {
	case hasYearGroup && !hasAge:
		return anchorYearGroupPenalty
	case hasAge && !hasYearGroup:
		return anchorAgeBoost
	default:
		return 1.0
	}
}

// suppressed drops example/template/glossary documents pushing lactate,
// first-ICU, or HOSPITAL_EXPIRE_FLAG-as-ICU-mortality semantics unless the
// question explicitly targets them.
func suppressed(doc datatypes.Document, question string) bool {
	switch doc.Meta.Type {
	case datatypes.DocExample, datatypes.DocTemplate, datatypes.DocGlossary:
	default:
		return false
	}
	upper := strings.ToUpper(doc.Text)
	if lactateRe.MatchString(doc.Text) && !lactateRe.MatchString(question) {
		return true
	}
	if strings.Contains(upper, "ROW_NUMBER") && strings.Contains(upper, "INTIME") &&
		firstICURe.MatchString(doc.Text) && !firstICURe.MatchString(question) {
		return true
	}
	if strings.Contains(upper, "HOSPITAL_EXPIRE_FLAG") &&
		strings.Contains(upper, "ICU") && !hospExpireRe.MatchString(question) {
		return true
	}
	return false
}

// matchDictionaries runs the deterministic matchers over the dictionary
// corpora and appends their hint items.
func (r *Retriever) matchDictionaries(ctx context.Context, question string, res *Result) error {
	cvDocs, err := r.local.ListDocuments(ctx, Filter{Type: datatypes.DocColumnValue}, 0)
	if err != nil {
		return err
	}
	values := MatchColumnValues(question, cvDocs)
	values, assumptions := RemapPrevService(values, question)
	res.Values = values
	res.Assumptions = append(res.Assumptions, assumptions...)
	for _, v := range values {
		res.Items = append(res.Items, v.HintDoc())
	}

	var dictDocs []datatypes.Document
	for _, dt := range []datatypes.DocType{datatypes.DocDiagnosisMap, datatypes.DocProcedureMap} {
		docs, err := r.local.ListDocuments(ctx, Filter{Type: dt}, 0)
		if err != nil {
			return err
		}
		dictDocs = append(dictDocs, docs...)
	}
	res.ICDMatches = MatchICDTerms(question, dictDocs)
	for _, m := range res.ICDMatches {
		res.Items = append(res.Items, m.Doc())
	}

	labelDocs, err := r.local.ListDocuments(ctx, Filter{Type: datatypes.DocLabelIntent}, 0)
	if err != nil {
		return err
	}
	res.Labels = MatchLabelIntents(question, labelDocs)
	for _, l := range res.Labels {
		res.Items = append(res.Items, l.Item())
	}
	return nil
}

// injectServiceHint adds a synthetic pointer to ADMISSIONS.ADMISSION_TYPE
// or SERVICES.CURR_SERVICE when the question carries that intent but no
// value-catalog match surfaced it.
func (r *Retriever) injectServiceHint(question string, res *Result) {
	hasValueHit := func(table string) bool {
		for _, v := range res.Values {
			if v.Table == table {
				return true
			}
		}
		return false
	}

	if admissionTypeRe.MatchString(question) && !hasValueHit("ADMISSIONS") {
		text := "HINT: admission type filters use ADMISSIONS.ADMISSION_TYPE " +
			"(values: EMERGENCY, URGENT, ELECTIVE)"
		res.Items = append(res.Items, datatypes.ContextItem{
			DocID:     datatypes.ContentHash(datatypes.DocColumnValue, text),
			Type:      datatypes.DocColumnValue,
			Text:      text,
			Score:     1.0,
			Synthetic: true,
		})
	}
	if serviceWordRe.MatchString(question) && !hasValueHit("SERVICES") {
		text := "HINT: clinical service filters use SERVICES.CURR_SERVICE joined on HADM_ID"
		res.Items = append(res.Items, datatypes.ContextItem{
			DocID:     datatypes.ContentHash(datatypes.DocColumnValue, text),
			Type:      datatypes.DocColumnValue,
			Text:      text,
			Score:     1.0,
			Synthetic: true,
		})
	}
}

// applyScope drops out-of-scope schema items and injects schema docs for
// scoped tables the ranking missed, so the engineer always sees the whole
// allowed schema surface.
func (r *Retriever) applyScope(scope []string, res *Result) {
	scopeSet := make(map[string]struct{}, len(scope))
	for _, t := range scope {
		scopeSet[strings.ToUpper(t)] = struct{}{}
	}

	covered := make(map[string]struct{})
	kept := res.Items[:0]
	for _, item := range res.Items {
		if item.Type == datatypes.DocSchema {
			table := schemaDocTable(item.Text)
			if table != "" {
				if _, ok := scopeSet[table]; !ok {
					continue
				}
				covered[table] = struct{}{}
			}
		}
		kept = append(kept, item)
	}
	res.Items = kept

	catalog, err := r.catalogs.Catalog()
	if err != nil {
		slog.Warn("Schema catalog unavailable, skipping scope injection", "error", err)
		return
	}
	for table := range scopeSet {
		if _, ok := covered[table]; ok {
			continue
		}
		text := catalog.SchemaDocText(table)
		if text == "" {
			continue
		}
		res.Items = append(res.Items, datatypes.ContextItem{
			DocID:     datatypes.ContentHash(datatypes.DocSchema, text),
			Type:      datatypes.DocSchema,
			Text:      text,
			Score:     0.5,
			Synthetic: true,
		})
	}
}

var schemaTableRe = regexp.MustCompile(`(?i)^TABLE\s+([A-Z0-9_]+)`)

func schemaDocTable(text string) string {
	m := schemaTableRe.FindStringSubmatch(strings.TrimSpace(text))
	if len(m) < 2 {
		return ""
	}
	return strings.ToUpper(m[1])
}
