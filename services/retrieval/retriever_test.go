// Copyright (C) 2025 QueryLens
// Tests for hybrid retrieval, matchers, and the context budgeter.

package retrieval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// writeCorpus writes documents into <dir>/<type>.jsonl.
func writeCorpus(t *testing.T, dir string, docType datatypes.DocType, docs []datatypes.Document) {
	t.Helper()
	var sb strings.Builder
	for _, d := range docs {
		line, err := json.Marshal(d)
		require.NoError(t, err)
		sb.Write(line)
		sb.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, string(docType)+".jsonl"), []byte(sb.String()), 0o644))
}

func newTestRetriever(t *testing.T, dir string) *Retriever {
	t.Helper()
	cache := NewMetadataCache(dir)
	t.Cleanup(func() { _ = cache.Close() })
	local := NewLocalStore(cache)
	catalogs := NewCatalogLoader(filepath.Join(dir, "schema_catalog.json"), filepath.Join(dir, "join_graph.json"))
	return NewRetriever(nil, local, nil, catalogs, Config{TopK: 5})
}

func schemaDoc(table string, cols string) datatypes.Document {
	return datatypes.NewDocument("TABLE "+table+"\n"+cols, datatypes.DocMeta{Type: datatypes.DocSchema, Table: table})
}

func TestBM25Index_RanksRelevantFirst(t *testing.T) {
	docs := []datatypes.Document{
		datatypes.NewDocument("ICU stay mortality rate per year", datatypes.DocMeta{Type: datatypes.DocExample}),
		datatypes.NewDocument("prescription drug dosage table", datatypes.DocMeta{Type: datatypes.DocExample}),
	}
	idx := NewBM25Index(docs, 0)
	hits := idx.Search(Tokenize("icu mortality"), 2)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Doc.Text, "ICU")
}

func TestRetrieve_AgeBias(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, datatypes.DocGlossary, []datatypes.Document{
		datatypes.NewDocument("age filters use PATIENTS.ANCHOR_AGE directly", datatypes.DocMeta{Type: datatypes.DocGlossary}),
		datatypes.NewDocument("age queries may use PATIENTS.ANCHOR_YEAR_GROUP buckets", datatypes.DocMeta{Type: datatypes.DocGlossary}),
	})
	r := newTestRetriever(t, dir)

	res, err := r.Retrieve(context.Background(), "70세 이상 나이 환자의 age 분포", nil)
	require.NoError(t, err)

	var ageScore, yearScore float64
	for _, item := range res.Items {
		if strings.Contains(item.Text, "ANCHOR_AGE") {
			ageScore = item.Score
		}
		if strings.Contains(item.Text, "ANCHOR_YEAR_GROUP") {
			yearScore = item.Score
		}
	}
	require.NotZero(t, ageScore)
	if yearScore > 0 {
		assert.Greater(t, ageScore, yearScore,
			"ANCHOR_AGE doc must outrank ANCHOR_YEAR_GROUP doc for age-without-year questions")
	}
}

func TestRetrieve_SuppressesFirstICUTemplates(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, datatypes.DocTemplate, []datatypes.Document{
		datatypes.NewDocument(
			"첫 ICU 입실: ROW_NUMBER() OVER (PARTITION BY SUBJECT_ID ORDER BY INTIME) first icu stay",
			datatypes.DocMeta{Type: datatypes.DocTemplate}),
		datatypes.NewDocument("ICU 재원일수: OUTTIME - INTIME 평균", datatypes.DocMeta{Type: datatypes.DocTemplate}),
	})
	r := newTestRetriever(t, dir)

	res, err := r.Retrieve(context.Background(), "ICU 재원일수 평균", nil)
	require.NoError(t, err)
	for _, item := range res.Items {
		assert.NotContains(t, item.Text, "ROW_NUMBER",
			"first-ICU template must be suppressed without first-ICU intent")
	}

	res, err = r.Retrieve(context.Background(), "첫 ICU 입실 기준 재원일수", nil)
	require.NoError(t, err)
	found := false
	for _, item := range res.Items {
		if strings.Contains(item.Text, "ROW_NUMBER") {
			found = true
		}
	}
	assert.True(t, found, "explicit first-ICU intent keeps the template")
}

func TestRetrieve_ServiceHintInjected(t *testing.T) {
	dir := t.TempDir()
	r := newTestRetriever(t, dir)

	res, err := r.Retrieve(context.Background(), "응급 입원 환자 수", nil)
	require.NoError(t, err)

	found := false
	for _, item := range res.Items {
		if item.Synthetic && strings.Contains(item.Text, "ADMISSIONS.ADMISSION_TYPE") {
			found = true
		}
	}
	assert.True(t, found, "admission-type hint must be injected when no value-catalog match exists")
}

func TestRetrieve_ScopeFilterAndInjection(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, datatypes.DocSchema, []datatypes.Document{
		schemaDoc("ADMISSIONS", "  HADM_ID NUMBER NOT NULL"),
		schemaDoc("PRESCRIPTIONS", "  DRUG VARCHAR2 NULL"),
	})
	catalog := SchemaCatalog{
		Owner: "MIMIC",
		Tables: map[string]SchemaTable{
			"ADMISSIONS": {Columns: []SchemaColumn{{Name: "HADM_ID", Type: "NUMBER"}}},
			"ICUSTAYS":   {Columns: []SchemaColumn{{Name: "STAY_ID", Type: "NUMBER"}}},
		},
	}
	data, err := json.Marshal(catalog)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schema_catalog.json"), data, 0o644))

	r := newTestRetriever(t, dir)
	res, err := r.Retrieve(context.Background(), "admissions 입원 건수", []string{"ADMISSIONS", "ICUSTAYS"})
	require.NoError(t, err)

	sawICUStays := false
	for _, item := range res.Items {
		if item.Type != datatypes.DocSchema {
			continue
		}
		table := schemaDocTable(item.Text)
		assert.NotEqual(t, "PRESCRIPTIONS", table, "out-of-scope schema doc must be dropped")
		if table == "ICUSTAYS" {
			sawICUStays = true
			assert.True(t, item.Synthetic)
		}
	}
	assert.True(t, sawICUStays, "missing scoped table must be injected from the catalog")
}

func TestMatchColumnValues_RequiresStructuralHit(t *testing.T) {
	docs := []datatypes.Document{
		datatypes.NewDocument("admission type emergency", datatypes.DocMeta{
			Type: datatypes.DocColumnValue, Table: "ADMISSIONS", Column: "ADMISSION_TYPE",
			Value: "EMERGENCY", Description: "응급 입원",
		}),
		datatypes.NewDocument("marital status", datatypes.DocMeta{
			Type: datatypes.DocColumnValue, Table: "ADMISSIONS", Column: "MARITAL_STATUS",
			Value: "MARRIED", Description: "기혼",
		}),
	}

	matches := MatchColumnValues("EMERGENCY 입원 건수를 알려줘", docs)
	require.Len(t, matches, 1)
	assert.Equal(t, "ADMISSION_TYPE", matches[0].Column)
	assert.True(t, matches[0].Structural)
	assert.GreaterOrEqual(t, matches[0].Score, cvScoreValueSubstr)

	// Description-only overlap must not emit.
	matches = MatchColumnValues("기혼 여부 통계", docs)
	assert.Empty(t, matches)
}

func TestRemapPrevService(t *testing.T) {
	matches := []ColumnValueMatch{{Table: "SERVICES", Column: "PREV_SERVICE", Value: "MED"}}

	out, assumptions := RemapPrevService(matches, "MED 서비스 환자 수")
	require.Len(t, out, 1)
	assert.Equal(t, "CURR_SERVICE", out[0].Column)
	require.Len(t, assumptions, 1)
	assert.Equal(t, "SERVICES.PREV_SERVICE", assumptions[0].Field)

	out, assumptions = RemapPrevService(matches, "이전 서비스에서 전과된 환자")
	assert.Equal(t, "PREV_SERVICE", out[0].Column)
	assert.Empty(t, assumptions)
}

func TestMatchICDTerms(t *testing.T) {
	docs := []datatypes.Document{
		datatypes.NewDocument("고혈압", datatypes.DocMeta{
			Type: datatypes.DocDiagnosisMap, Term: "고혈압", Value: "I10,I11,I12",
		}),
		datatypes.NewDocument("당뇨", datatypes.DocMeta{
			Type: datatypes.DocDiagnosisMap, Term: "당뇨", Value: "250",
		}),
	}

	matches := MatchICDTerms("고혈압 환자의 평균 나이", docs)
	require.Len(t, matches, 1)
	assert.Equal(t, []string{"I10", "I11", "I12"}, matches[0].Prefixes)
	assert.Equal(t, 10, matches[0].Version)

	matches = MatchICDTerms("당뇨 환자 수", docs)
	require.Len(t, matches, 1)
	assert.Equal(t, 9, matches[0].Version, "numeric prefixes are ICD-9")

	item := matches[0].Doc()
	assert.Contains(t, item.Text, "250%")
	assert.Contains(t, item.Text, "ICD_VERSION")
}

func TestMatchLabelIntents(t *testing.T) {
	docs := []datatypes.Document{
		datatypes.NewDocument("hemodialysis items: D_ITEMS.LABEL LIKE '%Dialysis%'", datatypes.DocMeta{
			Type: datatypes.DocLabelIntent, Name: "hemodialysis",
			Value:       "투석,dialysis",
			Description: "혈액,hemo",
		}),
	}

	matches := MatchLabelIntents("혈액 투석 받은 환자 수", docs)
	require.Len(t, matches, 1)
	assert.Equal(t, "hemodialysis", matches[0].Concept)
	assert.Greater(t, matches[0].Score, 10)

	// Anchor without any required term must not match.
	assert.Empty(t, MatchLabelIntents("복막 투석과 무관한 dialysis 언급 없음?", nil))
	assert.Empty(t, MatchLabelIntents("일반 환자 수", docs))
}

func TestBudgeter_QuotasAndLeftovers(t *testing.T) {
	b := NewBudgeter(100)
	long := strings.Repeat("schema column ", 20) // well over the schema quota
	items := []datatypes.ContextItem{
		{Type: datatypes.DocSchema, Text: "TABLE A\n COL1", Score: 1.0},
		{Type: datatypes.DocSchema, Text: long, Score: 0.9},
		{Type: datatypes.DocExample, Text: "example one", Score: 0.8},
		{Type: datatypes.DocGlossary, Text: "glossary entry", Score: 0.7},
		{Type: datatypes.DocTemplate, Text: "template entry", Score: 0.6},
	}

	bundle := b.Apply(items, false)
	assert.LessOrEqual(t, bundle.TotalTokens, 100)
	counts := bundle.TypeCounts()
	assert.GreaterOrEqual(t, counts[datatypes.DocSchema], 1)
	assert.GreaterOrEqual(t, counts[datatypes.DocExample], 1)

	// Schemas render before everything else.
	require.NotEmpty(t, bundle.Items)
	assert.Equal(t, datatypes.DocSchema, bundle.Items[0].Type)
}

func TestEffectiveScope(t *testing.T) {
	catalog := &SchemaCatalog{Tables: map[string]SchemaTable{
		"A": {}, "B": {}, "C": {}, "D": {}, "E": {},
		"F": {}, "G": {}, "H": {}, "I": {}, "J": {},
	}}

	assert.Nil(t, EffectiveScope(nil, catalog))
	assert.Equal(t, []string{"A", "B"}, EffectiveScope([]string{"b", "a"}, catalog))
	// >= 80% of the catalog is effectively all tables.
	wide := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	assert.Nil(t, EffectiveScope(wide, catalog))
}

func TestMetadataCache_ReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	cache := NewMetadataCache(dir)
	defer cache.Close()

	writeCorpus(t, dir, datatypes.DocGlossary, []datatypes.Document{
		datatypes.NewDocument("v1", datatypes.DocMeta{Type: datatypes.DocGlossary}),
	})
	docs, err := cache.Get(datatypes.DocGlossary)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	writeCorpus(t, dir, datatypes.DocGlossary, []datatypes.Document{
		datatypes.NewDocument("v2-a", datatypes.DocMeta{Type: datatypes.DocGlossary}),
		datatypes.NewDocument("v2-b", datatypes.DocMeta{Type: datatypes.DocGlossary}),
	})
	cache.Invalidate()
	docs, err = cache.Get(datatypes.DocGlossary)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestMetadataCache_MissingFileEmptyCorpus(t *testing.T) {
	cache := NewMetadataCache(t.TempDir())
	defer cache.Close()
	docs, err := cache.Get(datatypes.DocExample)
	require.NoError(t, err)
	assert.Empty(t, docs)
}
