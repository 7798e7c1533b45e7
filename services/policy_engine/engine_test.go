// Copyright (C) 2025 QueryLens
// Tests for the SQL execution policy gate.

package policy_engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(scope ...string) *PolicyEngine {
	return NewPolicyEngine(Config{MaxJoins: 5, Scope: scope, RequireWhere: true})
}

func TestEvaluate_EmptySQL(t *testing.T) {
	d := newEngine().Evaluate("   ", "")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Violations, ViolationEmptySQL)
	assert.Equal(t, 400, d.HTTPStatus())
}

func TestEvaluate_WriteKeywordBlocked(t *testing.T) {
	for _, sql := range []string{
		"DELETE FROM ADMISSIONS",
		"UPDATE PATIENTS SET GENDER = 'M'",
		"DROP TABLE ICUSTAYS",
	} {
		d := newEngine().Evaluate(sql, "")
		assert.False(t, d.Allowed, sql)
		assert.Contains(t, d.Violations, ViolationWriteKeyword, sql)
	}
}

func TestEvaluate_WriteKeywordInLiteralIgnored(t *testing.T) {
	sql := "SELECT * FROM NOTES WHERE TEXT = 'please delete this row'"
	d := newEngine().Evaluate(sql, "")
	assert.True(t, d.Allowed, "write verb inside a literal must not trip the gate")
}

func TestEvaluate_WriteKeywordInCommentIgnored(t *testing.T) {
	sql := "SELECT COUNT(*) FROM ADMISSIONS -- do not DROP anything\nWHERE ADMISSION_TYPE = 'EMERGENCY'"
	d := newEngine().Evaluate(sql, "")
	assert.True(t, d.Allowed)
}

func TestEvaluate_OnlySelectOrWith(t *testing.T) {
	d := newEngine().Evaluate("EXPLAIN PLAN FOR SELECT 1 FROM DUAL", "")
	assert.Contains(t, d.Violations, ViolationUnsupportedStmt)

	d = newEngine().Evaluate("WITH x AS (SELECT 1 FROM DUAL) SELECT * FROM x WHERE 1=1", "")
	assert.True(t, d.Allowed)
}

func TestEvaluate_JoinLimit(t *testing.T) {
	e := NewPolicyEngine(Config{MaxJoins: 2, RequireWhere: false})
	sql := `SELECT a.SUBJECT_ID FROM ADMISSIONS a
		JOIN PATIENTS p ON p.SUBJECT_ID = a.SUBJECT_ID
		JOIN ICUSTAYS i ON i.HADM_ID = a.HADM_ID
		JOIN DIAGNOSES_ICD d ON d.HADM_ID = a.HADM_ID`
	d := e.Evaluate(sql, "")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Violations, ViolationJoinLimit)
	assert.Equal(t, 3, d.JoinCount)
}

func TestEvaluate_ScopeWhitelist(t *testing.T) {
	e := newEngine("ADMISSIONS", "PATIENTS")

	d := e.Evaluate("SELECT COUNT(*) FROM ADMISSIONS WHERE ADMISSION_TYPE = 'EMERGENCY'", "")
	assert.True(t, d.Allowed)

	d = e.Evaluate("SELECT COUNT(*) FROM ICUSTAYS WHERE LOS > 1", "")
	require.False(t, d.Allowed)
	assert.Contains(t, d.Violations, ViolationTableNotAllowed)
	assert.Equal(t, 403, d.HTTPStatus())
}

func TestEvaluate_CTENamesAndDualAllowed(t *testing.T) {
	e := newEngine("ADMISSIONS")
	sql := `WITH yearly AS (
		SELECT EXTRACT(YEAR FROM ADMITTIME) yr, COUNT(*) cnt
		FROM ADMISSIONS GROUP BY EXTRACT(YEAR FROM ADMITTIME)
	)
	SELECT yr, cnt FROM yearly WHERE cnt > 0`
	d := e.Evaluate(sql, "")
	assert.True(t, d.Allowed, "CTE name must not count against scope: %v", d.Messages)

	d = e.Evaluate("SELECT SYSDATE FROM DUAL", "")
	assert.True(t, d.Allowed)
}

func TestEvaluate_DualOnlyDeferredUnderScope(t *testing.T) {
	e := newEngine("ADMISSIONS")

	d := e.Evaluate("SELECT 1 FROM DUAL WHERE 1 = 1", "")
	assert.True(t, d.Allowed)
	assert.True(t, d.Deferred, "DUAL-only statement under a scope must be flagged deferred")
	assert.Contains(t, d.Messages, "scope violation deferred: DUAL-only reference")

	// A real in-scope table alongside DUAL is an ordinary pass.
	d = e.Evaluate("SELECT a.HADM_ID FROM ADMISSIONS a CROSS JOIN DUAL WHERE a.HADM_ID IS NOT NULL", "")
	assert.True(t, d.Allowed)
	assert.False(t, d.Deferred)

	// Without a configured scope there is nothing to defer.
	d = newEngine().Evaluate("SELECT SYSDATE FROM DUAL", "")
	assert.True(t, d.Allowed)
	assert.False(t, d.Deferred)
}

func TestEvaluate_SchemaPrefixStripped(t *testing.T) {
	e := newEngine("ADMISSIONS")
	d := e.Evaluate("SELECT COUNT(*) FROM MIMIC.ADMISSIONS WHERE HADM_ID IS NOT NULL", "")
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"ADMISSIONS"}, d.Tables)
}

func TestEvaluate_WhereRequired(t *testing.T) {
	d := newEngine().Evaluate("SELECT SUBJECT_ID, HADM_ID FROM ADMISSIONS", "입원 환자 목록이 필요한데요")
	// Sample-listing hint exempts the WHERE requirement.
	assert.True(t, d.Allowed)

	d = newEngine().Evaluate("SELECT SUBJECT_ID, HADM_ID FROM ADMISSIONS", "환자별 입원 이력")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Violations, ViolationWhereRequired)
}

func TestEvaluate_AggregateWhereOptional(t *testing.T) {
	d := newEngine().Evaluate("SELECT COUNT(*) FROM ADMISSIONS", "전체 입원 건수는?")
	assert.True(t, d.Allowed)
	assert.Contains(t, d.Messages, "Aggregate question: WHERE optional")
}

func TestEvaluate_GroupByWhereOptional(t *testing.T) {
	sql := "SELECT ADMISSION_TYPE, COUNT(*) FROM ADMISSIONS GROUP BY ADMISSION_TYPE"
	d := newEngine().Evaluate(sql, "")
	assert.True(t, d.Allowed)
}

func TestEvaluate_RowCapWhereOptional(t *testing.T) {
	for _, sql := range []string{
		"SELECT * FROM ADMISSIONS FETCH FIRST 10 ROWS ONLY",
		"SELECT * FROM (SELECT * FROM ADMISSIONS) WHERE ROWNUM <= 5",
	} {
		d := newEngine().Evaluate(sql, "")
		assert.True(t, d.Allowed, sql)
	}
}

func TestEvaluate_StatusFlagProjectionWhereOptional(t *testing.T) {
	sql := "SELECT SUBJECT_ID, HOSPITAL_EXPIRE_FLAG FROM ADMISSIONS"
	d := newEngine().Evaluate(sql, "")
	assert.True(t, d.Allowed)
}

func TestStripNoise(t *testing.T) {
	got := StripNoise("SELECT 'a''b' FROM T -- trailing\n/* block */ WHERE X = 'y'")
	assert.NotContains(t, got, "a''b")
	assert.NotContains(t, got, "trailing")
	assert.NotContains(t, got, "block")
	assert.Contains(t, got, "WHERE X = ''")
}

func TestCTENames_Multiple(t *testing.T) {
	sql := `WITH first_icu AS (SELECT 1 FROM DUAL), cohort (id) AS (SELECT 2 FROM DUAL) SELECT * FROM first_icu`
	names := CTENames(sql)
	assert.Contains(t, names, "FIRST_ICU")
	assert.Contains(t, names, "COHORT")
}

func TestTableRefs_CommaJoinAndAliases(t *testing.T) {
	tables, joins := TableRefs("SELECT * FROM ADMISSIONS a, PATIENTS p WHERE a.SUBJECT_ID = p.SUBJECT_ID")
	assert.ElementsMatch(t, []string{"ADMISSIONS", "PATIENTS"}, tables)
	assert.Zero(t, joins)
}

func TestTableRefs_SubqueryFromSkipped(t *testing.T) {
	tables, _ := TableRefs("SELECT * FROM (SELECT * FROM ICUSTAYS) s WHERE ROWNUM <= 3")
	assert.ElementsMatch(t, []string{"ICUSTAYS"}, tables)
}
