// Copyright (C) 2025 QueryLens
// Tests for the Core A pipeline stages that run without an LLM.

package nlsql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/services/orchestrator/datatypes"
	"github.com/sso312/querylens/services/retrieval"
)

func TestClassifyRisk_WriteKeywordEscalates(t *testing.T) {
	score := ClassifyRisk("ADMISSIONS 테이블 데이터 삭제해줘")
	assert.Equal(t, datatypes.IntentRisky, score.Intent)
	assert.GreaterOrEqual(t, score.Risk, 5)
}

func TestClassifyRisk_AnalyticalCombination(t *testing.T) {
	score := ClassifyRisk("2018년부터 2020년까지 ICU 환자의 연도별 사망률")
	assert.Equal(t, datatypes.IntentRead, score.Intent)
	assert.GreaterOrEqual(t, score.Complexity, 3, "derived metric + stratification + cohort: %v", score.Signals)
	assert.GreaterOrEqual(t, score.Risk, 2)
	assert.Contains(t, score.Signals, "derived_metric")
	assert.Contains(t, score.Signals, "stratification")
}

func TestClassifyRisk_SimpleCount(t *testing.T) {
	score := ClassifyRisk("입원 건수 알려줘")
	assert.Equal(t, datatypes.IntentRead, score.Intent)
	assert.LessOrEqual(t, score.Complexity, 1)
}

// ===== Clarifier =====

func newTestClarifier(autofill bool) *Clarifier {
	return NewClarifier(nil, logging.Default(), "", 0, autofill)
}

func TestClarify_HypertensionNeedsDefinition(t *testing.T) {
	res, _ := newTestClarifier(false).Clarify(context.Background(), "고혈압 환자 수 알려줘", nil)
	require.True(t, res.NeedClarification)
	assert.Contains(t, res.ClarificationQuestion, "정의")
	assert.Equal(t, []string{
		"진단 코드 기반 (I10-I15)",
		"항고혈압제 복용 기준",
		"입실 전 병력(comorbidity)",
		"고혈압 위기 제외",
	}, res.Options)
}

func TestClarify_ResolverInQuestionSkipsClarification(t *testing.T) {
	res, _ := newTestClarifier(false).Clarify(context.Background(), "진단 코드 기반으로 고혈압 환자 수 알려줘", nil)
	assert.False(t, res.NeedClarification)
}

func TestClarify_ResolverInHistorySkipsClarification(t *testing.T) {
	history := []datatypes.ConversationTurn{
		{Role: "assistant", Content: "고혈압의 정의 기준을 선택해 주세요."},
		{Role: "user", Content: "진단 코드 기반 (I10-I15)"},
	}
	res, _ := newTestClarifier(false).Clarify(context.Background(), "고혈압 환자 수 알려줘", history)
	assert.False(t, res.NeedClarification)
}

func TestClarify_FollowUpPrependsPreviousQuestion(t *testing.T) {
	history := []datatypes.ConversationTurn{
		{Role: "user", Content: "2019년 ICU 입실 환자 수"},
		{Role: "assistant", Content: "1234명입니다"},
	}
	res, _ := newTestClarifier(false).Clarify(context.Background(), "그 조건에서 남성만 보여줘", history)
	assert.Contains(t, res.RefinedQuestion, "[후속 질문]")
	assert.Contains(t, res.RefinedQuestion, "2019년 ICU 입실 환자 수")
}

func TestClarify_SlotMemoryComposesRefinedQuestion(t *testing.T) {
	history := []datatypes.ConversationTurn{
		{Role: "user", Content: "2019년 데이터로 봐줘"},
		{Role: "user", Content: "대상은 ICU 환자"},
	}
	res, _ := newTestClarifier(false).Clarify(context.Background(), "사망률 알려줘", history)
	assert.Contains(t, res.RefinedQuestion, "기간:")
	assert.Contains(t, res.RefinedQuestion, "대상:")
	assert.Contains(t, res.RefinedQuestion, "지표:")
}

func TestClarify_ScopeAutofillSurfacesAssumptions(t *testing.T) {
	res, assumptions := newTestClarifier(true).Clarify(context.Background(), "사망률 알려줘", nil)
	assert.False(t, res.NeedClarification)
	require.Len(t, assumptions, 2)
	assert.Equal(t, "period", assumptions[0].Field)
	assert.Equal(t, "전체 기간", assumptions[0].Value)
	assert.Equal(t, "cohort", assumptions[1].Field)
	assert.Contains(t, res.RefinedQuestion, "전체 기간")
}

func TestStripASCIIWords_KeepsClinicalTokens(t *testing.T) {
	out := stripASCIIWords("고혈압 definition 기준을 ICU 기준으로 select 해주세요")
	assert.NotContains(t, out, "definition")
	assert.NotContains(t, out, "select")
	assert.Contains(t, out, "ICU")
}

// ===== Translator =====

func TestFixAdmissionTypes_NeverSwapsEmergencyUrgent(t *testing.T) {
	out := FixAdmissionTypes("응급 입원 환자 수", "Number of URGENT admissions")
	assert.Contains(t, out, "EMERGENCY")
	assert.NotContains(t, out, "URGENT")

	out = FixAdmissionTypes("긴급 입원 환자 수", "Number of EMERGENCY admissions")
	assert.Contains(t, out, "URGENT")
	assert.NotContains(t, out, "EMERGENCY")
}

func TestFixAdmissionTypes_ElectivePreferred(t *testing.T) {
	for _, wrong := range []string{"SCHEDULED", "OPTIONAL", "SELECTIVE"} {
		out := FixAdmissionTypes("예약 입원 비율", "Ratio of "+wrong+" admissions")
		assert.Contains(t, out, "ELECTIVE", "wrong rendering %s", wrong)
	}
}

func TestFixAdmissionTypes_BothTypesPresentLeftAlone(t *testing.T) {
	out := FixAdmissionTypes("응급 대 긴급 입원 비교", "EMERGENCY versus URGENT admissions")
	assert.Contains(t, out, "EMERGENCY")
	assert.Contains(t, out, "URGENT")
}

// ===== Planner gate =====

func newTestPlanner(mode string) *Planner {
	return NewPlanner(nil, logging.Default(), PlannerConfig{Mode: mode})
}

func TestPlannerGate_RequiresTwoSignals(t *testing.T) {
	p := newTestPlanner(PlannerModeComplexOnly)

	// Short, simple question: at most one gate signal.
	_, decision := p.Plan(context.Background(), "입원 수", datatypes.RiskScore{}, false)
	assert.False(t, decision.Activated)
	assert.Less(t, decision.GateCount, 2)

	// Stratified long question with complexity: gate fires. The planner
	// LLM is nil so the intent falls back to synthesized/nil.
	risk := datatypes.RiskScore{Complexity: 3}
	_, decision = p.Plan(context.Background(), "2018년부터 2020년까지 ICU 환자의 연도별 사망률 알려줘", risk, false)
	assert.True(t, decision.Activated)
	assert.GreaterOrEqual(t, decision.GateCount, 2)
}

func TestPlannerGate_SynthesizedAgeHint(t *testing.T) {
	p := newTestPlanner(PlannerModeComplexOnly)
	intent, decision := p.Plan(context.Background(), "나이가 많은 환자", datatypes.RiskScore{}, true)
	require.NotNil(t, intent)
	assert.True(t, decision.Synthesized)
	assert.Contains(t, intent.IntentSummary, "anchor_age")
	assert.Empty(t, intent.Grain, "bare age mention must not force age_group grain")

	intent, _ = p.Plan(context.Background(), "연령별 사망률", datatypes.RiskScore{}, true)
	require.NotNil(t, intent)
	assert.Equal(t, "age_group", intent.Grain)
}

func TestPlannerGate_OffMode(t *testing.T) {
	p := newTestPlanner(PlannerModeOff)
	intent, decision := p.Plan(context.Background(), "아무 질문", datatypes.RiskScore{Complexity: 9}, false)
	assert.Nil(t, intent)
	assert.False(t, decision.Activated)
}

// ===== Postprocessor =====

func newTestPostprocessor() *Postprocessor {
	return NewPostprocessor(defaultRules(), logging.Default())
}

func TestPostprocess_MortalityRatioRewrite(t *testing.T) {
	sql := "SELECT SUM(HOSPITAL_EXPIRE_FLAG) / COUNT(*) FROM ADMISSIONS"
	out, applied := newTestPostprocessor().Apply(PostprocessInput{
		Question: "전체 사망률 알려줘",
		SQL:      sql,
	})
	assert.Contains(t, out, "COUNT(DISTINCT CASE WHEN HOSPITAL_EXPIRE_FLAG = 1 THEN HADM_ID END)")
	assert.Contains(t, out, "NULLIF(COUNT(DISTINCT HADM_ID), 0)")
	assert.Contains(t, applied, "mortality_ratio")
}

func TestPostprocess_ICDRewriteAddsPrefixAndVersion(t *testing.T) {
	sql := "SELECT COUNT(DISTINCT d.SUBJECT_ID) FROM DIAGNOSES_ICD d WHERE d.SEQ_NUM = 1"
	out, applied := newTestPostprocessor().Apply(PostprocessInput{
		Question: "고혈압 환자 수",
		SQL:      sql,
		ICDMatches: []retrieval.ICDMatch{
			{Term: "고혈압", Kind: retrieval.ICDDiagnosis, Prefixes: []string{"I10", "I11"}, Version: 10},
		},
	})
	assert.Contains(t, out, "d.ICD_CODE LIKE 'I10%'")
	assert.Contains(t, out, "d.ICD_CODE LIKE 'I11%'")
	assert.Contains(t, out, "d.ICD_VERSION = 10")
	assert.Contains(t, applied, "diagnosis_icd_rewrite")
}

func TestPostprocess_ICDRewriteSkipsWhenAlreadyFiltered(t *testing.T) {
	sql := "SELECT COUNT(*) FROM DIAGNOSES_ICD WHERE ICD_CODE LIKE 'I10%'"
	out, applied := newTestPostprocessor().Apply(PostprocessInput{
		Question:   "고혈압 환자 수",
		SQL:        sql,
		ICDMatches: []retrieval.ICDMatch{{Term: "고혈압", Prefixes: []string{"I10"}, Version: 10}},
	})
	assert.Equal(t, sql, out)
	assert.NotContains(t, applied, "diagnosis_icd_rewrite")
}

func TestPostprocess_ICUJoinAlignment(t *testing.T) {
	sql := "SELECT COUNT(*) FROM ADMISSIONS a WHERE a.ADMISSION_TYPE = 'EMERGENCY'"
	out, applied := newTestPostprocessor().Apply(PostprocessInput{
		Question: "ICU 응급 입원 환자 수",
		SQL:      sql,
	})
	assert.Contains(t, out, "JOIN ICUSTAYS icu ON icu.HADM_ID = a.HADM_ID")
	assert.Contains(t, applied, "icu_join_alignment")
}

func TestPostprocess_AggressiveProfileSkipsSemanticRules(t *testing.T) {
	sql := "SELECT COUNT(*) FROM ADMISSIONS a"
	out, _ := newTestPostprocessor().Apply(PostprocessInput{
		Question: "ICU 환자 수",
		SQL:      sql,
		Profile:  ProfileAggressive,
	})
	assert.NotContains(t, out, "ICUSTAYS")
}

func TestInjectWherePredicate(t *testing.T) {
	out := injectWherePredicate("SELECT * FROM T WHERE A = 1", "(B = 2)")
	assert.Contains(t, out, "WHERE (B = 2) AND A = 1")

	out = injectWherePredicate("SELECT C, COUNT(*) FROM T GROUP BY C", "(B = 2)")
	assert.Contains(t, out, "WHERE (B = 2) GROUP BY C")

	out = injectWherePredicate("SELECT * FROM T", "(B = 2)")
	assert.Contains(t, out, "WHERE (B = 2)")
}

func TestRecommendProfile(t *testing.T) {
	profile, reasons := RecommendProfile("전체 사망률", "SELECT 1 FROM DUAL", "")
	assert.Equal(t, ProfileRelaxed, profile)
	assert.Contains(t, reasons, "mortality_ratio_intent")
}

// ===== Intent guard =====

func TestGuardIntent_AgeMappedToYearGroup(t *testing.T) {
	issues := GuardIntent(
		"Which age group has the highest mortality in 2019?",
		"SELECT ANCHOR_YEAR_GROUP, COUNT(*) FROM PATIENTS GROUP BY ANCHOR_YEAR_GROUP",
	)
	assert.Contains(t, issues, IssueAgeMappedToYearGroup)
}

func TestGuardIntent_AgeBandAccepted(t *testing.T) {
	sql := `SELECT CASE WHEN p.ANCHOR_AGE < 40 THEN 'under40' ELSE 'over40' END AS age_band,
		COUNT(DISTINCT CASE WHEN a.HOSPITAL_EXPIRE_FLAG = 1 THEN a.HADM_ID END) / NULLIF(COUNT(DISTINCT a.HADM_ID), 0) AS mortality
		FROM ADMISSIONS a JOIN PATIENTS p ON p.SUBJECT_ID = a.SUBJECT_ID
		GROUP BY CASE WHEN p.ANCHOR_AGE < 40 THEN 'under40' ELSE 'over40' END`
	issues := GuardIntent("Which age group has the highest mortality in 2019?", sql)
	assert.NotContains(t, issues, IssueAgeMappedToYearGroup)
	assert.NotContains(t, issues, IssueRatioMissing)
}

func TestGuardIntent_RatioMissing(t *testing.T) {
	issues := GuardIntent("사망률 알려줘", "SELECT COUNT(*) FROM ADMISSIONS")
	assert.Contains(t, issues, IssueRatioMissing)
}

func TestGuardIntent_FirstICUForced(t *testing.T) {
	sql := `SELECT * FROM (
		SELECT i.*, ROW_NUMBER() OVER (PARTITION BY i.SUBJECT_ID ORDER BY i.INTIME) rn FROM ICUSTAYS i
	) WHERE rn = 1`
	issues := GuardIntent("ICU 재원일수 평균", sql)
	assert.Contains(t, issues, IssueFirstICUForced)

	issues = GuardIntent("첫 ICU 입실 재원일수 평균", sql)
	assert.NotContains(t, issues, IssueFirstICUForced)
}

func TestGuardIntent_ICUMortalityFlagOnly(t *testing.T) {
	flagOnly := "SELECT AVG(HOSPITAL_EXPIRE_FLAG) FROM ADMISSIONS a JOIN ICUSTAYS i ON i.HADM_ID = a.HADM_ID"
	issues := GuardIntent("ICU 사망률", flagOnly)
	assert.Contains(t, issues, IssueICUMortalityFlagOnly)

	aligned := `SELECT COUNT(DISTINCT CASE WHEN a.DEATHTIME BETWEEN i.INTIME AND i.OUTTIME THEN i.STAY_ID END)
		/ NULLIF(COUNT(DISTINCT i.STAY_ID), 0)
		FROM ICUSTAYS i JOIN ADMISSIONS a ON a.HADM_ID = i.HADM_ID`
	issues = GuardIntent("ICU 사망률", aligned)
	assert.NotContains(t, issues, IssueICUMortalityFlagOnly)
}

func TestGuardIntent_StratifyAndPeriod(t *testing.T) {
	issues := GuardIntent("연도별 입원 건수", "SELECT COUNT(*) FROM ADMISSIONS")
	assert.Contains(t, issues, IssueStratifyMissing)
	assert.Contains(t, issues, IssuePeriodGrainMissing)

	ok := "SELECT EXTRACT(YEAR FROM ADMITTIME) yr, COUNT(*) FROM ADMISSIONS GROUP BY EXTRACT(YEAR FROM ADMITTIME)"
	issues = GuardIntent("연도별 입원 건수", ok)
	assert.Empty(t, issues)
}

func TestAcceptRealignment_StrictShrinkOnly(t *testing.T) {
	before := []string{IssueRatioMissing, IssueAgeMappedToYearGroup}
	assert.True(t, AcceptRealignment(before, []string{IssueRatioMissing}))
	assert.True(t, AcceptRealignment(before, nil))
	// Same size: reject.
	assert.False(t, AcceptRealignment(before, before))
	// New issue introduced: reject even though smaller.
	assert.False(t, AcceptRealignment(before, []string{IssueFirstICUForced}))
}
