// Copyright (C) 2025 QueryLens
// Tests for the chart rule engine and the intent extractor.

package chartrules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sso312/querylens/pkg/logging"
)

func newTestEngine() *Engine {
	return NewEngine(logging.Default())
}

func multiSplitFrame() *Frame {
	return NewFrame(
		[]string{"age_group", "gender", "survival_status", "cnt"},
		[][]any{
			{"40-49", "M", "survived", 120},
			{"40-49", "F", "died", 30},
			{"50-59", "M", "survived", 95},
			{"50-59", "F", "died", 41},
			{"60-69", "M", "died", 52},
			{"60-69", "F", "survived", 88},
		},
	)
}

func TestMultiSplitBar_FirstPlanIsGroupedBar(t *testing.T) {
	f := multiSplitFrame()
	query := "연령별 사망 생존을 성별분포로 나눠서 막대그래프"
	intent := NewIntentExtractor(nil, logging.Default(), "").Extract(context.Background(), query, f)
	require.Equal(t, "comparison", intent.Intent)
	require.NotNil(t, intent.MultiSplit)
	assert.Equal(t, "age_group", intent.MultiSplit.Axis)
	assert.Equal(t, "gender", intent.MultiSplit.Group)
	assert.Equal(t, "survival_status", intent.MultiSplit.SecondaryGroup)

	res := newTestEngine().Plan(intent, f)
	require.NotEmpty(t, res.Plans)
	first := res.Plans[0]
	assert.Equal(t, ChartBarGrouped, first.ChartType)
	assert.Equal(t, "age_group", first.X)
	assert.Equal(t, "cnt", first.Y)
	assert.Equal(t, "gender", first.Group)
	assert.Equal(t, "survival_status", first.SecondaryGroup)
	assert.Equal(t, "group", first.BarMode)
}

func TestPlans_UniqueCompositeKeys(t *testing.T) {
	f := multiSplitFrame()
	intent := Intent{
		Intent:         "comparison",
		PrimaryOutcome: "cnt",
		GroupVar:       "age_group",
		UserQuery:      "연령별 비교 막대",
		MultiSplit:     &MultiSplit{Axis: "age_group", Group: "gender"},
	}
	res := newTestEngine().Plan(intent, f)
	seen := map[string]bool{}
	for _, p := range res.Plans {
		require.False(t, seen[p.key()], "duplicate plan key %q", p.key())
		seen[p.key()] = true
	}
}

func TestConstantYBarSuppressed(t *testing.T) {
	f := NewFrame(
		[]string{"age_group", "cnt"},
		[][]any{{"40-49", 7}, {"50-59", 7}, {"60-69", 7}},
	)
	intent := Intent{Intent: "comparison", PrimaryOutcome: "cnt", GroupVar: "age_group", UserQuery: "연령별 비교"}
	res := newTestEngine().Plan(intent, f)
	for _, p := range res.Plans {
		assert.False(t, p.ChartType.IsBar(), "bar plan with constant y survived: %+v", p)
	}
	assert.Contains(t, res.Notes, "bar_skipped_constant_y:cnt")
}

func TestICUTrend_ElapsedAxisAndTrajectoryGroup(t *testing.T) {
	f := NewFrame(
		[]string{"STAY_ID", "INTIME", "elapsed_hours", "heart_rate"},
		[][]any{
			{101, "2019-01-01 10:00:00", 1.0, 88.0},
			{101, "2019-01-01 10:00:00", 2.0, 92.0},
			{102, "2019-01-02 08:00:00", 1.0, 75.0},
		},
	)
	intent := Intent{
		Intent:         "trend",
		PrimaryOutcome: "heart_rate",
		GroupVar:       "SUBJECT_ID",
		UserQuery:      "ICU 입실 후 심박수 추이",
		ContextFlags:   ContextFlags{ICUContext: true},
	}
	res := newTestEngine().Plan(intent, f)
	require.NotEmpty(t, res.Plans)
	for _, p := range res.Plans {
		if p.ChartType == ChartLine || p.ChartType == ChartLineScatter {
			assert.Equal(t, "elapsed_hours", p.X, "ICU trend x must be the elapsed-time column")
			assert.Contains(t, []string{"STAY_ID", "HADM_ID", ""}, p.Group)
			assert.NotEqual(t, "SUBJECT_ID", p.Group)
		}
	}
}

func TestICUTrend_MissingElapsedColumnSkipped(t *testing.T) {
	f := NewFrame(
		[]string{"STAY_ID", "INTIME", "heart_rate"},
		[][]any{{101, "2019-01-01 10:00:00", 88.0}},
	)
	intent := Intent{
		Intent:         "trend",
		PrimaryOutcome: "heart_rate",
		UserQuery:      "ICU 심박수 추이",
		ContextFlags:   ContextFlags{ICUContext: true},
	}
	res := newTestEngine().Plan(intent, f)
	assert.Contains(t, res.Notes, "trend_skipped_no_elapsed_time_column")
	for _, p := range res.Plans {
		assert.NotEqual(t, ChartLine, p.ChartType)
	}
}

func TestPostDays_RequiresElapsedColumn(t *testing.T) {
	f := NewFrame(
		[]string{"ADMITTIME", "value"},
		[][]any{{"2019-01-01 10:00:00", 3.2}},
	)
	intent := Intent{
		Intent:         "trend",
		PrimaryOutcome: "value",
		TimeVar:        "ADMITTIME",
		UserQuery:      "입원 3일 후 수치 변화",
		ContextFlags:   ContextFlags{AdmitContext: true, PostDays: true},
	}
	res := newTestEngine().Plan(intent, f)
	assert.Contains(t, res.Notes, "trend_skipped_no_elapsed_time_column")
}

func TestDistributionPlans(t *testing.T) {
	f := NewFrame(
		[]string{"gender", "los"},
		[][]any{{"M", 3.5}, {"F", 2.1}, {"M", 7.8}, {"F", 4.0}},
	)
	intent := Intent{Intent: "distribution", PrimaryOutcome: "los", GroupVar: "gender", UserQuery: "재원일수 분포"}
	res := newTestEngine().Plan(intent, f)

	types := make(map[ChartType]bool)
	for _, p := range res.Plans {
		types[p.ChartType] = true
	}
	assert.True(t, types[ChartHist])
	assert.True(t, types[ChartViolin])
	assert.True(t, types[ChartBox])
}

func TestProportion_PieWithinCardinality(t *testing.T) {
	f := NewFrame(
		[]string{"admission_type", "cnt"},
		[][]any{{"EMERGENCY", 400}, {"URGENT", 120}, {"ELECTIVE", 210}},
	)
	intent := Intent{Intent: "proportion", PrimaryOutcome: "cnt", GroupVar: "admission_type", UserQuery: "입원 유형 비율"}
	res := newTestEngine().Plan(intent, f)
	require.NotEmpty(t, res.Plans)
	assert.Equal(t, ChartPie, res.Plans[0].ChartType)
}

func TestCorrelation_ScatterWithGroup(t *testing.T) {
	f := NewFrame(
		[]string{"gender", "anchor_age", "los"},
		[][]any{{"M", 63.0, 3.2}, {"F", 47.0, 5.9}, {"M", 71.0, 8.8}},
	)
	intent := Intent{Intent: "correlation", GroupVar: "gender", UserQuery: "나이와 재원일수 상관관계 산점도"}
	res := newTestEngine().Plan(intent, f)
	require.NotEmpty(t, res.Plans)
	first := res.Plans[0]
	assert.Equal(t, ChartScatter, first.ChartType)
	assert.Equal(t, "anchor_age", first.X)
	assert.Equal(t, "los", first.Y)
	assert.Equal(t, "gender", first.Group)
}

func TestExplicitHistInjectedToFront(t *testing.T) {
	f := multiSplitFrame()
	intent := Intent{
		Intent:           "comparison",
		PrimaryOutcome:   "cnt",
		GroupVar:         "age_group",
		RecommendedChart: string(ChartHist),
		UserQuery:        "연령별 비교인데 히스토그램으로",
	}
	res := newTestEngine().Plan(intent, f)
	require.NotEmpty(t, res.Plans)
	assert.Equal(t, ChartHist, res.Plans[0].ChartType)
}

func TestBarPlansGetMaxCategoriesDefault(t *testing.T) {
	f := multiSplitFrame()
	intent := Intent{Intent: "comparison", PrimaryOutcome: "cnt", GroupVar: "age_group", UserQuery: "연령별 비교"}
	res := newTestEngine().Plan(intent, f)
	for _, p := range res.Plans {
		if p.ChartType.IsBar() || p.ChartType == ChartLollipop {
			assert.Equal(t, defaultMaxCategories, p.MaxCategories)
		}
	}
}

func TestIdentifierGroupRejectedForComparison(t *testing.T) {
	f := NewFrame(
		[]string{"SUBJECT_ID", "cnt"},
		[][]any{{1, 5}, {2, 9}},
	)
	intent := Intent{
		Intent:         "comparison",
		PrimaryOutcome: "cnt",
		GroupVar:       "SUBJECT_ID",
		UserQuery:      "환자별 비교",
	}
	res := newTestEngine().Plan(intent, f)
	assert.Contains(t, res.Notes, "comparison_identifier_group_rejected")
	for _, p := range res.Plans {
		assert.NotEqual(t, "SUBJECT_ID", p.Group)
		assert.NotEqual(t, "SUBJECT_ID", p.X)
	}
}

func TestPreferredBarStyle(t *testing.T) {
	tests := []struct {
		query string
		want  ChartType
	}{
		{"막대그래프로 보여줘", ChartBarBasic},
		{"누적 막대로", ChartBarStacked},
		{"가로 누적 막대", ChartBarHStack},
		{"퍼센트 막대", ChartBarPercent},
		{"가로 퍼센트 막대", ChartBarHPercent},
		{"그룹 막대", ChartBarGrouped},
		{"가로 막대", ChartBarHGroup},
		{"파이 차트로", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, preferredBarStyle(tt.query), "query %q", tt.query)
	}
}

// ===== Frame =====

func TestFrame_DtypeInference(t *testing.T) {
	f := NewFrame(
		[]string{"ADMITTIME", "cnt", "gender"},
		[][]any{
			{"2019-01-01 10:00:00", 4, "M"},
			{"2019-02-03 08:30:00", 7, "F"},
		},
	)
	assert.Equal(t, "datetime", f.Dtype("ADMITTIME"))
	assert.Equal(t, "numeric", f.Dtype("cnt"))
	assert.Equal(t, "categorical", f.Dtype("gender"))
	assert.Equal(t, 2, f.NUnique("gender"))
}

func TestFrame_ResolveCaseInsensitive(t *testing.T) {
	f := NewFrame([]string{"Age_Group"}, [][]any{{"40-49"}})
	assert.Equal(t, "Age_Group", f.Resolve("age_group"))
	assert.True(t, f.Has("AGE_GROUP"))
}

func TestIsIdentifier(t *testing.T) {
	assert.True(t, IsIdentifier("SUBJECT_ID"))
	assert.True(t, IsIdentifier("stay_id"))
	assert.False(t, IsIdentifier("age_group"))
	assert.False(t, IsIdentifier("cnt"))
}
