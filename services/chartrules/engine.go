// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chartrules

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sso312/querylens/pkg/logging"
)

const defaultMaxCategories = 10

// lowCardinalityGroup caps the group size for area overlays.
const lowCardinalityGroup = 8

// pieMaxCategories caps pie slices.
const pieMaxCategories = 12

// Engine generates and post-processes chart plans.
type Engine struct {
	log *logging.Logger
}

func NewEngine(log *logging.Logger) *Engine {
	return &Engine{log: log}
}

var (
	elapsedColRe = regexp.MustCompile(`(?i)elapsed|hours?_since|days?_since|hour_offset|day_offset|time_offset|_hrs?$|_days?$|경과`)

	lineScatterQueryRe = regexp.MustCompile(`(?i)line\s*scatter|선.*점|점.*선`)
	dynScatterQueryRe  = regexp.MustCompile(`(?i)dynamic\s*scatter|애니메이션|animated`)

	barStackedQueryRe  = regexp.MustCompile(`(?i)쌓|누적|stack`)
	barHorizontalRe    = regexp.MustCompile(`(?i)가로|horizontal`)
	barGroupedQueryRe  = regexp.MustCompile(`(?i)그룹|나눠서|나누어|group`)
	barDetailedQueryRe = regexp.MustCompile(`(?i)상세|자세히|detail`)
)

// Plan builds the ordered chart plans for one intent over one frame.
func (e *Engine) Plan(intent Intent, f *Frame) PlanResult {
	var res PlanResult

	primary := f.Resolve(intent.PrimaryOutcome)
	if primary == "" {
		primary = pickPrimaryOutcome(f)
	}
	timeVar := f.Resolve(intent.TimeVar)
	groupVar := f.Resolve(intent.GroupVar)
	ms := intent.MultiSplit

	switch intent.Intent {
	case "trend":
		e.planTrend(&res, intent, f, primary, timeVar, groupVar)
	case "distribution":
		e.planDistribution(&res, f, primary, groupVar)
	case "comparison":
		e.planComparison(&res, intent, f, primary, groupVar, ms)
	case "proportion":
		e.planProportion(&res, intent, f, primary, timeVar, groupVar, ms)
	case "correlation":
		e.planCorrelation(&res, intent, f, groupVar)
	default:
		e.planOverview(&res, f, primary)
	}

	e.postProcess(&res, intent, f)
	return res
}

// ===== Per-intent generation =====

func (e *Engine) planTrend(res *PlanResult, intent Intent, f *Frame, primary, timeVar, groupVar string) {
	xAxis, group, ok := e.validateTrend(res, intent, f, timeVar, groupVar)
	if !ok || primary == "" {
		e.planOverview(res, f, primary)
		return
	}

	lineType := ChartLine
	if lineScatterQueryRe.MatchString(intent.UserQuery) {
		lineType = ChartLineScatter
	}
	res.Plans = append(res.Plans, ChartPlan{
		ChartType: lineType, X: xAxis, Y: primary, Group: group,
		Reason: "trend over " + xAxis,
	})
	if group != "" && f.NUnique(group) <= lowCardinalityGroup {
		res.Plans = append(res.Plans, ChartPlan{
			ChartType: ChartArea, X: xAxis, Y: primary, Group: group,
			Reason: "stacked area by low-cardinality group",
		})
	}
	// Distribution-by-time complements the trajectory view.
	res.Plans = append(res.Plans, ChartPlan{
		ChartType: ChartBox, X: xAxis, Y: primary,
		Reason: "distribution by time bucket",
	})
}

// validateTrend enforces the trajectory contracts. Returns the x axis and
// group to use, or ok=false when the frame cannot support a trend.
func (e *Engine) validateTrend(res *PlanResult, intent Intent, f *Frame, timeVar, groupVar string) (string, string, bool) {
	flags := intent.ContextFlags

	if flags.ICUContext {
		if !f.Has("STAY_ID") || !f.Has("INTIME") {
			res.Notes = append(res.Notes, "trend_skipped_missing_icu_keys")
			return "", "", false
		}
		elapsed := elapsedTimeColumn(f)
		if elapsed == "" {
			res.Notes = append(res.Notes, "trend_skipped_no_elapsed_time_column")
			return "", "", false
		}
		group := groupVar
		if group == "" || IsIdentifier(group) && !isTrajectoryKey(group) {
			group = "STAY_ID"
		}
		if !isTrajectoryKey(group) {
			group = "STAY_ID"
		}
		return elapsed, f.Resolve(group), true
	}

	if flags.AdmitContext && !f.Has("ADMITTIME") && elapsedTimeColumn(f) == "" {
		res.Notes = append(res.Notes, "trend_skipped_missing_admittime")
		return "", "", false
	}

	if flags.PostDays {
		elapsed := elapsedTimeColumn(f)
		if elapsed == "" {
			res.Notes = append(res.Notes, "trend_skipped_no_elapsed_time_column")
			return "", "", false
		}
		timeVar = elapsed
	}
	if timeVar == "" {
		if times := f.TimeColumns(); len(times) > 0 {
			timeVar = times[0]
		} else {
			res.Notes = append(res.Notes, "trend_skipped_no_time_column")
			return "", "", false
		}
	}

	group := groupVar
	if group != "" && IsIdentifier(group) && !isTrajectoryKey(group) {
		res.Notes = append(res.Notes, "trend_group_identifier_dropped:"+group)
		group = ""
	}
	if group != "" && !isTrajectoryKey(group) && f.NUnique(group) > lowCardinalityGroup {
		group = ""
	}
	return timeVar, group, true
}

func (e *Engine) planDistribution(res *PlanResult, f *Frame, primary, groupVar string) {
	if primary == "" {
		return
	}
	res.Plans = append(res.Plans,
		ChartPlan{ChartType: ChartHist, X: primary, Reason: "value distribution"},
		ChartPlan{ChartType: ChartViolin, Y: primary, Reason: "density view"},
	)
	if groupVar != "" && !IsIdentifier(groupVar) {
		res.Plans = append(res.Plans,
			ChartPlan{ChartType: ChartBox, X: groupVar, Y: primary, Reason: "distribution by " + groupVar},
			ChartPlan{ChartType: ChartViolin, X: groupVar, Y: primary, Reason: "density by " + groupVar},
		)
	}
}

func (e *Engine) planComparison(res *PlanResult, intent Intent, f *Frame, primary, groupVar string, ms *MultiSplit) {
	x := groupVar
	group, secondary := "", ""
	if ms != nil {
		if ms.Axis != "" {
			x = f.Resolve(ms.Axis)
		}
		group = f.Resolve(ms.Group)
		secondary = f.Resolve(ms.SecondaryGroup)
	}
	if x == "" || primary == "" {
		e.planOverview(res, f, primary)
		return
	}
	if IsIdentifier(x) || IsIdentifier(group) || IsIdentifier(secondary) {
		res.Notes = append(res.Notes, "comparison_identifier_group_rejected")
		return
	}

	// Simple to detailed.
	res.Plans = append(res.Plans,
		ChartPlan{ChartType: ChartBarBasic, X: x, Y: primary, Reason: "basic comparison"},
		ChartPlan{ChartType: ChartLollipop, X: x, Y: primary, Reason: "rank view"},
		ChartPlan{ChartType: ChartBox, X: x, Y: primary, Reason: "spread per category"},
	)

	if group != "" {
		res.Plans = append(res.Plans,
			ChartPlan{ChartType: ChartTreemap, X: x, Y: primary, Group: group, Reason: "hierarchical share"},
			ChartPlan{ChartType: ChartBarGrouped, X: x, Y: primary, Group: group, SecondaryGroup: secondary, BarMode: "group", Reason: "side-by-side comparison"},
			ChartPlan{ChartType: ChartBarStacked, X: x, Y: primary, Group: group, SecondaryGroup: secondary, BarMode: "stack", Reason: "stacked comparison"},
			ChartPlan{ChartType: ChartBarHStack, X: x, Y: primary, Group: group, SecondaryGroup: secondary, BarMode: "stack", Orientation: "h", Reason: "horizontal stacked comparison"},
		)
		if f.NUnique(x) <= defaultMaxCategories && f.NUnique(group) <= defaultMaxCategories {
			res.Plans = append(res.Plans,
				ChartPlan{ChartType: ChartHeatmap, X: x, Y: group, Agg: "sum", Reason: "category matrix"},
				ChartPlan{ChartType: ChartConfusion, X: x, Y: group, Reason: "cross tabulation"},
			)
		}
		if percentQueryRe.MatchString(intent.UserQuery) {
			res.Plans = append(res.Plans,
				ChartPlan{ChartType: ChartBarPercent, X: x, Y: primary, Group: group, SecondaryGroup: secondary, BarMode: "stack", Reason: "percent composition"},
			)
		}
		res.Plans = append(res.Plans,
			ChartPlan{ChartType: ChartNestedPie, X: x, Group: group, Y: primary, Reason: "non-bar alternative"},
		)
	}
}

func (e *Engine) planProportion(res *PlanResult, intent Intent, f *Frame, primary, timeVar, groupVar string, ms *MultiSplit) {
	if timeVar != "" && primary != "" {
		res.Plans = append(res.Plans, ChartPlan{
			ChartType: ChartLine, X: timeVar, Y: primary, Group: groupVar,
			Reason: "proportion over time",
		})
		return
	}
	if groupVar == "" || primary == "" {
		e.planOverview(res, f, primary)
		return
	}
	if f.NUnique(groupVar) <= pieMaxCategories {
		res.Plans = append(res.Plans, ChartPlan{ChartType: ChartPie, X: groupVar, Y: primary, Reason: "share of whole"})
	} else {
		res.Plans = append(res.Plans, ChartPlan{ChartType: ChartBarBasic, X: groupVar, Y: primary, Reason: "too many slices for a pie"})
	}
	if ms != nil && ms.SecondaryGroup != "" {
		secondary := f.Resolve(ms.SecondaryGroup)
		res.Plans = append(res.Plans,
			ChartPlan{ChartType: ChartBarGrouped, X: groupVar, Y: primary, Group: secondary, BarMode: "group", Reason: "split share"},
			ChartPlan{ChartType: ChartBarStacked, X: groupVar, Y: primary, Group: secondary, BarMode: "stack", Reason: "stacked share"},
			ChartPlan{ChartType: ChartBarHStack, X: groupVar, Y: primary, Group: secondary, BarMode: "stack", Orientation: "h", Reason: "horizontal share"},
			ChartPlan{ChartType: ChartBarPercent, X: groupVar, Y: primary, Group: secondary, BarMode: "stack", Reason: "percent share"},
		)
	}
}

func (e *Engine) planCorrelation(res *PlanResult, intent Intent, f *Frame, groupVar string) {
	numerics := f.NumericColumns()
	var axes []string
	for _, c := range numerics {
		if !IsIdentifier(c) {
			axes = append(axes, c)
		}
	}
	if len(axes) < 2 {
		e.planOverview(res, f, firstOr(axes, ""))
		return
	}
	x, y := axes[0], axes[1]

	if dynScatterQueryRe.MatchString(intent.UserQuery) {
		frame := firstTimeOrCategorical(f)
		size := positiveNumericColumn(f, x, y)
		if frame != "" && size != "" {
			res.Plans = append(res.Plans, ChartPlan{
				ChartType: ChartDynScatter, X: x, Y: y, Group: groupVar,
				AnimationFrame: frame, Size: size,
				Reason: "animated correlation",
			})
		} else {
			res.Notes = append(res.Notes, "dynamic_scatter_requirements_unmet")
		}
	}
	scatterType := ChartScatter
	if lineScatterQueryRe.MatchString(intent.UserQuery) {
		scatterType = ChartLineScatter
	}
	plan := ChartPlan{ChartType: scatterType, X: x, Y: y, Reason: "pairwise correlation"}
	if groupVar != "" && !IsIdentifier(groupVar) {
		plan.Group = groupVar
	}
	res.Plans = append(res.Plans, plan)
}

func (e *Engine) planOverview(res *PlanResult, f *Frame, primary string) {
	if primary == "" {
		if nums := f.NumericColumns(); len(nums) > 0 {
			primary = nums[0]
		}
	}
	if primary != "" {
		res.Plans = append(res.Plans, ChartPlan{ChartType: ChartHist, X: primary, Reason: "overview fallback"})
	}
}

// ===== Post-processing =====

func (e *Engine) postProcess(res *PlanResult, intent Intent, f *Frame) {
	e.suppressConstantBars(res, f)
	e.dedupe(res)
	e.ensureExplicitChart(res, intent, f)
	e.sortBarVariants(res, intent)
	e.applyMaxCategories(res)
}

// suppressConstantBars drops bar plans whose y column never varies.
func (e *Engine) suppressConstantBars(res *PlanResult, f *Frame) {
	kept := res.Plans[:0]
	for _, p := range res.Plans {
		if p.ChartType.IsBar() && p.Y != "" && f.ConstantNumeric(p.Y) {
			res.Notes = append(res.Notes, "bar_skipped_constant_y:"+p.Y)
			continue
		}
		kept = append(kept, p)
	}
	res.Plans = kept
}

func (e *Engine) dedupe(res *PlanResult) {
	seen := make(map[string]bool, len(res.Plans))
	kept := res.Plans[:0]
	for _, p := range res.Plans {
		k := p.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		kept = append(kept, p)
	}
	res.Plans = kept
}

// ensureExplicitChart guarantees a plan of the explicitly requested type
// exists and leads the list, synthesizing one from the best seed if needed.
func (e *Engine) ensureExplicitChart(res *PlanResult, intent Intent, f *Frame) {
	if intent.RecommendedChart == "" {
		return
	}
	requested := ChartType(intent.RecommendedChart)

	match := func(t ChartType) bool {
		if requested == ChartBarBasic {
			return t.IsBar()
		}
		return t == requested
	}
	for i, p := range res.Plans {
		if match(p.ChartType) {
			if i > 0 {
				plan := res.Plans[i]
				res.Plans = append(res.Plans[:i], res.Plans[i+1:]...)
				res.Plans = append([]ChartPlan{plan}, res.Plans...)
			}
			return
		}
	}

	seed := ChartPlan{ChartType: requested, Reason: "explicit user request"}
	if len(res.Plans) > 0 {
		best := res.Plans[0]
		seed.X, seed.Y, seed.Group, seed.SecondaryGroup = best.X, best.Y, best.Group, best.SecondaryGroup
	} else {
		seed.X = firstNonIdentifier(f.CategoricalColumns())
		seed.Y = pickPrimaryOutcome(f)
	}
	if requested == ChartBarBasic && f.ConstantNumeric(seed.Y) {
		res.Notes = append(res.Notes, "bar_skipped_constant_y:"+seed.Y)
		return
	}
	res.Plans = append([]ChartPlan{seed}, res.Plans...)
}

// sortBarVariants orders bar plans simple to detailed and moves the style
// the user asked for to the front of the bar block.
func (e *Engine) sortBarVariants(res *PlanResult, intent Intent) {
	preferred := preferredBarStyle(intent.UserQuery)
	if preferred == "" {
		return
	}

	var bars, others []ChartPlan
	for _, p := range res.Plans {
		if p.ChartType.IsBar() {
			bars = append(bars, p)
		} else {
			others = append(others, p)
		}
	}
	if len(bars) == 0 {
		return
	}
	// Stable selection sort keyed on (preferred-first, style rank).
	rank := func(p ChartPlan) int {
		if p.ChartType == preferred {
			return -1
		}
		return barStyleRank(p.ChartType)
	}
	for i := 1; i < len(bars); i++ {
		for j := i; j > 0 && rank(bars[j]) < rank(bars[j-1]); j-- {
			bars[j], bars[j-1] = bars[j-1], bars[j]
		}
	}
	res.Plans = append(bars, others...)
}

// preferredBarStyle maps style modifiers in the query to one bar variant.
func preferredBarStyle(userQuery string) ChartType {
	if !regexp.MustCompile(`(?i)막대|\bbar\b`).MatchString(userQuery) {
		return ""
	}
	stacked := barStackedQueryRe.MatchString(userQuery)
	horizontal := barHorizontalRe.MatchString(userQuery)
	percent := percentQueryRe.MatchString(userQuery)
	grouped := barGroupedQueryRe.MatchString(userQuery)
	detailed := barDetailedQueryRe.MatchString(userQuery)

	switch {
	case percent && horizontal:
		return ChartBarHPercent
	case percent:
		return ChartBarPercent
	case stacked && horizontal:
		return ChartBarHStack
	case stacked:
		return ChartBarStacked
	case horizontal:
		return ChartBarHGroup
	case grouped, detailed:
		return ChartBarGrouped
	default:
		return ChartBarBasic
	}
}

func (e *Engine) applyMaxCategories(res *PlanResult) {
	for i := range res.Plans {
		p := &res.Plans[i]
		if (p.ChartType.IsBar() || p.ChartType == ChartLollipop) && p.MaxCategories == 0 {
			p.MaxCategories = defaultMaxCategories
		}
	}
}

// ===== Helpers =====

func elapsedTimeColumn(f *Frame) string {
	for _, c := range f.Columns {
		if elapsedColRe.MatchString(c) && f.IsNumeric(c) {
			return c
		}
	}
	return ""
}

func isTrajectoryKey(col string) bool {
	upper := strings.ToUpper(col)
	return upper == "STAY_ID" || upper == "HADM_ID"
}

func firstTimeOrCategorical(f *Frame) string {
	if times := f.TimeColumns(); len(times) > 0 {
		return times[0]
	}
	return firstNonIdentifier(f.CategoricalColumns())
}

// positiveNumericColumn finds a numeric column, excluding the scatter axes,
// usable as a bubble size (all values positive).
func positiveNumericColumn(f *Frame, exclude ...string) string {
	skip := make(map[string]bool, len(exclude))
	for _, c := range exclude {
		skip[c] = true
	}
	for _, c := range f.NumericColumns() {
		if skip[c] || IsIdentifier(c) {
			continue
		}
		positive := true
		for _, v := range f.values[c] {
			if num, ok := toFloat(v); !ok || num <= 0 {
				positive = false
				break
			}
		}
		if positive && len(f.values[c]) > 0 {
			return c
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
