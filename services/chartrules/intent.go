// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chartrules

import (
	"context"
	"regexp"
	"strings"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/services/llm"
)

// IntentExtractor derives the visualization intent from the user query and
// the frame. The LLM refines the rule-based read when available; the rules
// alone are sufficient and deterministic.
type IntentExtractor struct {
	llm   llm.Client
	log   *logging.Logger
	model string
}

func NewIntentExtractor(client llm.Client, log *logging.Logger, model string) *IntentExtractor {
	return &IntentExtractor{llm: client, log: log, model: model}
}

var (
	trendQueryRe        = regexp.MustCompile(`(?i)추이|추세|변화|경과|시간에\s*따른|\btrend\b|over\s+time|trajectory`)
	distributionQueryRe = regexp.MustCompile(`(?i)분포|히스토그램|\bdistribution\b|\bhistogram\b`)
	comparisonQueryRe   = regexp.MustCompile(`(?i)비교|대비|나눠서|나누어|차이|\bcompar|\bversus\b|\bvs\b|별로|막대`)
	proportionQueryRe   = regexp.MustCompile(`(?i)비율|구성비|점유율|\bproportion\b|\bshare\b|\bpie\b|파이`)
	correlationQueryRe  = regexp.MustCompile(`(?i)상관|관계|\bcorrelat|\bscatter\b|산점도`)

	percentQueryRe = regexp.MustCompile(`(?i)퍼센트|백분율|\bpercent`)

	postDaysRe = regexp.MustCompile(`\d+\s*(일|주|개월)\s*(후|이후|뒤)|after\s+\d+\s+(days?|weeks?|months?)`)
)

// explicitChartRe maps explicit chart mentions to the requested type.
var explicitChartRequests = []struct {
	re    *regexp.Regexp
	chart ChartType
}{
	{regexp.MustCompile(`(?i)히스토그램|\bhistogram\b`), ChartHist},
	{regexp.MustCompile(`(?i)confusion\s*matrix|혼동\s*행렬`), ChartConfusion},
	{regexp.MustCompile(`(?i)파이\s*(차트|그래프)|\bpie\b`), ChartPie},
	{regexp.MustCompile(`(?i)산점도|\bscatter\b`), ChartScatter},
	{regexp.MustCompile(`(?i)막대|\bbar\b`), ChartBarBasic},
}

// conceptBinding ties query vocabulary to frame columns. splitRe marks the
// "per X" reading (연령별, by gender); mentionRe is a bare mention.
type conceptBinding struct {
	splitRe   *regexp.Regexp
	mentionRe *regexp.Regexp
	colHints  []string
}

var conceptBindings = []conceptBinding{
	{
		splitRe:   regexp.MustCompile(`(?i)연령별|나이별|연령대별|by\s+age`),
		mentionRe: regexp.MustCompile(`(?i)연령|나이|\bage\b`),
		colHints:  []string{"age"},
	},
	{
		splitRe:   regexp.MustCompile(`(?i)성별로|성별\s|성별분포|by\s+(gender|sex)`),
		mentionRe: regexp.MustCompile(`(?i)성별|\bgender\b|\bsex\b`),
		colHints:  []string{"gender", "sex"},
	},
	{
		splitRe:   regexp.MustCompile(`(?i)생존별|사망별|by\s+(survival|outcome)`),
		mentionRe: regexp.MustCompile(`(?i)생존|사망|\bsurviv|\bdeath\b|\bexpire`),
		colHints:  []string{"surviv", "death", "expire", "outcome", "status"},
	},
	{
		splitRe:   regexp.MustCompile(`(?i)연도별|by\s+year`),
		mentionRe: regexp.MustCompile(`(?i)연도|\byear\b`),
		colHints:  []string{"year", "yr"},
	},
	{
		splitRe:   regexp.MustCompile(`(?i)월별|by\s+month`),
		mentionRe: regexp.MustCompile(`(?i)\bmonth\b|월별`),
		colHints:  []string{"month"},
	},
	{
		splitRe:   regexp.MustCompile(`(?i)진료과별|by\s+service`),
		mentionRe: regexp.MustCompile(`(?i)진료과|\bservice\b`),
		colHints:  []string{"service"},
	},
	{
		splitRe:   regexp.MustCompile(`(?i)입원\s*유형별|by\s+admission\s+type`),
		mentionRe: regexp.MustCompile(`(?i)입원\s*유형|admission\s*type`),
		colHints:  []string{"admission_type", "admission"},
	},
}

// Extract builds the intent. The frame disambiguates column bindings.
func (e *IntentExtractor) Extract(ctx context.Context, userQuery string, f *Frame) Intent {
	intent := ruleIntent(userQuery, f)
	if e.llm == nil {
		return intent
	}
	refined, ok := e.extractLLM(ctx, userQuery, f)
	if !ok {
		return intent
	}
	// The LLM may name the outcome and time variables better than the
	// rules; the rules keep authority over intent class and splits.
	if refined.PrimaryOutcome != "" && f.Has(refined.PrimaryOutcome) {
		intent.PrimaryOutcome = f.Resolve(refined.PrimaryOutcome)
	}
	if refined.TimeVar != "" && f.Has(refined.TimeVar) {
		intent.TimeVar = f.Resolve(refined.TimeVar)
	}
	if refined.GroupVar != "" && f.Has(refined.GroupVar) {
		intent.GroupVar = f.Resolve(refined.GroupVar)
	}
	return intent
}

func ruleIntent(userQuery string, f *Frame) Intent {
	intent := Intent{UserQuery: userQuery, Intent: "overview"}
	// Split/compare cues outrank a bare 분포 mention: "성별분포로 나눠서"
	// is a comparison, not a distribution.
	strongComparison := regexp.MustCompile(`(?i)나눠서|나누어|비교|대비|\bversus\b|\bvs\b`).MatchString(userQuery)
	switch {
	case trendQueryRe.MatchString(userQuery):
		intent.Intent = "trend"
	case correlationQueryRe.MatchString(userQuery):
		intent.Intent = "correlation"
	case strongComparison:
		intent.Intent = "comparison"
	case distributionQueryRe.MatchString(userQuery):
		intent.Intent = "distribution"
	case proportionQueryRe.MatchString(userQuery):
		intent.Intent = "proportion"
	case comparisonQueryRe.MatchString(userQuery):
		intent.Intent = "comparison"
	}

	for _, req := range explicitChartRequests {
		if req.re.MatchString(userQuery) {
			intent.RecommendedChart = string(req.chart)
			break
		}
	}

	intent.MultiSplit = deriveMultiSplit(userQuery, f)
	intent.PrimaryOutcome = pickPrimaryOutcome(f)
	if times := f.TimeColumns(); len(times) > 0 {
		intent.TimeVar = times[0]
	}
	if intent.MultiSplit != nil && intent.MultiSplit.Group != "" {
		intent.GroupVar = intent.MultiSplit.Group
	} else if cats := f.CategoricalColumns(); len(cats) > 0 {
		intent.GroupVar = firstNonIdentifier(cats)
	}

	intent.ContextFlags = ContextFlags{
		ICUContext:   f.Has("STAY_ID") || f.Has("INTIME") || regexp.MustCompile(`(?i)\bicu\b|중환자실`).MatchString(userQuery),
		AdmitContext: f.Has("ADMITTIME") || strings.Contains(userQuery, "입원"),
		PostDays:     postDaysRe.MatchString(userQuery),
	}
	return intent
}

// deriveMultiSplit reads "per X" splits from the query: the first split
// concept becomes the axis, the second the group, and a bare-mentioned
// categorical concept becomes the secondary group.
func deriveMultiSplit(userQuery string, f *Frame) *MultiSplit {
	var splits []string
	var mentions []string
	for _, binding := range conceptBindings {
		col := bindColumn(f, binding.colHints)
		if col == "" {
			continue
		}
		switch {
		case binding.splitRe.MatchString(userQuery):
			splits = append(splits, col)
		case binding.mentionRe.MatchString(userQuery):
			mentions = append(mentions, col)
		}
	}
	if len(splits) == 0 {
		return nil
	}
	ms := &MultiSplit{Axis: splits[0]}
	if len(splits) > 1 {
		ms.Group = splits[1]
	}
	for _, m := range mentions {
		if m != ms.Axis && m != ms.Group {
			if ms.Group == "" {
				ms.Group = m
			} else if ms.SecondaryGroup == "" {
				ms.SecondaryGroup = m
			}
		}
	}
	return ms
}

func bindColumn(f *Frame, hints []string) string {
	for _, col := range f.Columns {
		lower := strings.ToLower(col)
		for _, hint := range hints {
			if strings.Contains(lower, hint) {
				return col
			}
		}
	}
	return ""
}

// pickPrimaryOutcome prefers count-like numeric columns, then any numeric.
func pickPrimaryOutcome(f *Frame) string {
	numerics := f.NumericColumns()
	for _, c := range numerics {
		lower := strings.ToLower(c)
		if strings.Contains(lower, "cnt") || strings.Contains(lower, "count") ||
			strings.Contains(lower, "rate") || strings.Contains(lower, "ratio") ||
			strings.Contains(lower, "avg") || strings.Contains(lower, "mean") {
			return c
		}
	}
	for _, c := range numerics {
		if !IsIdentifier(c) {
			return c
		}
	}
	return ""
}

func firstNonIdentifier(cols []string) string {
	for _, c := range cols {
		if !IsIdentifier(c) {
			return c
		}
	}
	return ""
}

const intentSystemPrompt = `You classify a visualization request over a tabular query result.
Answer with one JSON object only:
{"intent": "trend|distribution|comparison|proportion|correlation|overview", "primaryOutcome": string, "timeVar": string, "groupVar": string}`

func (e *IntentExtractor) extractLLM(ctx context.Context, userQuery string, f *Frame) (Intent, bool) {
	prompt := "Query: " + userQuery + "\nColumns: " + strings.Join(f.Columns, ", ")
	out, err := e.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: intentSystemPrompt},
		{Role: "user", Content: prompt},
	}, llm.ChatOptions{Model: e.model, MaxTokens: 300, ExpectJSON: true})
	if err != nil {
		e.log.Warn("chart intent llm failed, rule intent stands", "error", err)
		return Intent{}, false
	}
	var refined Intent
	if err := llm.DecodeJSON(out.Content, &refined); err != nil {
		return Intent{}, false
	}
	return refined, true
}
