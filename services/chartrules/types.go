// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chartrules is the Core B rule engine: it turns a query result
// frame plus a visualization intent into an ordered list of chart plans.
package chartrules

// ChartType is the closed set of renderable chart kinds.
type ChartType string

const (
	ChartLine        ChartType = "line"
	ChartLineScatter ChartType = "line_scatter"
	ChartArea        ChartType = "area"
	ChartBox         ChartType = "box"
	ChartHist        ChartType = "hist"
	ChartViolin      ChartType = "violin"
	ChartBarBasic    ChartType = "bar_basic"
	ChartBarGrouped  ChartType = "bar_grouped"
	ChartBarStacked  ChartType = "bar_stacked"
	ChartBarHGroup   ChartType = "bar_hgroup"
	ChartBarHStack   ChartType = "bar_hstack"
	ChartBarPercent  ChartType = "bar_percent"
	ChartBarHPercent ChartType = "bar_hpercent"
	ChartLollipop    ChartType = "lollipop"
	ChartTreemap     ChartType = "treemap"
	ChartHeatmap     ChartType = "heatmap"
	ChartConfusion   ChartType = "confusion_matrix"
	ChartNestedPie   ChartType = "nested_pie"
	ChartPie         ChartType = "pie"
	ChartScatter     ChartType = "scatter"
	ChartDynScatter  ChartType = "dynamic_scatter"
)

// IsBar reports whether t is any bar variant.
func (t ChartType) IsBar() bool {
	switch t {
	case ChartBarBasic, ChartBarGrouped, ChartBarStacked, ChartBarHGroup,
		ChartBarHStack, ChartBarPercent, ChartBarHPercent:
		return true
	}
	return false
}

// barStyleRank orders bar variants simple to detailed for preference
// sorting.
func barStyleRank(t ChartType) int {
	switch t {
	case ChartBarBasic:
		return 0
	case ChartBarGrouped:
		return 1
	case ChartBarStacked:
		return 2
	case ChartBarHGroup:
		return 3
	case ChartBarHStack:
		return 4
	case ChartBarPercent:
		return 5
	case ChartBarHPercent:
		return 6
	default:
		return 7
	}
}

// ChartPlan is one renderable chart recommendation.
type ChartPlan struct {
	ChartType      ChartType `json:"chartType"`
	X              string    `json:"x,omitempty"`
	Y              string    `json:"y,omitempty"`
	Group          string    `json:"group,omitempty"`
	SecondaryGroup string    `json:"secondaryGroup,omitempty"`
	Agg            string    `json:"agg,omitempty"`
	Size           string    `json:"size,omitempty"`
	AnimationFrame string    `json:"animationFrame,omitempty"`
	Mode           string    `json:"mode,omitempty"`
	BarMode        string    `json:"barMode,omitempty"`
	Orientation    string    `json:"orientation,omitempty"`
	SeriesCols     []string  `json:"seriesCols,omitempty"`
	MaxCategories  int       `json:"maxCategories,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// key is the composite dedupe key.
func (p ChartPlan) key() string {
	k := string(p.ChartType) + "|" + p.X + "|" + p.Y + "|" + p.Group + "|" +
		p.SecondaryGroup + "|" + p.Agg + "|" + p.Size + "|" + p.AnimationFrame + "|" +
		p.Mode + "|" + p.BarMode + "|" + p.Orientation + "|"
	for _, c := range p.SeriesCols {
		k += c + ","
	}
	return k
}

// MultiSplit carries an explicit axis/group/secondary-group request parsed
// from the user query.
type MultiSplit struct {
	Axis           string `json:"axis,omitempty"`
	Group          string `json:"group,omitempty"`
	SecondaryGroup string `json:"secondaryGroup,omitempty"`
}

// ContextFlags mark the data's clinical framing.
type ContextFlags struct {
	ICUContext   bool `json:"icuContext"`
	AdmitContext bool `json:"admitContext"`
	PostDays     bool `json:"postDays"`
}

// Intent is the Core B input: what the user wants to see.
type Intent struct {
	Intent           string       `json:"intent"` // trend | distribution | comparison | proportion | correlation | overview
	PrimaryOutcome   string       `json:"primaryOutcome,omitempty"`
	TimeVar          string       `json:"timeVar,omitempty"`
	GroupVar         string       `json:"groupVar,omitempty"`
	UserQuery        string       `json:"userQuery,omitempty"`
	RecommendedChart string       `json:"recommendedChart,omitempty"`
	MultiSplit       *MultiSplit  `json:"multiSplit,omitempty"`
	ContextFlags     ContextFlags `json:"contextFlags"`
}

// PlanResult is the engine output: the ordered plans plus skip notes.
type PlanResult struct {
	Plans []ChartPlan `json:"plans"`
	Notes []string    `json:"notes,omitempty"`
}
