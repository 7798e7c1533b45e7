// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sso312/querylens/services/chartrules"
	"github.com/sso312/querylens/services/llm"
	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// VisualizeResponse is the chart planning outcome for one result set.
type VisualizeResponse struct {
	Intent    chartrules.Intent      `json:"intent"`
	Plans     []chartrules.ChartPlan `json:"plans"`
	Notes     []string               `json:"notes,omitempty"`
	Insight   string                 `json:"insight,omitempty"`
	RowCount  int                    `json:"rowCount"`
	Truncated bool                   `json:"truncated,omitempty"`
}

// HandleVisualize plans charts for a result set.
//
// POST /visualize
//
// Rows beyond VisMaxRows are dropped before dtype inference; chart planning
// is a sampling problem, not an aggregation one.
func (h *Handlers) HandleVisualize(c *gin.Context) {
	var req datatypes.VisualizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.APIError{Error: err.Error(), ErrorClass: "VALIDATION"})
		return
	}

	rows := req.Rows
	truncated := false
	if len(rows) > h.opts.VisMaxRows {
		rows = rows[:h.opts.VisMaxRows]
		truncated = true
	}
	frame := chartrules.NewFrame(req.Columns, rows)

	intent := h.ChartIntent.Extract(c.Request.Context(), req.UserQuery, frame)
	if req.Hints != nil {
		if req.Hints.RecommendedChart != "" {
			intent.RecommendedChart = req.Hints.RecommendedChart
		}
		if req.Hints.ICUContext {
			intent.ContextFlags.ICUContext = true
		}
		if req.Hints.AdmitContext {
			intent.ContextFlags.AdmitContext = true
		}
	}

	result := h.Charts.Plan(intent, frame)
	insight := h.generateInsight(c.Request.Context(), req.UserQuery, req.Columns, rows)

	h.Metrics.RecordRequest("visualize", "success")
	c.JSON(http.StatusOK, VisualizeResponse{
		Intent:    intent,
		Plans:     result.Plans,
		Notes:     result.Notes,
		Insight:   insight,
		RowCount:  len(rows),
		Truncated: truncated,
	})
}

// generateInsight produces a one-paragraph summary of the result set. One
// bounded LLM call; any failure falls back to the deterministic summary.
func (h *Handlers) generateInsight(ctx context.Context, query string, columns []string, rows [][]any) string {
	fallback := deterministicInsight(columns, rows)
	if h.LLM == nil || len(rows) == 0 {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	var sample strings.Builder
	sample.WriteString(strings.Join(columns, " | "))
	sample.WriteString("\n")
	for i, row := range rows {
		if i >= 20 {
			break
		}
		parts := make([]string, len(row))
		for j, v := range row {
			parts[j] = fmt.Sprintf("%v", v)
		}
		sample.WriteString(strings.Join(parts, " | "))
		sample.WriteString("\n")
	}

	out, err := h.LLM.Chat(ctx, []llm.Message{
		{Role: "system", Content: "You summarize clinical query results in 2-3 sentences, in the language of the question. State only what the data shows. No recommendations, no speculation."},
		{Role: "user", Content: "Question: " + query + "\nResult sample (" + fmt.Sprintf("%d", len(rows)) + " rows total):\n" + sample.String()},
	}, llm.ChatOptions{Model: h.opts.InsightModel, MaxTokens: 300})
	if err != nil || strings.TrimSpace(out.Content) == "" {
		h.Log.Warn("insight generation failed, using deterministic summary", "error", err)
		return fallback
	}
	return strings.TrimSpace(out.Content)
}

func deterministicInsight(columns []string, rows [][]any) string {
	return fmt.Sprintf("결과: %d개 행, %d개 컬럼 (%s)", len(rows), len(columns), strings.Join(columns, ", "))
}
