// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nlsql

import (
	"context"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/services/llm"
	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// Planner activation modes, from PLANNER_ACTIVATION_MODE.
const (
	PlannerModeOff         = "off"
	PlannerModeAlways      = "always"
	PlannerModeComplexOnly = "complex_only"
)

// PlannerConfig tunes the planner gate.
type PlannerConfig struct {
	Mode                string
	ComplexityThreshold int // default 2
	MinQuestionTokens   int // default 6
	RequiredGateCount   int // default 2
	Model               string
	MaxTokens           int
}

func (c PlannerConfig) withDefaults() PlannerConfig {
	if c.Mode == "" {
		c.Mode = PlannerModeComplexOnly
	}
	if c.ComplexityThreshold <= 0 {
		c.ComplexityThreshold = 2
	}
	if c.MinQuestionTokens <= 0 {
		c.MinQuestionTokens = 6
	}
	if c.RequiredGateCount <= 0 {
		c.RequiredGateCount = 2
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 800
	}
	return c
}

// Planner normalizes a question into a structured intent when the gate
// fires; otherwise it may synthesize a minimal deterministic intent.
type Planner struct {
	llm llm.Client
	log *logging.Logger
	cfg PlannerConfig
}

func NewPlanner(client llm.Client, log *logging.Logger, cfg PlannerConfig) *Planner {
	return &Planner{llm: client, log: log, cfg: cfg.withDefaults()}
}

var complexitySignalRe = regexp.MustCompile(`(?i)연도별|월별|분기별|사분위|상위\s*\d+|하위\s*\d+|top\s*\d+|bottom\s*\d+|quartile|yearly|monthly|최근\s*\d+|\d+\s*일\s*(이내|후)|after\s+\d+\s+days?|별로|그룹별`)

const plannerSystemPrompt = `당신은 임상 데이터 질의 계획가입니다. 질문을 구조화된 의도로 정규화하세요.
JSON 객체 하나로만 답하세요:
{"intent": {"cohort": string, "metric": string, "time": string, "grain": string, "comparison": string, "outputShape": string, "filters": [string], "intentSummary": string}}`

type plannerEnvelope struct {
	Intent datatypes.PlannerIntent `json:"intent"`
}

// Plan evaluates the gate and runs the planner LLM when it fires. When the
// gate does not fire but the question has age-without-year semantics, a
// synthesized intent carrying the anchor_age hint is returned instead, so
// SQL generation still binds to the correct column family.
func (p *Planner) Plan(ctx context.Context, question string, risk datatypes.RiskScore, ageWithoutYear bool) (*datatypes.PlannerIntent, datatypes.PlannerDecision) {
	ctx, span := otel.Tracer("querylens.nlsql").Start(ctx, "planner.plan")
	defer span.End()

	decision := datatypes.PlannerDecision{Mode: p.cfg.Mode}
	switch p.cfg.Mode {
	case PlannerModeOff:
		return p.synthesize(question, ageWithoutYear, &decision), decision
	case PlannerModeAlways:
		decision.Activated = true
		decision.GateReasons = []string{"mode=always"}
	default:
		if complexitySignalRe.MatchString(question) {
			decision.GateCount++
			decision.GateReasons = append(decision.GateReasons, "complexity_signals")
		}
		if risk.Complexity >= p.cfg.ComplexityThreshold {
			decision.GateCount++
			decision.GateReasons = append(decision.GateReasons, "risk_complexity")
		}
		if len(strings.Fields(question)) >= p.cfg.MinQuestionTokens {
			decision.GateCount++
			decision.GateReasons = append(decision.GateReasons, "question_length")
		}
		decision.Activated = decision.GateCount >= p.cfg.RequiredGateCount
	}
	span.SetAttributes(
		attribute.Bool("planner.activated", decision.Activated),
		attribute.Int("planner.gate_count", decision.GateCount),
	)

	if !decision.Activated || p.llm == nil {
		return p.synthesize(question, ageWithoutYear, &decision), decision
	}

	out, err := p.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: question},
	}, llm.ChatOptions{Model: p.cfg.Model, MaxTokens: p.cfg.MaxTokens, ExpectJSON: true})
	if err != nil {
		p.log.Warn("planner llm failed, falling back to synthesized intent", "error", err)
		return p.synthesize(question, ageWithoutYear, &decision), decision
	}
	var env plannerEnvelope
	if err := llm.DecodeJSON(out.Content, &env); err != nil {
		p.log.Warn("planner returned non-JSON", "error", err)
		return p.synthesize(question, ageWithoutYear, &decision), decision
	}
	intent := env.Intent
	if ageWithoutYear && !strings.Contains(strings.ToLower(intent.IntentSummary), "anchor_age") {
		intent.IntentSummary = strings.TrimSpace(intent.IntentSummary + " | anchor_age preferred over anchor_year_group")
	}
	return &intent, decision
}

// synthesize builds the deterministic fallback intent. It only exists when
// the age hint is needed; otherwise the engineer runs planner-free.
func (p *Planner) synthesize(question string, ageWithoutYear bool, decision *datatypes.PlannerDecision) *datatypes.PlannerIntent {
	if !ageWithoutYear {
		return nil
	}
	decision.Synthesized = true
	intent := &datatypes.PlannerIntent{
		IntentSummary: "anchor_age preferred over anchor_year_group",
	}
	// Grain only when grouping intent is explicit; a bare age mention must
	// not force an age_group output shape.
	if riskStratifyRe.MatchString(question) || strings.Contains(question, "연령별") || strings.Contains(strings.ToLower(question), "age group") {
		intent.Grain = "age_group"
	}
	return intent
}
