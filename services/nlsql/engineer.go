// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nlsql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/services/llm"
	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// Expert trigger modes, from EXPERT_TRIGGER_MODE.
const (
	ExpertModeOff    = "off"
	ExpertModeAlways = "always"
	ExpertModeScore  = "score"
)

// EngineerConfig tunes the SQL generation stage.
type EngineerConfig struct {
	EngineerModel    string
	ExpertModel      string
	MaxTokens        int
	MaxRetryAttempts int    // default 2
	ExpertMode       string // off | always | score
	ExpertThreshold  int    // default 4, used in score mode
}

func (c EngineerConfig) withDefaults() EngineerConfig {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1800
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 2
	}
	if c.ExpertMode == "" {
		c.ExpertMode = ExpertModeScore
	}
	if c.ExpertThreshold <= 0 {
		c.ExpertThreshold = 4
	}
	return c
}

// sqlDraft is the strict JSON schema both agents must answer with.
type sqlDraft struct {
	FinalSQL   string   `json:"finalSql"`
	UsedTables []string `json:"usedTables,omitempty"`
}

// Engineer drafts Oracle SQL from the question and retrieval context; the
// Expert revises the draft when triggered.
type Engineer struct {
	llm llm.Client
	log *logging.Logger
	cfg EngineerConfig
}

func NewEngineer(client llm.Client, log *logging.Logger, cfg EngineerConfig) *Engineer {
	return &Engineer{llm: client, log: log, cfg: cfg.withDefaults()}
}

const engineerSystemPrompt = `You write Oracle SQL for a MIMIC-style clinical database.
Rules:
- SELECT or WITH statements only, never DML or DDL.
- Use only tables and columns shown in the provided schema context.
- Prefer explicit JOIN ... ON over comma joins.
- For patient age use ANCHOR_AGE; ANCHOR_YEAR_GROUP is a de-identification year bucket, not an age.
- For ICU mortality align DEATHTIME between INTIME and OUTTIME; HOSPITAL_EXPIRE_FLAG alone means hospital mortality.
Answer with one JSON object only: {"finalSql": string, "usedTables": [string]}`

const expertSystemPrompt = `You review and revise Oracle SQL drafted for a MIMIC-style clinical database.
Fix semantic mismatches between the question and the draft, keep the SQL read-only,
and keep every table/column inside the provided schema context.
Answer with one JSON object only: {"finalSql": string, "usedTables": [string]}`

// Draft runs the engineer agent. questionEn may be empty for English input.
func (e *Engineer) Draft(ctx context.Context, question, questionEn string, bundle datatypes.ContextBundle, intent *datatypes.PlannerIntent) (string, []string, error) {
	ctx, span := otel.Tracer("querylens.nlsql").Start(ctx, "engineer.draft")
	defer span.End()

	user := e.buildUserPrompt(question, questionEn, bundle, intent, "")
	draft, err := e.callAgent(ctx, engineerSystemPrompt, user, e.cfg.EngineerModel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "engineer draft failed")
		return "", nil, err
	}
	span.SetAttributes(attribute.Int("engineer.sql_len", len(draft.FinalSQL)))
	return draft.FinalSQL, draft.UsedTables, nil
}

// ShouldRunExpert applies the trigger mode to the risk score.
func (e *Engineer) ShouldRunExpert(risk datatypes.RiskScore) bool {
	switch e.cfg.ExpertMode {
	case ExpertModeAlways:
		return true
	case ExpertModeOff:
		return false
	default:
		threshold := e.cfg.ExpertThreshold
		complexityFloor := threshold - 2
		if complexityFloor < 2 {
			complexityFloor = 2
		}
		return risk.Risk >= threshold || risk.Complexity >= complexityFloor
	}
}

// Revise runs the expert agent over the engineer's draft. directive, when
// non-empty, focuses the revision (used by the intent-guard realignment).
func (e *Engineer) Revise(ctx context.Context, question, questionEn, draftSQL string, bundle datatypes.ContextBundle, intent *datatypes.PlannerIntent, directive string) (string, error) {
	ctx, span := otel.Tracer("querylens.nlsql").Start(ctx, "engineer.revise")
	defer span.End()

	user := e.buildUserPrompt(question, questionEn, bundle, intent, draftSQL)
	if directive != "" {
		user += "\n\nRevision focus:\n" + directive
	}
	revised, err := e.callAgent(ctx, expertSystemPrompt, user, e.cfg.ExpertModel)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return revised.FinalSQL, nil
}

func (e *Engineer) callAgent(ctx context.Context, system, user, model string) (*sqlDraft, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetryAttempts; attempt++ {
		out, err := e.llm.Chat(ctx, []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		}, llm.ChatOptions{Model: model, MaxTokens: e.cfg.MaxTokens, ExpectJSON: true})
		if err != nil {
			lastErr = err
			continue
		}
		var draft sqlDraft
		if err := llm.DecodeJSON(out.Content, &draft); err != nil {
			lastErr = fmt.Errorf("agent returned non-JSON: %w", err)
			e.log.Warn("sql agent returned non-JSON", "attempt", attempt, "error", err)
			continue
		}
		draft.FinalSQL = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(draft.FinalSQL), ";"))
		if draft.FinalSQL == "" {
			lastErr = errors.New("agent returned empty finalSql")
			continue
		}
		return &draft, nil
	}
	return nil, fmt.Errorf("sql agent failed after %d attempts: %w", e.cfg.MaxRetryAttempts, lastErr)
}

func (e *Engineer) buildUserPrompt(question, questionEn string, bundle datatypes.ContextBundle, intent *datatypes.PlannerIntent, draftSQL string) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n")
	if questionEn != "" && questionEn != question {
		sb.WriteString("Question (English): ")
		sb.WriteString(questionEn)
		sb.WriteString("\n")
	}
	if intent != nil {
		if js, err := json.Marshal(intent); err == nil {
			sb.WriteString("Planner intent: ")
			sb.Write(js)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nContext:\n")
	sb.WriteString(bundle.Text())
	if draftSQL != "" {
		sb.WriteString("\n\nDraft SQL:\n")
		sb.WriteString(draftSQL)
	}
	return sb.String()
}
