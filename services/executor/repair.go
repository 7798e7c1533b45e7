// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/services/llm"
	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// Repair strategies, in the order they are tried.
const (
	StrategyLearnedFix = "learned_fix"
	StrategyTemplate   = "template"
	StrategyLLM        = "llm"
)

// RepairInput is everything one recovery attempt may consult.
type RepairInput struct {
	Question     string
	ContextText  string
	FailedSQL    string
	ErrorMessage string
	ErrorDetail  string
	Intent       *datatypes.PlannerIntent
	Scope        []string
}

// Repairer runs the ordered recovery chain after an execution error.
type Repairer struct {
	store *LearnedFixStore
	llm   llm.Client
	log   *logging.Logger
	model string
}

func NewRepairer(store *LearnedFixStore, client llm.Client, log *logging.Logger, model string) *Repairer {
	return &Repairer{store: store, llm: client, log: log, model: model}
}

// Repair proposes a replacement SQL, or ok=false when nothing applies.
// The caller executes the proposal and records success via RecordSuccess.
func (r *Repairer) Repair(ctx context.Context, in RepairInput) (sqlText, strategy string, ok bool) {
	ctx, span := otel.Tracer("querylens.executor").Start(ctx, "repair.attempt")
	defer span.End()
	sig := ExtractErrorSignature(in.ErrorMessage)
	span.SetAttributes(attribute.String("repair.error_signature", sig))

	if r.store != nil {
		if fixed, hit := r.store.Lookup(in.FailedSQL, in.ErrorMessage); hit && fixed != in.FailedSQL {
			span.SetAttributes(attribute.String("repair.strategy", StrategyLearnedFix))
			return fixed, StrategyLearnedFix, true
		}
	}

	if fixed, applied := ApplyTemplateRepairs(in.FailedSQL, in.ErrorMessage, in.Question, in.Scope); applied {
		span.SetAttributes(attribute.String("repair.strategy", StrategyTemplate))
		return fixed, StrategyTemplate, true
	}

	if r.llm != nil {
		if fixed, llmOK := r.repairLLM(ctx, in); llmOK && fixed != in.FailedSQL {
			span.SetAttributes(attribute.String("repair.strategy", StrategyLLM))
			return fixed, StrategyLLM, true
		}
	}
	return "", "", false
}

// RecordSuccess persists a repair that executed cleanly.
func (r *Repairer) RecordSuccess(in RepairInput, fixedSQL string) {
	if r.store != nil {
		r.store.Upsert(in.FailedSQL, in.ErrorMessage, fixedSQL)
	}
}

// ===== Template repairs =====

var (
	ora904Re = regexp.MustCompile(`ORA-00904[^"]*"([^"]+)"`)
	ora942Re = regexp.MustCompile(`ORA-00942`)
	ora905Re = regexp.MustCompile(`ORA-00905`)

	medicationColRe = regexp.MustCompile(`(?i)\bMEDICATION\b`)
	longTitleColRe  = regexp.MustCompile(`(?i)\bLONG_TITLE\b`)
	dItemsRe        = regexp.MustCompile(`(?i)\bD_ITEMS\b|\bD_LABITEMS\b`)

	cntThenRe = regexp.MustCompile(`(?i)\bCNT\s+1\s+END\b`)

	topNIntentRe = regexp.MustCompile(`(?i)상위\s*\d+|하위\s*\d+|top\s*\d+|bottom\s*\d+|FETCH\s+FIRST|ROWNUM`)

	// Singular table names the LLM produces for the plural MIMIC tables.
	pluralFixes = []struct{ wrong, right string }{
		{"ADMISSION", "ADMISSIONS"},
		{"PATIENT", "PATIENTS"},
		{"ICUSTAY", "ICUSTAYS"},
		{"PRESCRIPTION", "PRESCRIPTIONS"},
		{"SERVICE", "SERVICES"},
		{"TRANSFER", "TRANSFERS"},
	}

	schemaPrefixRe = regexp.MustCompile(`(?i)\b(FROM|JOIN)\s+([A-Za-z][A-Za-z0-9_$]*)\.([A-Za-z][A-Za-z0-9_$]*)`)
)

// ApplyTemplateRepairs runs the deterministic per-code rules. Returns the
// rewritten SQL and whether any rule changed it.
func ApplyTemplateRepairs(sqlText, errMsg, question string, scope []string) (string, bool) {
	out := sqlText

	switch {
	case ora904Re.MatchString(errMsg) || strings.Contains(errMsg, "ORA-00904"):
		out = repairInvalidIdentifier(out, errMsg, scope)
	case ora942Re.MatchString(errMsg):
		out = repairMissingTable(out)
	case ora905Re.MatchString(errMsg):
		out = cntThenRe.ReplaceAllString(out, "THEN 1 END")
	case isClientTimeout(errMsg):
		out = stripTopLevelOrderBy(out, question)
	}
	return out, out != sqlText
}

func isClientTimeout(errMsg string) bool {
	for _, marker := range []string{"DPY-4024", "DPI-1067", "ORA-03156"} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}

func repairInvalidIdentifier(sqlText, errMsg string, scope []string) string {
	bad := ""
	if m := ora904Re.FindStringSubmatch(errMsg); m != nil {
		bad = strings.ToUpper(m[1])
	}
	// MEDICATION only exists in other datasets; MIMIC PRESCRIPTIONS uses DRUG.
	if (bad == "" || strings.Contains(bad, "MEDICATION")) &&
		medicationColRe.MatchString(sqlText) &&
		regexp.MustCompile(`(?i)\bPRESCRIPTIONS\b`).MatchString(sqlText) &&
		tableInScope("PRESCRIPTIONS", scope) {
		return medicationColRe.ReplaceAllString(sqlText, "DRUG")
	}
	// D_ITEMS/D_LABITEMS name their description column LABEL.
	if (bad == "" || strings.Contains(bad, "LONG_TITLE")) &&
		longTitleColRe.MatchString(sqlText) && dItemsRe.MatchString(sqlText) {
		return longTitleColRe.ReplaceAllString(sqlText, "LABEL")
	}
	return sqlText
}

// repairMissingTable pluralizes singular table references and strips stray
// schema prefixes in FROM/JOIN.
func repairMissingTable(sqlText string) string {
	out := sqlText
	for _, f := range pluralFixes {
		re := regexp.MustCompile(`(?i)\b(FROM|JOIN)\s+` + f.wrong + `\b`)
		out = re.ReplaceAllString(out, "$1 "+f.right)
	}
	if out == sqlText {
		out = schemaPrefixRe.ReplaceAllString(out, "$1 $3")
	}
	return out
}

// stripTopLevelOrderBy removes the trailing ORDER BY from a timed-out
// statement when the question has no top-N intent; sorting the full result
// is usually what blew the budget. Never injects an implicit row cap.
func stripTopLevelOrderBy(sqlText, question string) string {
	if topNIntentRe.MatchString(question) || topNIntentRe.MatchString(sqlText) {
		return sqlText
	}
	upper := strings.ToUpper(sqlText)
	idx := strings.LastIndex(upper, "ORDER BY")
	if idx < 0 {
		return sqlText
	}
	// Only strip when the ORDER BY is top-level (no closing paren after it).
	if strings.Contains(sqlText[idx:], ")") {
		return sqlText
	}
	return strings.TrimRight(sqlText[:idx], " \n\t")
}

func tableInScope(table string, scope []string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, t := range scope {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

// ===== LLM repair =====

const repairSystemPrompt = `You repair Oracle SQL that failed to execute against a MIMIC-style clinical database.
Keep the statement read-only (SELECT/WITH) and keep the question's intent.
Answer with one JSON object only: {"finalSql": string}`

type repairDraft struct {
	FinalSQL string `json:"finalSql"`
}

func (r *Repairer) repairLLM(ctx context.Context, in RepairInput) (string, bool) {
	var sb strings.Builder
	sb.WriteString("Question: " + in.Question + "\n")
	if in.Intent != nil {
		if js, err := json.Marshal(in.Intent); err == nil {
			sb.WriteString("Planner intent: " + string(js) + "\n")
		}
	}
	sb.WriteString("\nFailed SQL:\n" + in.FailedSQL + "\n")
	sb.WriteString("\nError: " + in.ErrorMessage + "\n")
	if in.ErrorDetail != "" {
		sb.WriteString("Detail: " + in.ErrorDetail + "\n")
	}
	if in.ContextText != "" {
		sb.WriteString("\nSchema context:\n" + in.ContextText + "\n")
	}

	out, err := r.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: repairSystemPrompt},
		{Role: "user", Content: sb.String()},
	}, llm.ChatOptions{Model: r.model, MaxTokens: 1500, ExpectJSON: true})
	if err != nil {
		r.log.Warn("llm repair failed", "error", err)
		return "", false
	}
	var draft repairDraft
	if err := llm.DecodeJSON(out.Content, &draft); err != nil {
		r.log.Warn("llm repair returned non-JSON", "error", err)
		return "", false
	}
	fixed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(draft.FinalSQL), ";"))
	return fixed, fixed != ""
}
