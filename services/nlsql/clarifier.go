// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nlsql

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/services/llm"
	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// ambiguousTerm is one entry of the definition-ambiguity rule table. The
// clarifier asks only when a term with multiple clinical definitions appears
// without a disambiguating criterion in the question.
type ambiguousTerm struct {
	term      string
	resolvers []string // criteria that settle the definition when present
	question  string
	options   []string
	examples  []string
}

var ambiguityRules = []ambiguousTerm{
	{
		term:      "고혈압",
		resolvers: []string{"icd", "i10", "진단 코드", "진단코드", "약물", "항고혈압", "복용", "병력", "comorbidity", "위기"},
		question:  "고혈압의 정의 기준을 선택해 주세요.",
		options: []string{
			"진단 코드 기반 (I10-I15)",
			"항고혈압제 복용 기준",
			"입실 전 병력(comorbidity)",
			"고혈압 위기 제외",
		},
		examples: []string{"진단 코드 기반으로 고혈압 환자 수 알려줘"},
	},
	{
		term:      "당뇨",
		resolvers: []string{"icd", "e10", "e11", "진단 코드", "진단코드", "인슐린", "약물", "병력"},
		question:  "당뇨의 정의 기준을 선택해 주세요.",
		options: []string{
			"진단 코드 기반 (E10-E14)",
			"당뇨 약물(인슐린 포함) 투여 기준",
			"입실 전 병력 기준",
		},
		examples: []string{"E11 진단 코드 기준으로 당뇨 환자 수 알려줘"},
	},
	{
		term:      "패혈증",
		resolvers: []string{"icd", "a41", "진단 코드", "진단코드", "sepsis-3", "sofa", "배양"},
		question:  "패혈증의 정의 기준을 선택해 주세요.",
		options: []string{
			"진단 코드 기반 (A41 등)",
			"Sepsis-3 (SOFA 기반)",
			"혈액 배양 양성 기준",
		},
		examples: []string{"진단 코드 기준으로 패혈증 환자의 ICU 사망률"},
	},
}

// Slot names the clarifier tracks across turns.
const (
	slotPeriod     = "period"
	slotCohort     = "cohort"
	slotComparison = "comparison"
	slotMetric     = "metric"
)

var (
	slotPeriodRe     = regexp.MustCompile(`(?i)\d{4}\s*년|\d{4}\s*[-~]\s*\d{4}|전체\s*기간|최근\s*\d+|last\s+\d+|20\d\d`)
	slotCohortRe     = regexp.MustCompile(`(?i)icu|중환자실|입원\s*환자|전체\s*환자|응급|emergency|성인|소아|신생아`)
	slotComparisonRe = regexp.MustCompile(`(?i)연도별|월별|성별|그룹별|비교|대비|yearly|monthly|by\s+\w+|versus|vs\b`)
	slotMetricRe     = regexp.MustCompile(`(?i)사망률|생존율|환자\s*수|건수|평균|재원\s*일수|mortality|count|average|rate|los`)

	followUpRe = regexp.MustCompile(`(?i)그\s*조건|그\s*중에|거기서|방금|아까|\bthen\b|what\s+about|그럼`)

	asciiWordRe = regexp.MustCompile(`\b[A-Za-z][A-Za-z0-9_-]{2,}\b`)
)

// asciiKeepList holds clinical tokens the ASCII stripper must not remove
// from Korean clarifier output.
var asciiKeepList = map[string]bool{
	"ICU": true, "ICD": true, "SOFA": true, "I10": true, "I15": true,
	"E10": true, "E14": true, "A41": true, "comorbidity": true,
}

// Clarifier decides whether a question needs a definition disambiguation
// round before SQL generation.
type Clarifier struct {
	llm llm.Client
	log *logging.Logger

	model         string
	maxTokens     int
	scopeAutofill bool
}

// NewClarifier wires the clarifier stage. scopeAutofill mirrors
// DEFAULT_SCOPE_AUTOFILL_ENABLED.
func NewClarifier(client llm.Client, log *logging.Logger, model string, maxTokens int, scopeAutofill bool) *Clarifier {
	if maxTokens <= 0 {
		maxTokens = 600
	}
	return &Clarifier{llm: client, log: log, model: model, maxTokens: maxTokens, scopeAutofill: scopeAutofill}
}

const clarifierSystemPrompt = `당신은 임상 데이터 질의의 모호성을 판별하는 분석가입니다.
질문에 '정의가 여러 개인 임상 용어'가 기준 없이 등장할 때만 needClarification=true로 답하세요.
기간이나 범위가 없다는 이유만으로는 재질문하지 않습니다.
JSON 객체 하나로만 답하세요:
{"needClarification": bool, "reason": string, "clarificationQuestion": string, "options": [string], "exampleInputs": [string], "refinedQuestion": string}`

// Clarify runs the rule table first, then the LLM, and reconciles the two:
// the LLM may refine the wording but cannot invent a clarification the rule
// table does not back (definition-signal downgrade).
func (c *Clarifier) Clarify(ctx context.Context, question string, history []datatypes.ConversationTurn) (datatypes.ClarifyResult, []datatypes.Assumption) {
	ctx, span := otel.Tracer("querylens.nlsql").Start(ctx, "clarifier.clarify")
	defer span.End()

	effective := c.resolveFollowUp(question, history)
	var assumptions []datatypes.Assumption

	rule := matchAmbiguity(effective, history)
	if rule == nil {
		refined, filled := c.fillSlots(effective, history)
		if c.scopeAutofill {
			refined, assumptions = c.autofillScope(refined, filled)
		}
		res := datatypes.ClarifyResult{RefinedQuestion: refined}
		return res, assumptions
	}

	res := datatypes.ClarifyResult{
		NeedClarification:     true,
		Reason:                fmt.Sprintf("'%s'의 정의 기준이 명시되지 않았습니다", rule.term),
		ClarificationQuestion: rule.question,
		Options:               rule.options,
		ExampleInputs:         rule.examples,
	}

	if c.llm != nil {
		if llmRes, ok := c.clarifyLLM(ctx, effective, history); ok {
			// LLM output without a definition signal is downgraded: the
			// rule table stays authoritative on whether to ask.
			if llmRes.NeedClarification && hasDefinitionSignal(llmRes) {
				if llmRes.ClarificationQuestion != "" {
					res.ClarificationQuestion = llmRes.ClarificationQuestion
				}
				if len(llmRes.ExampleInputs) > 0 {
					res.ExampleInputs = llmRes.ExampleInputs
				}
			}
		}
	}

	if containsHangul(effective) {
		res.ClarificationQuestion = stripASCIIWords(res.ClarificationQuestion)
		res.Reason = stripASCIIWords(res.Reason)
	}
	return res, assumptions
}

func (c *Clarifier) clarifyLLM(ctx context.Context, question string, history []datatypes.ConversationTurn) (datatypes.ClarifyResult, bool) {
	messages := []llm.Message{{Role: "system", Content: clarifierSystemPrompt}}
	for _, t := range tailTurns(history, 20) {
		messages = append(messages, llm.Message{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: question})

	out, err := c.llm.Chat(ctx, messages, llm.ChatOptions{Model: c.model, MaxTokens: c.maxTokens, ExpectJSON: true})
	if err != nil {
		c.log.Warn("clarifier llm call failed, rule-table result stands", "error", err)
		return datatypes.ClarifyResult{}, false
	}
	var res datatypes.ClarifyResult
	if err := llm.DecodeJSON(out.Content, &res); err != nil {
		c.log.Warn("clarifier llm returned non-JSON", "error", err)
		return datatypes.ClarifyResult{}, false
	}
	return res, true
}

// resolveFollowUp prepends the previous user question under a [후속 질문]
// tag when the current question carries follow-up cues.
func (c *Clarifier) resolveFollowUp(question string, history []datatypes.ConversationTurn) string {
	if !followUpRe.MatchString(question) {
		return question
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" && strings.TrimSpace(history[i].Content) != "" {
			return fmt.Sprintf("[후속 질문] 이전 질문: %s\n현재 질문: %s", history[i].Content, question)
		}
	}
	return question
}

// fillSlots composes a refined question from slot answers found in prior
// turns. Returns the refined question and which slots are satisfied.
func (c *Clarifier) fillSlots(question string, history []datatypes.ConversationTurn) (string, map[string]string) {
	filled := map[string]string{}
	probe := func(text string) {
		if filled[slotPeriod] == "" {
			if m := slotPeriodRe.FindString(text); m != "" {
				filled[slotPeriod] = strings.TrimSpace(m)
			}
		}
		if filled[slotCohort] == "" {
			if m := slotCohortRe.FindString(text); m != "" {
				filled[slotCohort] = strings.TrimSpace(m)
			}
		}
		if filled[slotComparison] == "" {
			if m := slotComparisonRe.FindString(text); m != "" {
				filled[slotComparison] = strings.TrimSpace(m)
			}
		}
		if filled[slotMetric] == "" {
			if m := slotMetricRe.FindString(text); m != "" {
				filled[slotMetric] = strings.TrimSpace(m)
			}
		}
	}
	probe(question)
	for i := len(history) - 1; i >= 0 && i >= len(history)-20; i-- {
		probe(history[i].Content)
	}

	if filled[slotPeriod] == "" || filled[slotCohort] == "" || filled[slotMetric] == "" {
		return question, filled
	}
	refined := fmt.Sprintf("%s (기간: %s / 대상: %s / 지표: %s)",
		question, filled[slotPeriod], filled[slotCohort], filled[slotMetric])
	return refined, filled
}

// autofillScope fills missing period/cohort with whole-range defaults and
// surfaces each as an assumption.
func (c *Clarifier) autofillScope(question string, filled map[string]string) (string, []datatypes.Assumption) {
	var assumptions []datatypes.Assumption
	out := question
	if filled[slotPeriod] == "" {
		out += " (기간: 전체 기간)"
		assumptions = append(assumptions, datatypes.Assumption{
			Field: slotPeriod, Value: "전체 기간", Reason: "기간이 지정되지 않아 전체 기간으로 가정",
		})
	}
	if filled[slotCohort] == "" {
		out += " (대상: 전체 환자)"
		assumptions = append(assumptions, datatypes.Assumption{
			Field: slotCohort, Value: "전체 환자", Reason: "대상 집단이 지정되지 않아 전체 환자로 가정",
		})
	}
	return out, assumptions
}

func matchAmbiguity(question string, history []datatypes.ConversationTurn) *ambiguousTerm {
	lower := strings.ToLower(question)
	for i := range ambiguityRules {
		rule := &ambiguityRules[i]
		if !strings.Contains(lower, rule.term) {
			continue
		}
		if containsAnyResolver(lower, rule.resolvers) {
			continue
		}
		// A resolver already given in a prior turn also settles it.
		resolved := false
		for _, t := range tailTurns(history, 20) {
			if containsAnyResolver(strings.ToLower(t.Content), rule.resolvers) {
				resolved = true
				break
			}
		}
		if !resolved {
			return rule
		}
	}
	return nil
}

func containsAnyResolver(lower string, resolvers []string) bool {
	for _, r := range resolvers {
		if strings.Contains(lower, r) {
			return true
		}
	}
	return false
}

// hasDefinitionSignal checks that an LLM clarification is actually about a
// definition, not a generic scope nag.
func hasDefinitionSignal(res datatypes.ClarifyResult) bool {
	text := res.Reason + " " + res.ClarificationQuestion
	return strings.Contains(text, "정의") || strings.Contains(text, "기준") ||
		strings.Contains(strings.ToLower(text), "definition") || strings.Contains(strings.ToLower(text), "criteria")
}

// stripASCIIWords removes stray English words from Korean-facing output,
// keeping whitelisted clinical tokens.
func stripASCIIWords(s string) string {
	out := asciiWordRe.ReplaceAllStringFunc(s, func(w string) string {
		if asciiKeepList[w] || asciiKeepList[strings.ToUpper(w)] {
			return w
		}
		return ""
	})
	return strings.Join(strings.Fields(out), " ")
}

func tailTurns(history []datatypes.ConversationTurn, n int) []datatypes.ConversationTurn {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
