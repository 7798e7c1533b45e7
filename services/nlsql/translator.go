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
	"unicode"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/services/llm"
)

// Translator renders a Korean question into English for the engineer
// prompt. A deterministic post-pass pins admission-type terms so the LLM
// can never swap EMERGENCY and URGENT or soften ELECTIVE.
type Translator struct {
	llm     llm.Client
	log     *logging.Logger
	model   string
	enabled bool
}

func NewTranslator(client llm.Client, log *logging.Logger, model string, enabled bool) *Translator {
	return &Translator{llm: client, log: log, model: model, enabled: enabled}
}

const translatorSystemPrompt = `Translate the clinical data question from Korean to English.
Keep table and column identifiers, ICD codes, and numbers verbatim.
Answer with the translation only.`

// admissionTypeTerms maps source admission-type words to the exact
// ADMISSIONS.ADMISSION_TYPE value each must become.
var admissionTypeTerms = []struct {
	source *regexp.Regexp
	target string
	// wrong are renderings the LLM tends to produce for this source term.
	wrong []string
}{
	{regexp.MustCompile(`응급`), "EMERGENCY", []string{"URGENT"}},
	{regexp.MustCompile(`긴급`), "URGENT", []string{"EMERGENCY", "EMERGENT"}},
	{regexp.MustCompile(`예약|선택(\s*입원)?`), "ELECTIVE", []string{"SCHEDULED", "OPTIONAL", "SELECTIVE"}},
}

// Translate returns the English question, or the input unchanged when
// translation is disabled, unnecessary, or fails.
func (t *Translator) Translate(ctx context.Context, question string) string {
	if !t.enabled || t.llm == nil || !containsHangul(question) {
		return question
	}
	out, err := t.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: translatorSystemPrompt},
		{Role: "user", Content: question},
	}, llm.ChatOptions{Model: t.model, MaxTokens: 400})
	if err != nil {
		t.log.Warn("translation failed, using source question", "error", err)
		return question
	}
	translated := strings.TrimSpace(out.Content)
	if translated == "" {
		return question
	}
	return FixAdmissionTypes(question, translated)
}

// FixAdmissionTypes enforces admission-type fidelity on a translation:
// for each admission-type term present in the source, wrong renderings in
// the translation are replaced by the exact target value.
func FixAdmissionTypes(source, translated string) string {
	out := translated
	for _, term := range admissionTypeTerms {
		if !term.source.MatchString(source) {
			continue
		}
		for _, wrong := range term.wrong {
			// When the source legitimately mentions both types, leave the
			// other type's rendering alone.
			if ownedByOtherTerm(source, wrong) {
				continue
			}
			re := regexp.MustCompile(`(?i)\b` + wrong + `\b`)
			out = re.ReplaceAllString(out, term.target)
		}
	}
	return out
}

func ownedByOtherTerm(source, rendering string) bool {
	for _, term := range admissionTypeTerms {
		if strings.EqualFold(term.target, rendering) && term.source.MatchString(source) {
			return true
		}
	}
	return false
}

func containsHangul(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}
