// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval implements hybrid lexical+semantic retrieval over the
// typed metadata corpora (schemas, examples, templates, glossaries, value
// dictionaries) plus the deterministic matchers and the context budgeter.
package retrieval

import (
	"strings"
	"unicode"
)

// koreanParticles are the postpositions stripped from token tails so that
// "심박수를" and "심박수" normalize to the same token. Ordered longest first
// so "으로" wins over "로".
var koreanParticles = []string{
	"으로부터", "에게서", "으로서", "으로써", "에서는", "이라는",
	"에서", "에게", "으로", "부터", "까지", "처럼", "보다", "라는",
	"은", "는", "이", "가", "을", "를", "의", "에", "와", "과", "도", "만", "로", "나", "야",
}

// Normalize lowercases text and replaces every non-letter, non-digit rune
// with a space. Idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Tokenize splits normalized text into tokens, stripping trailing Korean
// particles from Hangul tokens.
func Tokenize(text string) []string {
	fields := strings.Fields(Normalize(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		t := StripParticle(f)
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// StripParticle removes one trailing postposition from a Hangul token.
// Tokens of two runes or fewer are left intact so bare particles and short
// clinical terms ("간", "폐") survive.
func StripParticle(token string) string {
	runes := []rune(token)
	if len(runes) <= 2 || !isHangul(runes[len(runes)-1]) {
		return token
	}
	for _, p := range koreanParticles {
		if strings.HasSuffix(token, p) {
			stripped := strings.TrimSuffix(token, p)
			if len([]rune(stripped)) >= 2 {
				return stripped
			}
		}
	}
	return token
}

func isHangul(r rune) bool {
	return r >= 0xAC00 && r <= 0xD7A3
}

// ContainsHangul reports whether the text has at least one Hangul syllable.
func ContainsHangul(text string) bool {
	for _, r := range text {
		if isHangul(r) {
			return true
		}
	}
	return false
}

// LexicalOverlap is the fraction of query tokens present in the document
// token set, in [0, 1]. Used as the third fusion term in hybrid scoring.
func LexicalOverlap(queryTokens []string, docTokens []string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	docSet := make(map[string]struct{}, len(docTokens))
	for _, t := range docTokens {
		docSet[t] = struct{}{}
	}
	hits := 0
	for _, t := range queryTokens {
		if _, ok := docSet[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}
