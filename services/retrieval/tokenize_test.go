// Copyright (C) 2025 QueryLens
// Tests for normalization and tokenization.

package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"2018년부터 2020년까지 ICU 환자의 연도별 사망률",
		"Which age group has the highest mortality in 2019?",
		"  Mixed   CASE, punctuation!! 그리고-한글  ",
		"",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		assert.Equal(t, once, twice, "Normalize must be idempotent for %q", in)
		assert.Equal(t, Tokenize(once), Tokenize(twice))
	}
}

func TestTokenize_StripsKoreanParticles(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"심박수를", "심박수"},
		{"환자의", "환자"},
		{"병원에서", "병원"},
		{"사망률은", "사망률"},
	}
	for _, tt := range tests {
		got := Tokenize(tt.in)
		assert.Equal(t, []string{tt.want}, got, "input %q", tt.in)
	}
}

func TestStripParticle_ShortTokensIntact(t *testing.T) {
	assert.Equal(t, "간", StripParticle("간"))
	assert.Equal(t, "폐렴", StripParticle("폐렴"))
	// Stripping must never leave fewer than two runes.
	assert.Equal(t, "나이", StripParticle("나이"))
}

func TestTokenize_EnglishLowercased(t *testing.T) {
	got := Tokenize("ICU Mortality RATE")
	assert.Equal(t, []string{"icu", "mortality", "rate"}, got)
}

func TestLexicalOverlap(t *testing.T) {
	q := []string{"icu", "사망률", "연도"}
	doc := []string{"icu", "사망률", "병원", "입원"}
	assert.InDelta(t, 2.0/3.0, LexicalOverlap(q, doc), 1e-9)
	assert.Zero(t, LexicalOverlap(nil, doc))
	assert.Zero(t, LexicalOverlap(q, nil))
}

func TestContainsHangul(t *testing.T) {
	assert.True(t, ContainsHangul("고혈압 환자"))
	assert.False(t, ContainsHangul("hypertension patients"))
}
