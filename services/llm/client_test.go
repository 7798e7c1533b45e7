// Copyright (C) 2025 QueryLens
// Tests for chat content helpers.

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare json", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"sql fence", "```sql\nSELECT 1 FROM DUAL\n```", "SELECT 1 FROM DUAL"},
		{"plain fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"whitespace", "  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripCodeFence(tt.in))
		})
	}
}

func TestDecodeJSON_Fenced(t *testing.T) {
	var out struct {
		FinalSQL string `json:"finalSql"`
	}
	err := DecodeJSON("```json\n{\"finalSql\": \"SELECT COUNT(*) FROM ADMISSIONS\"}\n```", &out)
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM ADMISSIONS", out.FinalSQL)
}

func TestLooksLikeJSONObject(t *testing.T) {
	assert.True(t, LooksLikeJSONObject(`{"x": 1}`))
	assert.True(t, LooksLikeJSONObject("```json\n{}\n```"))
	assert.False(t, LooksLikeJSONObject("SELECT 1"))
	assert.False(t, LooksLikeJSONObject("[1,2]"))
}

func TestUsageAdd(t *testing.T) {
	u := Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	u.Add(Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3})
	assert.Equal(t, Usage{PromptTokens: 11, CompletionTokens: 7, TotalTokens: 18}, u)
}
