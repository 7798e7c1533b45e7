// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the LLM client contract used by every agent stage
// (clarifier, translator, planner, engineer, expert, repair, insight) and an
// OpenAI-compatible implementation.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Message is a single chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one chat call.
type Usage struct {
	PromptTokens     int `json:"prompt"`
	CompletionTokens int `json:"completion"`
	TotalTokens      int `json:"total"`
}

// Add accumulates another call's usage into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ChatOptions tunes a single chat call.
type ChatOptions struct {
	// Model overrides the client default model when non-empty.
	Model string

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// ExpectJSON requests a single JSON object response. When the provider
	// rejects JSON mode or returns unparseable content, the client re-sends
	// once without the JSON format hint.
	ExpectJSON bool

	// Temperature overrides the default sampling temperature when non-nil.
	Temperature *float32
}

// ChatResult is the outcome of one chat call.
type ChatResult struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Client defines the standard interface for any LLM backend.
//
// Implementations must be safe for concurrent use; the orchestrator shares
// one client across all requests.
type Client interface {
	// Chat sends a conversation to the model and returns the completion.
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResult, error)

	// Embed returns the embedding vector for a text. Used for dense
	// retrieval; the vector dimension is uniform per deployment.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DecodeJSON parses a chat completion that is expected to be a single JSON
// object, tolerating markdown code fences around the payload.
func DecodeJSON(content string, v any) error {
	return json.Unmarshal([]byte(StripCodeFence(content)), v)
}

// StripCodeFence removes a surrounding ```json ... ``` (or bare ```) fence.
func StripCodeFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line ("json", "sql", ...).
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 8 {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// LooksLikeJSONObject reports whether content plausibly holds one JSON object.
func LooksLikeJSONObject(content string) bool {
	s := StripCodeFence(content)
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}
