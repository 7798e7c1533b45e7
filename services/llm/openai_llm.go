// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to an OpenAI-compatible endpoint (OpenAI, Azure
// gateway, or a local vLLM server exposing the same API).
type OpenAIClient struct {
	client         *openai.Client
	model          string
	embeddingModel string
	timeout        time.Duration
}

// NewOpenAIClient builds a client from environment configuration:
// OPENAI_API_KEY (or the /run/secrets/openai_api_key secret file),
// OPENAI_BASE_URL, OPENAI_MODEL, EMBEDDING_MODEL_NAME, LLM_TIMEOUT_SEC.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API key from container secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	embeddingModel := os.Getenv("EMBEDDING_MODEL_NAME")
	if embeddingModel == "" {
		embeddingModel = string(openai.SmallEmbedding3)
		slog.Warn("EMBEDDING_MODEL_NAME not set, defaulting to text-embedding-3-small")
	}

	timeout := 60 * time.Second
	if raw := os.Getenv("LLM_TIMEOUT_SEC"); raw != "" {
		if sec, err := strconv.Atoi(raw); err == nil && sec > 0 {
			timeout = time.Duration(sec) * time.Second
		}
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := strings.Trim(os.Getenv("OPENAI_BASE_URL"), "\"' "); baseURL != "" {
		cfg.BaseURL = baseURL
	}

	slog.Info("Initializing OpenAI client", "model", model, "embedding_model", embeddingModel)
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(cfg),
		model:          model,
		embeddingModel: embeddingModel,
		timeout:        timeout,
	}, nil
}

// Chat implements the Client interface.
//
// When opts.ExpectJSON is set, the request asks for JSON mode. If the
// provider errors on JSON mode or the completion does not parse as a JSON
// object, the call is re-sent once without the format hint; usage from both
// attempts is summed.
func (o *OpenAIClient) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	result, err := o.chatOnce(ctx, messages, opts, opts.ExpectJSON)
	if err == nil && opts.ExpectJSON && !LooksLikeJSONObject(result.Content) {
		slog.Warn("LLM ignored JSON response format, re-sending without format hint",
			"model", o.modelFor(opts))
		retry, retryErr := o.chatOnce(ctx, messages, opts, false)
		if retryErr != nil {
			return result, nil // keep the first answer; the caller decides
		}
		retry.Usage.Add(result.Usage)
		return retry, nil
	}
	if err != nil && opts.ExpectJSON {
		// Some gateways reject response_format outright.
		retry, retryErr := o.chatOnce(ctx, messages, opts, false)
		if retryErr == nil {
			return retry, nil
		}
	}
	return result, err
}

func (o *OpenAIClient) chatOnce(ctx context.Context, messages []Message, opts ChatOptions, jsonMode bool) (*ChatResult, error) {
	req := openai.ChatCompletionRequest{
		Model:    o.modelFor(opts),
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if opts.MaxTokens > 0 {
		req.MaxCompletionTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	return &ChatResult{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Embed implements the Client interface using the embeddings endpoint.
func (o *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(o.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding request returned no data")
	}
	return resp.Data[0].Embedding, nil
}

func (o *OpenAIClient) modelFor(opts ChatOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return o.model
}
