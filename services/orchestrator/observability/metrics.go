// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the orchestrator.
//
// Metrics cover the text-to-SQL pipeline (requests, stage latency), SQL
// execution, the repair chain, and LLM token usage. Exposed via /metrics.
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "querylens"

// QueryMetrics holds all Prometheus metrics for query processing.
type QueryMetrics struct {
	// RequestsTotal counts API requests.
	// Labels: endpoint (oneshot, run, visualize, ws), status (success, error, clarify, blocked)
	RequestsTotal *prometheus.CounterVec

	// StageDurationSeconds measures per-stage pipeline latency.
	// Labels: stage (clarify, translate, retrieve, plan, generate, expert, postprocess, intent_guard, policy)
	StageDurationSeconds *prometheus.HistogramVec

	// PipelineDurationSeconds measures end-to-end oneshot latency.
	// Labels: status (success, error, clarify)
	PipelineDurationSeconds *prometheus.HistogramVec

	// ExecDurationSeconds measures SQL execution latency.
	// Labels: status (success, db_error, client_timeout, exec_error)
	ExecDurationSeconds *prometheus.HistogramVec

	// RepairsTotal counts repair attempts.
	// Labels: strategy (learned_fix, template, llm), outcome (success, failure)
	RepairsTotal *prometheus.CounterVec

	// PolicyBlocksTotal counts policy gate rejections.
	// Labels: violation (WRITE_KEYWORD, TABLE_NOT_ALLOWED, ...)
	PolicyBlocksTotal *prometheus.CounterVec

	// LLMTokensTotal counts LLM tokens by direction and model.
	// Labels: direction (input, output), model
	LLMTokensTotal *prometheus.CounterVec
}

// Default is the singleton instance, set by Init.
var Default *QueryMetrics

// Init creates and registers all metrics. Call once at startup; a second
// call panics on duplicate registration.
func Init() *QueryMetrics {
	Default = &QueryMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total API requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.25, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),

		PipelineDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "pipeline_duration_seconds",
				Help:      "End-to-end oneshot pipeline latency in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),

		ExecDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "exec_duration_seconds",
				Help:      "SQL execution latency in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 180, 300},
			},
			[]string{"status"},
		),

		RepairsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "repairs_total",
				Help:      "SQL repair attempts by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),

		PolicyBlocksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "policy_blocks_total",
				Help:      "Policy gate rejections by violation code",
			},
			[]string{"violation"},
		),

		LLMTokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "llm_tokens_total",
				Help:      "LLM tokens consumed by direction and model",
			},
			[]string{"direction", "model"},
		),
	}
	return Default
}

// RecordRequest records one completed API request.
func (m *QueryMetrics) RecordRequest(endpoint, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// RecordStage records one stage duration.
func (m *QueryMetrics) RecordStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordPipeline records an end-to-end pipeline run.
func (m *QueryMetrics) RecordPipeline(status string, seconds float64) {
	if m == nil {
		return
	}
	m.PipelineDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordExec records one SQL execution.
func (m *QueryMetrics) RecordExec(status string, seconds float64) {
	if m == nil {
		return
	}
	m.ExecDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordRepair records one repair attempt outcome.
func (m *QueryMetrics) RecordRepair(strategy string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.RepairsTotal.WithLabelValues(strategy, outcome).Inc()
}

// RecordPolicyBlock records one policy rejection per violation code.
func (m *QueryMetrics) RecordPolicyBlock(violations []string) {
	if m == nil {
		return
	}
	for _, v := range violations {
		m.PolicyBlocksTotal.WithLabelValues(v).Inc()
	}
}

// RecordTokens records LLM token usage for one call.
func (m *QueryMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	if m == nil {
		return
	}
	m.LLMTokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.LLMTokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}
