// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config resolves every orchestrator tunable from the environment.
// Unknown or malformed values log a warning and fall back to the default,
// so a half-configured deployment still starts.
package config

import (
	"bufio"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// minAPITimeout keeps the HTTP request budget above the executor's 180s
// call-timeout floor, so the DB layer times out before the API layer does.
const minAPITimeout = 190 * time.Second

// Config is the resolved orchestrator configuration.
type Config struct {
	Port           int
	GinMode        string
	OTelEndpoint   string
	MetricsEnabled bool
	LogDir         string
	LogLevel       string

	APIRequestTimeout time.Duration

	// LLM stage models. Empty model strings use the client default.
	ClarifierModel   string
	TranslatorModel  string
	PlannerModel     string
	EngineerModel    string
	ExpertModel      string
	RepairModel      string
	InsightModel     string
	ChartIntentModel string
	LLMMaxTokens     int

	MaxRetryAttempts     int
	ExpertTriggerMode    string // off | always | score
	ExpertScoreThreshold int

	PlannerActivationMode      string // off | always | complex_only
	PlannerComplexityThreshold int
	PlannerMinQuestionTokens   int
	PlannerRequiredGateCount   int

	RAGRetrievalMode   string // bm25_then_rerank | hybrid_legacy
	RAGTopK            int
	RAGHybridEnabled   bool
	RAGBM25MaxDocs     int
	ContextTokenBudget int

	DBTimeoutSec int
	RowCap       int
	PoolMaxUsers int
	OracleDSN    string
	OracleSchema string

	PolicyMaxJoins     int
	PolicyRequireWhere bool

	SQLAutoRepairEnabled     bool
	SQLAutoRepairMaxAttempts int
	LearnedFixMaxRules       int

	OneshotPostprocessEnabled   bool
	OneshotIntentGuardEnabled   bool
	OneshotIntentRealignEnabled bool
	DefaultPostprocessProfile   string

	DefaultScopeAutofillEnabled bool
	TranslateKoToEn             bool

	VisMaxRows int

	WeaviateURL string

	// File-backed state.
	DataDir              string // metadata JSONL corpora
	SchemaCatalogPath    string
	JoinGraphPath        string
	PostprocessRulesPath string
	LearnedFixPath       string
	SettingsPath         string
	AuditLogPath         string
	DashboardPath        string
}

// Load reads the full configuration from the environment. A .env file in
// the working directory is applied first without overriding real env vars.
func Load() Config {
	LoadDotEnv(".env")

	dataDir := getString("QUERYLENS_DATA_DIR", "./data")
	cfg := Config{
		Port:           getInt("QUERYLENS_PORT", 12210),
		GinMode:        getString("GIN_MODE", "release"),
		OTelEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MetricsEnabled: getBool("METRICS_ENABLED", true),
		LogDir:         os.Getenv("QUERYLENS_LOG_DIR"),
		LogLevel:       getString("LOG_LEVEL", "info"),

		APIRequestTimeout: time.Duration(getInt("API_REQUEST_TIMEOUT_SEC", 240)) * time.Second,

		ClarifierModel:   os.Getenv("CLARIFIER_MODEL"),
		TranslatorModel:  os.Getenv("TRANSLATOR_MODEL"),
		PlannerModel:     os.Getenv("PLANNER_MODEL"),
		EngineerModel:    os.Getenv("ENGINEER_MODEL"),
		ExpertModel:      os.Getenv("EXPERT_MODEL"),
		RepairModel:      os.Getenv("REPAIR_MODEL"),
		InsightModel:     os.Getenv("INSIGHT_MODEL"),
		ChartIntentModel: os.Getenv("CHART_INTENT_MODEL"),
		LLMMaxTokens:     getInt("LLM_MAX_TOKENS", 1800),

		MaxRetryAttempts:     getInt("MAX_RETRY_ATTEMPTS", 2),
		ExpertTriggerMode:    getString("EXPERT_TRIGGER_MODE", "score"),
		ExpertScoreThreshold: getInt("EXPERT_SCORE_THRESHOLD", 4),

		PlannerActivationMode:      getString("PLANNER_ACTIVATION_MODE", "complex_only"),
		PlannerComplexityThreshold: getInt("PLANNER_COMPLEXITY_THRESHOLD", 2),
		PlannerMinQuestionTokens:   getInt("PLANNER_MIN_QUESTION_TOKENS", 6),
		PlannerRequiredGateCount:   getInt("PLANNER_REQUIRED_GATE_COUNT", 2),

		RAGRetrievalMode:   getString("RAG_RETRIEVAL_MODE", "bm25_then_rerank"),
		RAGTopK:            getInt("RAG_TOP_K", 6),
		RAGHybridEnabled:   getBool("RAG_HYBRID_ENABLED", true),
		RAGBM25MaxDocs:     getInt("RAG_BM25_MAX_DOCS", 1200),
		ContextTokenBudget: getInt("CONTEXT_TOKEN_BUDGET", 6000),

		DBTimeoutSec: getInt("DB_TIMEOUT_SEC", 180),
		RowCap:       getInt("ROW_CAP", 1000),
		PoolMaxUsers: getInt("POOL_MAX_USERS", 16),
		OracleDSN:    os.Getenv("ORACLE_DSN"),
		OracleSchema: os.Getenv("ORACLE_DEFAULT_SCHEMA"),

		PolicyMaxJoins:     getInt("POLICY_MAX_JOINS", 5),
		PolicyRequireWhere: getBool("POLICY_REQUIRE_WHERE", true),

		SQLAutoRepairEnabled:     getBool("SQL_AUTO_REPAIR_ENABLED", true),
		SQLAutoRepairMaxAttempts: getInt("SQL_AUTO_REPAIR_MAX_ATTEMPTS", 1),
		LearnedFixMaxRules:       getInt("LEARNED_FIX_MAX_RULES", 200),

		OneshotPostprocessEnabled:   getBool("ONESHOT_POSTPROCESS_ENABLED", true),
		OneshotIntentGuardEnabled:   getBool("ONESHOT_INTENT_GUARD_ENABLED", true),
		OneshotIntentRealignEnabled: getBool("ONESHOT_INTENT_REALIGN_ENABLED", true),
		DefaultPostprocessProfile:   getString("DEFAULT_POSTPROCESS_PROFILE", "relaxed"),

		DefaultScopeAutofillEnabled: getBool("DEFAULT_SCOPE_AUTOFILL_ENABLED", false),
		TranslateKoToEn:             getBool("TRANSLATE_KO_TO_EN", true),

		VisMaxRows: getInt("VIS_MAX_ROWS", 10000),

		WeaviateURL: os.Getenv("WEAVIATE_SERVICE_URL"),

		DataDir:              dataDir,
		SchemaCatalogPath:    getString("SCHEMA_CATALOG_PATH", dataDir+"/schema_catalog.json"),
		JoinGraphPath:        getString("JOIN_GRAPH_PATH", dataDir+"/join_graph.json"),
		PostprocessRulesPath: getString("POSTPROCESS_RULES_PATH", dataDir+"/postprocess_rules.json"),
		LearnedFixPath:       getString("LEARNED_FIX_PATH", dataDir+"/learned_fixes.json"),
		SettingsPath:         getString("SETTINGS_PATH", dataDir+"/settings.json"),
		AuditLogPath:         getString("AUDIT_LOG_PATH", dataDir+"/audit_events.ndjson"),
		DashboardPath:        getString("DASHBOARD_PATH", dataDir+"/dashboards.json"),
	}

	if cfg.APIRequestTimeout < minAPITimeout {
		slog.Warn("API_REQUEST_TIMEOUT_SEC below DB call-timeout floor, raising",
			"requested", cfg.APIRequestTimeout, "floor", minAPITimeout)
		cfg.APIRequestTimeout = minAPITimeout
	}
	return cfg
}

// LoadDotEnv applies KEY=VALUE lines from path to the process environment.
// Existing env vars win; missing file is not an error. The format accepted
// is the plain docker-compose style: comments with #, optional quotes.
func LoadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		os.Setenv(key, value)
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}

func getBool(key string, def bool) bool {
	raw := strings.ToLower(os.Getenv(key))
	switch raw {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		slog.Warn("invalid boolean env var, using default", "key", key, "value", raw, "default", def)
		return def
	}
}
