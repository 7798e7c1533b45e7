// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator assembles the QueryLens service: the text-to-SQL
// pipeline, the Oracle executor with its repair chain, the chart rule
// engine, and the HTTP surface that exposes them.
//
// Optional dependencies degrade instead of failing startup: without an LLM
// the rule-based stages still run, without Weaviate retrieval falls back to
// BM25 over the local corpora, and without an Oracle DSN the generation
// endpoints work while /query/run answers 503.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/services/audit"
	"github.com/sso312/querylens/services/chartrules"
	"github.com/sso312/querylens/services/executor"
	"github.com/sso312/querylens/services/llm"
	"github.com/sso312/querylens/services/nlsql"
	"github.com/sso312/querylens/services/orchestrator/config"
	"github.com/sso312/querylens/services/orchestrator/handlers"
	"github.com/sso312/querylens/services/orchestrator/middleware"
	"github.com/sso312/querylens/services/orchestrator/observability"
	"github.com/sso312/querylens/services/orchestrator/routes"
	"github.com/sso312/querylens/services/policy_engine"
	"github.com/sso312/querylens/services/retrieval"
	"github.com/sso312/querylens/services/settings"
)

// Service is the orchestrator lifecycle contract.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error

	// Router exposes the configured gin engine for tests.
	Router() *gin.Engine
}

type service struct {
	cfg    config.Config
	log    *logging.Logger
	router *gin.Engine

	cache         *retrieval.MetadataCache
	oracle        *executor.OracleClient
	tracerCleanup func(context.Context)
}

// New wires every component from the resolved configuration.
func New(cfg config.Config) (Service, error) {
	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "orchestrator",
		JSON:    true,
	})
	s := &service{cfg: cfg, log: log}

	if cfg.OTelEndpoint != "" {
		cleanup, err := initTracer(cfg.OTelEndpoint)
		if err != nil {
			log.Warn("tracer initialization failed, continuing without export", "error", err)
		} else {
			s.tracerCleanup = cleanup
		}
	}

	metrics := (*observability.QueryMetrics)(nil)
	if cfg.MetricsEnabled {
		metrics = observability.Init()
	}

	// LLM client. Optional; every LLM stage has a deterministic fallback.
	var llmClient llm.Client
	if client, err := llm.NewOpenAIClient(); err != nil {
		log.Warn("LLM client unavailable, rule-based stages only", "error", err)
	} else if metrics != nil {
		llmClient = &meteredLLM{inner: client, metrics: metrics}
	} else {
		llmClient = client
	}

	// Local corpora, schema catalog, optional vector store.
	s.cache = retrieval.NewMetadataCache(cfg.DataDir)
	local := retrieval.NewLocalStore(s.cache)
	catalogs := retrieval.NewCatalogLoader(cfg.SchemaCatalogPath, cfg.JoinGraphPath)

	var weavStore *retrieval.WeaviateStore
	if client, err := newWeaviateClient(cfg.WeaviateURL); err != nil {
		log.Warn("weaviate unavailable, dense retrieval disabled", "error", err)
	} else if client != nil {
		weavStore = retrieval.NewWeaviateStore(client)
		if err := weavStore.EnsureSchema(context.Background()); err != nil {
			log.Warn("weaviate schema check failed", "error", err)
		}
	}

	var docStore retrieval.DocumentStore
	if weavStore != nil {
		docStore = weavStore
	}
	var embedder retrieval.Embedder
	if llmClient != nil {
		embedder = llmClient
	}
	retriever := retrieval.NewRetriever(docStore, local, embedder, catalogs, retrieval.Config{
		Mode:          retrieval.Mode(cfg.RAGRetrievalMode),
		TopK:          cfg.RAGTopK,
		BM25MaxDocs:   cfg.RAGBM25MaxDocs,
		HybridEnabled: cfg.RAGHybridEnabled,
	})
	budgeter := retrieval.NewBudgeter(cfg.ContextTokenBudget)

	// Policy gate. The engine-level scope is the catalog itself; per-user
	// scopes narrow retrieval upstream.
	var globalScope []string
	if catalog, err := catalogs.Catalog(); err != nil {
		log.Warn("schema catalog unavailable, policy scope check disabled", "error", err)
	} else {
		globalScope = catalog.TableNames()
	}
	policy := policy_engine.NewPolicyEngine(policy_engine.Config{
		MaxJoins:     cfg.PolicyMaxJoins,
		Scope:        globalScope,
		RequireWhere: cfg.PolicyRequireWhere,
	})

	// Core A stages.
	clarifier := nlsql.NewClarifier(llmClient, log, cfg.ClarifierModel, cfg.LLMMaxTokens, cfg.DefaultScopeAutofillEnabled)
	translator := nlsql.NewTranslator(llmClient, log, cfg.TranslatorModel, cfg.TranslateKoToEn)
	planner := nlsql.NewPlanner(llmClient, log, nlsql.PlannerConfig{
		Mode:                cfg.PlannerActivationMode,
		ComplexityThreshold: cfg.PlannerComplexityThreshold,
		MinQuestionTokens:   cfg.PlannerMinQuestionTokens,
		RequiredGateCount:   cfg.PlannerRequiredGateCount,
		Model:               cfg.PlannerModel,
		MaxTokens:           cfg.LLMMaxTokens,
	})
	engineer := nlsql.NewEngineer(llmClient, log, nlsql.EngineerConfig{
		EngineerModel:    cfg.EngineerModel,
		ExpertModel:      cfg.ExpertModel,
		MaxTokens:        cfg.LLMMaxTokens,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		ExpertMode:       cfg.ExpertTriggerMode,
		ExpertThreshold:  cfg.ExpertScoreThreshold,
	})
	postproc := nlsql.NewPostprocessor(nlsql.LoadPostprocessRules(cfg.PostprocessRulesPath, log), log)
	pipeline := nlsql.NewPipeline(clarifier, translator, planner, engineer,
		retriever, budgeter, postproc, policy, log, nlsql.PipelineConfig{
			PostprocessEnabled:    cfg.OneshotPostprocessEnabled,
			IntentGuardEnabled:    cfg.OneshotIntentGuardEnabled,
			IntentRealignEnabled:  cfg.OneshotIntentRealignEnabled,
			DefaultPostprocessTag: cfg.DefaultPostprocessProfile,
		})

	// Executor and repair chain.
	if cfg.OracleDSN == "" {
		log.Warn("ORACLE_DSN not set, /query/run disabled")
	} else {
		s.oracle = executor.NewOracleClient(executor.OracleConfig{
			DSN:           cfg.OracleDSN,
			DefaultSchema: cfg.OracleSchema,
			CallTimeout:   time.Duration(cfg.DBTimeoutSec) * time.Second,
			RowCap:        cfg.RowCap,
			MaxPools:      cfg.PoolMaxUsers,
		}, log)
	}
	fixes := executor.NewLearnedFixStore(cfg.LearnedFixPath, cfg.LearnedFixMaxRules, log)
	repairer := executor.NewRepairer(fixes, llmClient, log, cfg.RepairModel)

	// Core B.
	chartIntent := chartrules.NewIntentExtractor(llmClient, log, cfg.ChartIntentModel)
	charts := chartrules.NewEngine(log)

	h := handlers.New(handlers.Handlers{
		Pipeline:    pipeline,
		Executor:    s.oracle,
		Repairer:    repairer,
		Policy:      policy,
		Settings:    settings.NewStore(cfg.SettingsPath, log),
		Audit:       audit.NewLog(cfg.AuditLogPath, "orchestrator", log),
		Cache:       s.cache,
		Catalogs:    catalogs,
		Weaviate:    weavStore,
		ChartIntent: chartIntent,
		Charts:      charts,
		LLM:         llmClient,
		Dashboards:  handlers.NewDashboardStore(cfg.DashboardPath),
		Metrics:     metrics,
		Log:         log,
	}, handlers.Options{
		VisMaxRows:        cfg.VisMaxRows,
		RepairEnabled:     cfg.SQLAutoRepairEnabled,
		RepairMaxAttempts: cfg.SQLAutoRepairMaxAttempts,
		DBTimeoutMs:       cfg.DBTimeoutSec * 1000,
		InsightModel:      cfg.InsightModel,
	})

	s.router = s.buildRouter(h)
	return s, nil
}

func (s *service) Run() error {
	defer s.cleanup()
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.log.Info("starting orchestrator server", "port", s.cfg.Port)
	return s.router.Run(addr)
}

func (s *service) Router() *gin.Engine { return s.router }

func (s *service) buildRouter(h *handlers.Handlers) *gin.Engine {
	if s.cfg.GinMode != "" {
		gin.SetMode(s.cfg.GinMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("querylens-orchestrator"))
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestTimeout(s.cfg.APIRequestTimeout))

	routes.Setup(router, h, s.cfg.MetricsEnabled)
	return router
}

func (s *service) cleanup() {
	if s.oracle != nil {
		s.oracle.Close()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.log.Warn("metadata cache close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	s.log.Close()
}

// initTracer sets up the OTLP gRPC span exporter.
func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc connection: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("querylens-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// meteredLLM counts token usage per call. Calls without a model override
// are attributed to the backend default.
type meteredLLM struct {
	inner   llm.Client
	metrics *observability.QueryMetrics
}

func (m *meteredLLM) Chat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (*llm.ChatResult, error) {
	res, err := m.inner.Chat(ctx, messages, opts)
	if err == nil && res != nil {
		model := opts.Model
		if model == "" {
			model = "default"
		}
		m.metrics.RecordTokens(res.Usage.PromptTokens, res.Usage.CompletionTokens, model)
	}
	return res, err
}

func (m *meteredLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.inner.Embed(ctx, text)
}

// newWeaviateClient parses the configured URL. An empty URL returns a nil
// client without error; retrieval then runs in lexical-only mode.
func newWeaviateClient(rawURL string) (*weaviate.Client, error) {
	rawURL = strings.Trim(rawURL, "\"' ")
	if rawURL == "" {
		return nil, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate URL: %s", rawURL)
	}
	return weaviate.NewClient(weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme})
}
