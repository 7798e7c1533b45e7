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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/services/orchestrator/datatypes"
	"github.com/sso312/querylens/services/policy_engine"
	"github.com/sso312/querylens/services/retrieval"
)

// PipelineConfig gathers the per-stage feature flags the orchestrator
// resolves from the environment.
type PipelineConfig struct {
	PostprocessEnabled    bool
	IntentGuardEnabled    bool
	IntentRealignEnabled  bool
	DefaultPostprocessTag string // conservative | relaxed | aggressive
}

// Pipeline is the Core A state machine: one Run per question, stages in
// strict order, every degradation explicit in the result trace.
type Pipeline struct {
	clarifier  *Clarifier
	translator *Translator
	planner    *Planner
	engineer   *Engineer
	retriever  *retrieval.Retriever
	budgeter   *retrieval.Budgeter
	postproc   *Postprocessor
	policy     *policy_engine.PolicyEngine
	log        *logging.Logger
	cfg        PipelineConfig
}

func NewPipeline(
	clarifier *Clarifier,
	translator *Translator,
	planner *Planner,
	engineer *Engineer,
	retriever *retrieval.Retriever,
	budgeter *retrieval.Budgeter,
	postproc *Postprocessor,
	policy *policy_engine.PolicyEngine,
	log *logging.Logger,
	cfg PipelineConfig,
) *Pipeline {
	return &Pipeline{
		clarifier:  clarifier,
		translator: translator,
		planner:    planner,
		engineer:   engineer,
		retriever:  retriever,
		budgeter:   budgeter,
		postproc:   postproc,
		policy:     policy,
		log:        log,
		cfg:        cfg,
	}
}

// RunInput is one oneshot request after handler validation.
type RunInput struct {
	Question string
	History  []datatypes.ConversationTurn
	Scope    []string // effective table scope, empty = all
	// AllTablesScope marks a scope that covers effectively the whole
	// catalog; it shifts budgeter quotas.
	AllTablesScope bool
}

// StageNotifier receives stage transition events, used by the websocket
// progress stream. A nil notifier is a no-op.
type StageNotifier func(stage string, detail string)

// Run executes Core A end to end (through the policy gate; execution is a
// separate acknowledged step).
func (p *Pipeline) Run(ctx context.Context, in RunInput, notify StageNotifier) (*datatypes.OrchestratorResult, error) {
	ctx, span := otel.Tracer("querylens.nlsql").Start(ctx, "pipeline.run")
	defer span.End()

	if notify == nil {
		notify = func(string, string) {}
	}
	res := &datatypes.OrchestratorResult{
		RequestID: uuid.NewString(),
		Question:  in.Question,
		Mode:      datatypes.ModeAdvanced,
	}
	log := p.log.With("requestId", res.RequestID)
	span.SetAttributes(attribute.String("request.id", res.RequestID))

	// Clarifier.
	notify("clarify", "")
	clarify, assumptions := p.clarifier.Clarify(ctx, in.Question, in.History)
	res.Assumptions = append(res.Assumptions, assumptions...)
	if clarify.NeedClarification {
		res.Clarify = &clarify
		res.Mode = datatypes.ModeClarify
		log.Info("clarification required", "reason", clarify.Reason)
		return res, nil
	}
	question := in.Question
	if clarify.RefinedQuestion != "" {
		question = clarify.RefinedQuestion
	}

	// Translator.
	notify("translate", "")
	res.QuestionEn = p.translator.Translate(ctx, question)

	// Risk classifier.
	res.Risk = ClassifyRisk(question)
	span.SetAttributes(
		attribute.Int("risk.complexity", res.Risk.Complexity),
		attribute.Int("risk.score", res.Risk.Risk),
	)

	// Retrieval and budgeting.
	notify("retrieve", "")
	retrieved, err := p.retriever.Retrieve(ctx, question, in.Scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	res.Assumptions = append(res.Assumptions, retrieved.Assumptions...)
	res.Context = p.budgeter.Apply(retrieved.Items, in.AllTablesScope)
	log.Info("context assembled",
		"items", len(res.Context.Items),
		"tokens", res.Context.TotalTokens,
		"typeCounts", res.Context.TypeCounts())

	// Planner gate.
	notify("plan", "")
	ageHint := retrieval.AgeWithoutYearIntent(question)
	intent, decision := p.planner.Plan(ctx, question, res.Risk, ageHint)
	res.Planner = intent
	res.PlannerDecision = decision

	// Engineer draft, expert revision.
	notify("generate", "")
	draft, _, err := p.engineer.Draft(ctx, question, res.QuestionEn, res.Context, intent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sql generation failed")
		return nil, fmt.Errorf("sql generation: %w", err)
	}
	res.Draft = draft
	sql := draft

	expertRan := false
	if p.engineer.ShouldRunExpert(res.Risk) {
		notify("expert", "")
		revised, err := p.engineer.Revise(ctx, question, res.QuestionEn, sql, res.Context, intent, "")
		if err != nil {
			log.Warn("expert revision failed, keeping draft", "error", err)
		} else if revised != "" {
			sql = revised
			expertRan = true
		}
	}

	// Deterministic post-processing.
	final := datatypes.FinalSQL{FinalSQL: sql}
	profile, profileReasons := RecommendProfile(question, sql, p.cfg.DefaultPostprocessTag)
	if p.cfg.PostprocessEnabled {
		notify("postprocess", profile)
		out, applied := p.postproc.Apply(PostprocessInput{
			Question:   question,
			SQL:        sql,
			ICDMatches: retrieved.ICDMatches,
			Profile:    profile,
		})
		final.FinalSQL = out
		final.Postprocess = append(applied, "profile:"+profile)
		log.Debug("postprocess done", "applied", applied, "profileReasons", profileReasons)
	}

	// Intent guard with one bounded realignment.
	if p.cfg.IntentGuardEnabled {
		notify("intent_guard", "")
		final = p.guardAndRealign(ctx, question, res.QuestionEn, final, res.Context, intent, expertRan, retrieved, log)
	}
	res.Final = final

	// Policy gate. Violations do not erase the SQL; the caller decides.
	notify("policy", "")
	decisionPolicy := p.policy.Evaluate(final.FinalSQL, question)
	res.Policy = &datatypes.PolicyReport{
		Allowed:    decisionPolicy.Allowed,
		Violations: decisionPolicy.Violations,
		Messages:   decisionPolicy.Messages,
		Deferred:   decisionPolicy.Deferred,
	}
	log.Info("pipeline complete",
		"allowed", decisionPolicy.Allowed,
		"issues", len(final.IntentAlignmentIssues),
		"expert", expertRan)
	return res, nil
}

// guardAndRealign runs the intent guard, one post-process retry, and at
// most one expert realignment. The realigned SQL is kept only when the
// issue set strictly shrinks.
func (p *Pipeline) guardAndRealign(
	ctx context.Context,
	question, questionEn string,
	final datatypes.FinalSQL,
	bundle datatypes.ContextBundle,
	intent *datatypes.PlannerIntent,
	expertRan bool,
	retrieved *retrieval.Result,
	log *logging.Logger,
) datatypes.FinalSQL {
	issues := GuardIntent(question, final.FinalSQL)
	final.IntentAlignmentIssues = issues
	if len(issues) == 0 {
		return final
	}
	log.Info("intent guard flagged issues", "issues", issues)

	// One more post-process pass sometimes resolves shape issues.
	if p.cfg.PostprocessEnabled {
		out, applied := p.postproc.Apply(PostprocessInput{
			Question:   question,
			SQL:        final.FinalSQL,
			ICDMatches: retrieved.ICDMatches,
			Profile:    ProfileRelaxed,
		})
		if len(applied) > 0 {
			after := GuardIntent(question, out)
			if AcceptRealignment(issues, after) {
				final.FinalSQL = out
				final.IntentAlignmentIssues = after
				final.IntentAlignmentRepair = "postprocess"
				issues = after
			}
		}
	}
	if len(issues) == 0 || !p.cfg.IntentRealignEnabled {
		return final
	}

	ageMismatch := containsIssue(issues, IssueAgeMappedToYearGroup)
	if expertRan && !ageMismatch {
		return final
	}
	revised, err := p.engineer.Revise(ctx, question, questionEn, final.FinalSQL, bundle, intent, RealignmentDirective(issues))
	if err != nil || revised == "" {
		log.Warn("expert realignment failed", "error", err)
		return final
	}
	after := GuardIntent(question, revised)
	if AcceptRealignment(issues, after) {
		final.FinalSQL = revised
		final.IntentAlignmentIssues = after
		final.IntentAlignmentRepair = "expert_realign"
	}
	return final
}

func containsIssue(issues []string, code string) bool {
	for _, c := range issues {
		if c == code {
			return true
		}
	}
	return false
}
