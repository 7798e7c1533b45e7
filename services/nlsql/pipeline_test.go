// Copyright (C) 2025 QueryLens
// Tests for the end-to-end Core A pipeline run with a scripted model.

package nlsql

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/services/llm"
	"github.com/sso312/querylens/services/orchestrator/datatypes"
	"github.com/sso312/querylens/services/policy_engine"
	"github.com/sso312/querylens/services/retrieval"
)

// scriptedLLM answers Chat calls from a fixed queue of completions. An
// exhausted queue turns into an error so a test never silently consumes
// more model calls than it scripted.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (s *scriptedLLM) Chat(_ context.Context, _ []llm.Message, _ llm.ChatOptions) (*llm.ChatResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.responses) == 0 {
		return nil, errors.New("no scripted completion left")
	}
	out := s.responses[0]
	s.responses = s.responses[1:]
	return &llm.ChatResult{Content: out, Usage: llm.Usage{TotalTokens: 10}}, nil
}

func (s *scriptedLLM) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding not scripted")
}

func (s *scriptedLLM) chatCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// newTestPipeline wires a full pipeline over an empty metadata directory.
// Only the engineer talks to the scripted model; the rule-based stages run
// without one, as they do when the provider is down.
func newTestPipeline(t *testing.T, client llm.Client, cfg PipelineConfig) *Pipeline {
	t.Helper()
	log := logging.Default()
	cache := retrieval.NewMetadataCache(t.TempDir())
	t.Cleanup(func() { cache.Close() })
	local := retrieval.NewLocalStore(cache)
	return NewPipeline(
		NewClarifier(nil, log, "", 0, false),
		NewTranslator(nil, log, "", false),
		NewPlanner(nil, log, PlannerConfig{Mode: PlannerModeOff}),
		NewEngineer(client, log, EngineerConfig{ExpertMode: ExpertModeOff}),
		retrieval.NewRetriever(nil, local, nil, nil, retrieval.Config{}),
		retrieval.NewBudgeter(0),
		NewPostprocessor(defaultRules(), log),
		policy_engine.NewPolicyEngine(policy_engine.Config{MaxJoins: 5, RequireWhere: true}),
		log,
		cfg,
	)
}

func TestPipelineRun_ClarifyShortCircuits(t *testing.T) {
	script := &scriptedLLM{}
	p := newTestPipeline(t, script, PipelineConfig{PostprocessEnabled: true, IntentGuardEnabled: true})

	var stages []string
	res, err := p.Run(context.Background(), RunInput{Question: "고혈압 환자 수 알려줘"}, func(stage, _ string) {
		stages = append(stages, stage)
	})
	require.NoError(t, err)

	assert.Equal(t, datatypes.ModeClarify, res.Mode)
	require.NotNil(t, res.Clarify)
	assert.True(t, res.Clarify.NeedClarification)
	assert.NotEmpty(t, res.Clarify.Options)
	assert.Equal(t, []string{"clarify"}, stages, "no stage may run past the clarifier")
	assert.Empty(t, res.Final.FinalSQL)
	assert.Zero(t, script.chatCalls())
}

func TestPipelineRun_HappyPathStageOrder(t *testing.T) {
	script := &scriptedLLM{responses: []string{
		`{"finalSql": "SELECT COUNT(*) FROM ADMISSIONS", "usedTables": ["ADMISSIONS"]}`,
	}}
	p := newTestPipeline(t, script, PipelineConfig{
		PostprocessEnabled:   true,
		IntentGuardEnabled:   true,
		IntentRealignEnabled: true,
	})

	var stages []string
	res, err := p.Run(context.Background(), RunInput{Question: "전체 입원 건수는?"}, func(stage, _ string) {
		stages = append(stages, stage)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"clarify", "translate", "retrieve", "plan",
		"generate", "postprocess", "intent_guard", "policy",
	}, stages)
	assert.Equal(t, datatypes.ModeAdvanced, res.Mode)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, "SELECT COUNT(*) FROM ADMISSIONS", res.Draft)
	assert.Equal(t, "SELECT COUNT(*) FROM ADMISSIONS", res.Final.FinalSQL)
	assert.Empty(t, res.Final.IntentAlignmentIssues)
	assert.Contains(t, res.Final.Postprocess, "profile:"+ProfileRelaxed)
	require.NotNil(t, res.Policy)
	assert.True(t, res.Policy.Allowed)
	assert.Equal(t, 1, script.chatCalls())
}

func TestPipelineRun_RealignmentRejectedWhenIssuesPersist(t *testing.T) {
	// The draft misses the ratio expression the question asks for, and the
	// expert revision still does; the issue set does not shrink, so the
	// realigned SQL must be discarded.
	script := &scriptedLLM{responses: []string{
		`{"finalSql": "SELECT COUNT(*) FROM ADMISSIONS"}`,
		`{"finalSql": "SELECT COUNT(DISTINCT HADM_ID) FROM ADMISSIONS"}`,
	}}
	p := newTestPipeline(t, script, PipelineConfig{
		IntentGuardEnabled:   true,
		IntentRealignEnabled: true,
	})

	res, err := p.Run(context.Background(), RunInput{Question: "사망률 알려줘"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "SELECT COUNT(*) FROM ADMISSIONS", res.Final.FinalSQL)
	assert.Contains(t, res.Final.IntentAlignmentIssues, IssueRatioMissing)
	assert.Empty(t, res.Final.IntentAlignmentRepair)
	assert.Equal(t, 2, script.chatCalls(), "one draft plus one expert realignment")
}

func TestPipelineRun_GenerationFailurePropagates(t *testing.T) {
	script := &scriptedLLM{}
	p := newTestPipeline(t, script, PipelineConfig{})

	res, err := p.Run(context.Background(), RunInput{Question: "전체 입원 건수는?"}, nil)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "sql generation")
	assert.Equal(t, 2, script.chatCalls(), "the engineer retries once before giving up")
}
