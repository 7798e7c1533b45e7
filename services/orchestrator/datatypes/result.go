// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// QueryIntent classifies what the user asks the database to do.
type QueryIntent string

const (
	IntentRead  QueryIntent = "read"
	IntentRisky QueryIntent = "risky"
)

// RiskScore is the deterministic complexity/write-risk assessment of a
// question, computed before any LLM call.
type RiskScore struct {
	Intent     QueryIntent `json:"intent"`
	Complexity int         `json:"complexity"`
	Risk       int         `json:"risk"`
	Signals    []string    `json:"signals,omitempty"`
}

// PlannerIntent is the normalized description of the query produced by the
// planner stage (or synthesized deterministically when the planner gate
// does not fire).
type PlannerIntent struct {
	Cohort        string   `json:"cohort"`
	Metric        string   `json:"metric"`
	Time          string   `json:"time"`
	Grain         string   `json:"grain"`
	Comparison    string   `json:"comparison"`
	OutputShape   string   `json:"outputShape"`
	Filters       []string `json:"filters"`
	IntentSummary string   `json:"intentSummary"`
}

// PlannerDecision records whether and why the planner ran.
type PlannerDecision struct {
	Activated   bool     `json:"activated"`
	Mode        string   `json:"mode"`
	GateCount   int      `json:"gateCount"`
	GateReasons []string `json:"gateReasons,omitempty"`
	Synthesized bool     `json:"synthesized,omitempty"`
}

// ClarifyResult is the clarifier stage output.
type ClarifyResult struct {
	NeedClarification     bool     `json:"needClarification"`
	Reason                string   `json:"reason,omitempty"`
	ClarificationQuestion string   `json:"clarificationQuestion,omitempty"`
	Options               []string `json:"options,omitempty"`
	ExampleInputs         []string `json:"exampleInputs,omitempty"`
	RefinedQuestion       string   `json:"refinedQuestion,omitempty"`
}

// Assumption surfaces an auto-filled default (scope autofill, service
// remapping) so the caller can audit what the system assumed.
type Assumption struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// FinalSQL is the post-processed, intent-aligned SQL plus its provenance.
type FinalSQL struct {
	FinalSQL              string   `json:"finalSql"`
	Postprocess           []string `json:"postprocess"`
	IntentAlignmentIssues []string `json:"intentAlignmentIssues"`
	IntentAlignmentRepair string   `json:"intentAlignmentRepair,omitempty"`
}

// PolicyReport is the policy gate verdict attached to the result.
type PolicyReport struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
	Messages   []string `json:"messages,omitempty"`
	Deferred   bool     `json:"deferred,omitempty"`
}

// ResultMode distinguishes the orchestrator outcome shape.
type ResultMode string

const (
	ModeAdvanced ResultMode = "advanced"
	ModeDemo     ResultMode = "demo"
	ModeClarify  ResultMode = "clarify"
)

// OrchestratorResult is the full trace of one oneshot run. Ephemeral per
// request; RequestID ties log lines and stage events together.
type OrchestratorResult struct {
	RequestID       string          `json:"requestId"`
	Question        string          `json:"question"`
	QuestionEn      string          `json:"questionEn,omitempty"`
	Clarify         *ClarifyResult  `json:"clarify,omitempty"`
	Planner         *PlannerIntent  `json:"planner,omitempty"`
	PlannerDecision PlannerDecision `json:"plannerDecision"`
	Risk            RiskScore       `json:"risk"`
	Context         ContextBundle   `json:"context"`
	Draft           string          `json:"draft"`
	Final           FinalSQL        `json:"final"`
	Policy          *PolicyReport   `json:"policy,omitempty"`
	Mode            ResultMode      `json:"mode"`
	Assumptions     []Assumption    `json:"assumptions,omitempty"`
}
