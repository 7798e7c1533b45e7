// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// ConversationTurn is one prior turn supplied with a question. The clarifier
// scans up to the last 20 turns for slot answers and follow-up context.
type ConversationTurn struct {
	Role    string `json:"role" binding:"required,oneof=user assistant"`
	Content string `json:"content" binding:"required"`
}

// OneshotRequest is the body of POST /query/oneshot.
type OneshotRequest struct {
	Question string             `json:"question" binding:"required"`
	UserName string             `json:"userName"`
	UserRole string             `json:"userRole"`
	History  []ConversationTurn `json:"history" binding:"omitempty,max=20,dive"`
}

// OneshotResponse wraps the orchestrator result with the opaque qid used to
// run the generated SQL later.
type OneshotResponse struct {
	QID    string             `json:"qid"`
	Result OrchestratorResult `json:"result"`
}

// RunRequest is the body of POST /query/run. Either QID (a prior oneshot)
// or SQL must be provided.
type RunRequest struct {
	QID      string `json:"qid"`
	SQL      string `json:"sql"`
	UserAck  bool   `json:"userAck"`
	UserName string `json:"userName"`
	UserRole string `json:"userRole"`

	// AccuracyMode also fetches the uncapped COUNT(*) when rows hit the cap.
	AccuracyMode bool `json:"accuracyMode"`

	// TimeoutMs overrides the default execution timeout when positive.
	TimeoutMs int `json:"timeoutMs"`
}

// RunResponse is the execution outcome of POST /query/run.
type RunResponse struct {
	Columns    []string         `json:"columns"`
	Rows       [][]any          `json:"rows"`
	RowCount   int              `json:"rowCount"`
	RowCap     int              `json:"rowCap,omitempty"`
	TotalCount int64            `json:"totalCount,omitempty"`
	ElapsedMs  int64            `json:"elapsedMs"`
	QueryHash  string           `json:"queryHash"`
	FinalSQL   string           `json:"finalSql"`
	Repair     *RepairBreakdown `json:"repair,omitempty"`
	Policy     *PolicyReport    `json:"policy,omitempty"`
}

// RepairBreakdown records which recovery stage produced the executed SQL.
type RepairBreakdown struct {
	Attempted      bool   `json:"attempted"`
	Strategy       string `json:"strategy,omitempty"` // learned_fix | template | llm
	ErrorSignature string `json:"errorSignature,omitempty"`
	OriginalError  string `json:"originalError,omitempty"`
	RepairedSQL    string `json:"repairedSql,omitempty"`
}

// VisualizeRequest is the body of POST /visualize. Rows are capped by
// VIS_MAX_ROWS before chart planning.
type VisualizeRequest struct {
	UserQuery string          `json:"userQuery" binding:"required"`
	SQL       string          `json:"sql"`
	Columns   []string        `json:"columns" binding:"required,min=1"`
	Rows      [][]any         `json:"rows"`
	Hints     *VisualizeHints `json:"hints"`
}

// VisualizeHints carries optional caller-provided chart preferences.
type VisualizeHints struct {
	RecommendedChart string `json:"recommendedChart"`
	ICUContext       bool   `json:"icuContext"`
	AdmitContext     bool   `json:"admitContext"`
}

// APIError is the structured error body for 4xx/5xx responses.
type APIError struct {
	Error      string `json:"error"`
	ErrorClass string `json:"errorClass,omitempty"`
	QueryHash  string `json:"queryHash,omitempty"`
	ElapsedMs  int64  `json:"elapsedMs,omitempty"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
	Details    any    `json:"details,omitempty"`
}
