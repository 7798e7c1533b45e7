// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sso312/querylens/services/executor"
	"github.com/sso312/querylens/services/nlsql"
	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// HandleOneshot runs the full text-to-SQL pipeline for one question.
//
// POST /query/oneshot
//
// The result always carries the generated SQL and the policy report; the
// caller decides whether to run it (POST /query/run with the returned qid).
// A clarify-mode result carries no qid.
func (h *Handlers) HandleOneshot(c *gin.Context) {
	var req datatypes.OneshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.APIError{Error: err.Error(), ErrorClass: "VALIDATION"})
		return
	}

	start := time.Now()
	scope := h.effectiveScope(req.UserName)
	in := nlsql.RunInput{
		Question:       req.Question,
		History:        req.History,
		Scope:          scope,
		AllTablesScope: len(scope) == 0,
	}

	res, err := h.Pipeline.Run(c.Request.Context(), in, h.stageRecorder(nil))
	if err != nil {
		h.Metrics.RecordRequest("oneshot", "error")
		h.Metrics.RecordPipeline("error", time.Since(start).Seconds())
		h.Audit.Append("query", "oneshot_failed", "error", req.UserName, map[string]any{"error": err.Error()})
		c.JSON(http.StatusInternalServerError, datatypes.APIError{Error: err.Error(), ErrorClass: "PIPELINE_ERROR"})
		return
	}

	resp := datatypes.OneshotResponse{Result: *res}
	status := "success"
	switch {
	case res.Mode == datatypes.ModeClarify:
		status = "clarify"
	case res.Policy != nil && !res.Policy.Allowed:
		status = "blocked"
		h.Metrics.RecordPolicyBlock(res.Policy.Violations)
	}
	if res.Mode != datatypes.ModeClarify && res.Final.FinalSQL != "" {
		resp.QID = h.qids.Put(storedQuery{
			SQL:       res.Final.FinalSQL,
			Question:  res.Question,
			User:      req.UserName,
			CreatedAt: time.Now(),
		})
	}

	h.Metrics.RecordRequest("oneshot", status)
	h.Metrics.RecordPipeline(status, time.Since(start).Seconds())
	h.Audit.Append("query", "oneshot_completed", "info", req.UserName, map[string]any{
		"requestId": res.RequestID,
		"status":    status,
		"elapsedMs": time.Since(start).Milliseconds(),
	})
	c.JSON(http.StatusOK, resp)
}

// HandleRun executes a previously generated (or caller-supplied) SQL.
//
// POST /query/run
//
// The SQL re-passes the policy gate before execution, regardless of its
// origin. On execution failure the repair chain proposes at most
// RepairMaxAttempts replacements; a repaired SQL must pass the policy gate
// again before it runs.
func (h *Handlers) HandleRun(c *gin.Context) {
	var req datatypes.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.APIError{Error: err.Error(), ErrorClass: "VALIDATION"})
		return
	}
	if h.Executor == nil {
		c.JSON(http.StatusServiceUnavailable, datatypes.APIError{Error: "database executor not configured"})
		return
	}

	sqlText := strings.TrimSpace(req.SQL)
	question := ""
	if req.QID != "" {
		stored, ok := h.qids.Get(req.QID)
		if !ok {
			c.JSON(http.StatusNotFound, datatypes.APIError{Error: "unknown or expired qid", ErrorClass: "QID_NOT_FOUND"})
			return
		}
		sqlText = stored.SQL
		question = stored.Question
	}
	if sqlText == "" {
		c.JSON(http.StatusBadRequest, datatypes.APIError{Error: "either qid or sql is required", ErrorClass: "VALIDATION"})
		return
	}

	decision := h.Policy.Evaluate(sqlText, question)
	report := &datatypes.PolicyReport{
		Allowed:    decision.Allowed,
		Violations: decision.Violations,
		Messages:   decision.Messages,
		Deferred:   decision.Deferred,
	}
	if !decision.Allowed {
		h.Metrics.RecordRequest("run", "blocked")
		h.Metrics.RecordPolicyBlock(decision.Violations)
		h.Audit.Append("policy", "query_blocked", "warn", req.UserName, map[string]any{
			"violations": decision.Violations,
		})
		c.JSON(decision.HTTPStatus(), gin.H{"error": "policy violation", "policy": report})
		return
	}

	opts := executor.ExecOptions{
		AccuracyMode: req.AccuracyMode,
		TimeoutMs:    req.TimeoutMs,
		Tag:          "run",
		UserKey:      req.UserName,
		DSN:          h.userDSN(req.UserName),
	}

	start := time.Now()
	rs, err := h.Executor.Execute(c.Request.Context(), sqlText, opts)
	var repair *datatypes.RepairBreakdown
	if err != nil {
		rs, repair, err = h.tryRepair(c.Request.Context(), question, sqlText, err, opts)
	}
	if err != nil {
		var execErr *executor.ExecError
		status := http.StatusBadRequest
		resp := datatypes.APIError{Error: err.Error(), ErrorClass: executor.ClassExecError}
		if errors.As(err, &execErr) {
			resp.ErrorClass = execErr.Class
			resp.QueryHash = execErr.QueryHash
			resp.ElapsedMs = execErr.ElapsedMs
			resp.TimeoutMs = execErr.TimeoutMs
			switch execErr.Class {
			case executor.ClassClientTimeout:
				status = http.StatusGatewayTimeout
			case executor.ClassDBError:
				status = http.StatusBadGateway
			}
		}
		resp.Details = repair
		h.Metrics.RecordRequest("run", "error")
		h.Metrics.RecordExec(strings.ToLower(resp.ErrorClass), time.Since(start).Seconds())
		h.Audit.Append("query", "run_failed", "error", req.UserName, map[string]any{
			"errorClass": resp.ErrorClass,
			"queryHash":  resp.QueryHash,
		})
		c.JSON(status, resp)
		return
	}

	finalSQL := sqlText
	if repair != nil && repair.RepairedSQL != "" {
		finalSQL = repair.RepairedSQL
	}
	h.Metrics.RecordRequest("run", "success")
	h.Metrics.RecordExec("success", time.Since(start).Seconds())
	h.Audit.Append("query", "run_completed", "info", req.UserName, map[string]any{
		"rowCount":  rs.RowCount,
		"elapsedMs": rs.ElapsedMs,
		"queryHash": rs.QueryHash,
		"repaired":  repair != nil,
	})
	c.JSON(http.StatusOK, datatypes.RunResponse{
		Columns:    rs.Columns,
		Rows:       rs.Rows,
		RowCount:   rs.RowCount,
		RowCap:     rs.RowCap,
		TotalCount: rs.TotalCount,
		ElapsedMs:  rs.ElapsedMs,
		QueryHash:  rs.QueryHash,
		FinalSQL:   finalSQL,
		Repair:     repair,
		Policy:     report,
	})
}

// tryRepair runs the bounded recovery chain after an execution error.
func (h *Handlers) tryRepair(
	ctx context.Context,
	question, failedSQL string,
	execErr error,
	opts executor.ExecOptions,
) (*executor.ResultSet, *datatypes.RepairBreakdown, error) {
	if !h.opts.RepairEnabled || h.Repairer == nil {
		return nil, nil, execErr
	}

	breakdown := &datatypes.RepairBreakdown{
		Attempted:      true,
		ErrorSignature: executor.ExtractErrorSignature(execErr.Error()),
		OriginalError:  execErr.Error(),
	}
	currentSQL := failedSQL
	currentErr := execErr

	for attempt := 0; attempt < h.opts.RepairMaxAttempts; attempt++ {
		proposed, strategy, ok := h.Repairer.Repair(ctx, executor.RepairInput{
			Question:     question,
			FailedSQL:    currentSQL,
			ErrorMessage: currentErr.Error(),
		})
		if !ok || strings.TrimSpace(proposed) == "" || proposed == currentSQL {
			break
		}

		// A repaired statement is untrusted until it re-passes the gate.
		if decision := h.Policy.Evaluate(proposed, question); !decision.Allowed {
			h.Log.Warn("repair proposal rejected by policy gate",
				"strategy", strategy, "violations", decision.Violations)
			h.Metrics.RecordRepair(strategy, false)
			break
		}

		rs, err := h.Executor.Execute(ctx, proposed, opts)
		if err == nil {
			h.Repairer.RecordSuccess(executor.RepairInput{
				Question:     question,
				FailedSQL:    currentSQL,
				ErrorMessage: currentErr.Error(),
			}, proposed)
			h.Metrics.RecordRepair(strategy, true)
			breakdown.Strategy = strategy
			breakdown.RepairedSQL = proposed
			return rs, breakdown, nil
		}
		h.Metrics.RecordRepair(strategy, false)
		currentSQL = proposed
		currentErr = err
	}
	return nil, breakdown, currentErr
}

// stageRecorder wraps a StageNotifier with per-stage latency metrics. The
// elapsed time between two stage events is attributed to the earlier stage.
func (h *Handlers) stageRecorder(inner nlsql.StageNotifier) nlsql.StageNotifier {
	var prevStage string
	prevTime := time.Now()
	return func(stage, detail string) {
		now := time.Now()
		if prevStage != "" {
			h.Metrics.RecordStage(prevStage, now.Sub(prevTime).Seconds())
		}
		prevStage, prevTime = stage, now
		if inner != nil {
			inner(stage, detail)
		}
	}
}
