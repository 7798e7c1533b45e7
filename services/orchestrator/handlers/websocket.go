// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sso312/querylens/services/nlsql"
	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The orchestrator sits behind the gateway; origin policy lives there.
	CheckOrigin: func(*http.Request) bool { return true },
}

// stageEvent is one progress frame on the websocket stream.
type stageEvent struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail,omitempty"`
	Ts     int64  `json:"ts"`
}

// wsResult is the terminal frame carrying the full pipeline outcome.
type wsResult struct {
	Stage  string                        `json:"stage"` // complete | error
	QID    string                        `json:"qid,omitempty"`
	Result *datatypes.OrchestratorResult `json:"result,omitempty"`
	Error  string                        `json:"error,omitempty"`
}

// HandleQueryWS streams pipeline stage events over a websocket.
//
// GET /query/ws
//
// The client sends one OneshotRequest as the first text message, receives a
// stageEvent frame per transition, and a terminal wsResult frame. The
// server closes the connection after the terminal frame.
func (h *Handlers) HandleQueryWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var req datatypes.OneshotRequest
	if err := conn.ReadJSON(&req); err != nil {
		conn.WriteJSON(wsResult{Stage: "error", Error: "invalid request: " + err.Error()})
		return
	}
	if req.Question == "" {
		conn.WriteJSON(wsResult{Stage: "error", Error: "question is required"})
		return
	}

	notify := h.stageRecorder(func(stage, detail string) {
		conn.WriteJSON(stageEvent{Stage: stage, Detail: detail, Ts: time.Now().UnixMilli()})
	})

	scope := h.effectiveScope(req.UserName)
	res, err := h.Pipeline.Run(c.Request.Context(), nlsql.RunInput{
		Question:       req.Question,
		History:        req.History,
		Scope:          scope,
		AllTablesScope: len(scope) == 0,
	}, notify)
	if err != nil {
		h.Metrics.RecordRequest("ws", "error")
		conn.WriteJSON(wsResult{Stage: "error", Error: err.Error()})
		return
	}

	out := wsResult{Stage: "complete", Result: res}
	if res.Mode != datatypes.ModeClarify && res.Final.FinalSQL != "" {
		out.QID = h.qids.Put(storedQuery{
			SQL:       res.Final.FinalSQL,
			Question:  res.Question,
			User:      req.UserName,
			CreatedAt: time.Now(),
		})
	}
	h.Metrics.RecordRequest("ws", "success")
	conn.WriteJSON(out)
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
