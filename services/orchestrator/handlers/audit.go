// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// HandleAuditLogs returns the most recent audit events, newest first.
//
// GET /audit/logs?limit=100
func (h *Handlers) HandleAuditLogs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	events := h.Audit.Tail(limit)
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// HandleAuditDelete removes one audit event by id.
//
// DELETE /audit/logs/:id
func (h *Handlers) HandleAuditDelete(c *gin.Context) {
	id := c.Param("id")
	if !h.Audit.Remove(id) {
		c.JSON(http.StatusNotFound, datatypes.APIError{Error: "event not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
