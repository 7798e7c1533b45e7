// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
	"github.com/sso312/querylens/services/settings"
)

// HandlePoolStatus reports the executor's per-user connection pools.
//
// GET /admin/oracle/pool/status
func (h *Handlers) HandlePoolStatus(c *gin.Context) {
	if h.Executor == nil {
		c.JSON(http.StatusServiceUnavailable, datatypes.APIError{Error: "database executor not configured"})
		return
	}
	c.JSON(http.StatusOK, h.Executor.PoolStatus())
}

// settingsUpdate is the admin settings request body. Absent fields are left
// unchanged; an explicit empty tableScope clears the scope.
type settingsUpdate struct {
	Connection *settings.ConnectionProfile `json:"connection"`
	TableScope *[]string                   `json:"tableScope"`
}

// HandleGetSettings returns one user's settings with the password masked.
//
// GET /admin/settings/:user
func (h *Handlers) HandleGetSettings(c *gin.Context) {
	user := c.Param("user")
	u, ok := h.Settings.Get(user)
	if !ok {
		c.JSON(http.StatusNotFound, datatypes.APIError{Error: "no settings for user"})
		return
	}
	if u.Connection != nil {
		masked := *u.Connection
		if masked.Password != "" {
			masked.Password = "****"
		}
		u.Connection = &masked
	}
	c.JSON(http.StatusOK, u)
}

// HandlePostSettings updates one user's connection profile and/or scope.
//
// POST /admin/settings/:user
func (h *Handlers) HandlePostSettings(c *gin.Context) {
	user := c.Param("user")
	var req settingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.APIError{Error: err.Error(), ErrorClass: "VALIDATION"})
		return
	}
	if req.Connection == nil && req.TableScope == nil {
		c.JSON(http.StatusBadRequest, datatypes.APIError{Error: "nothing to update", ErrorClass: "VALIDATION"})
		return
	}

	if req.Connection != nil {
		if err := h.Settings.SetConnection(user, *req.Connection); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.APIError{Error: err.Error(), ErrorClass: "VALIDATION"})
			return
		}
	}
	if req.TableScope != nil {
		if err := h.Settings.SetTableScope(user, *req.TableScope); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.APIError{Error: err.Error(), ErrorClass: "VALIDATION"})
			return
		}
	}
	h.Audit.Append("admin", "settings_updated", "info", user, map[string]any{
		"connection": req.Connection != nil,
		"tableScope": req.TableScope != nil,
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleMetadataSync invalidates the metadata cache so the next retrieval
// reloads the JSONL corpora and schema catalog from disk.
//
// POST /admin/metadata/sync
func (h *Handlers) HandleMetadataSync(c *gin.Context) {
	h.Cache.Invalidate()

	counts := map[string]int{}
	for _, t := range datatypes.AllDocTypes {
		docs, err := h.Cache.Get(t)
		if err != nil {
			h.Log.Warn("metadata reload failed for corpus", "docType", t, "error", err)
			continue
		}
		counts[string(t)] = len(docs)
	}
	h.Audit.Append("admin", "metadata_synced", "info", "", map[string]any{"counts": counts})
	c.JSON(http.StatusOK, gin.H{"status": "ok", "documents": counts})
}

// HandleRAGReindex pushes every local corpus into the vector store.
//
// POST /admin/rag/reindex
func (h *Handlers) HandleRAGReindex(c *gin.Context) {
	if h.Weaviate == nil {
		c.JSON(http.StatusServiceUnavailable, datatypes.APIError{Error: "vector store not configured"})
		return
	}

	indexed := map[string]int{}
	for _, t := range datatypes.AllDocTypes {
		docs, err := h.Cache.Get(t)
		if err != nil {
			h.Log.Warn("reindex skipped corpus", "docType", t, "error", err)
			continue
		}
		n, err := h.Weaviate.Reindex(c.Request.Context(), t, docs)
		if err != nil {
			c.JSON(http.StatusBadGateway, datatypes.APIError{Error: err.Error(), ErrorClass: "VECTOR_STORE"})
			return
		}
		indexed[string(t)] = n
	}
	h.Audit.Append("admin", "rag_reindexed", "info", "", map[string]any{"indexed": indexed})
	c.JSON(http.StatusOK, gin.H{"status": "ok", "indexed": indexed})
}
