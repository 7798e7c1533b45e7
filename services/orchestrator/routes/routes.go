// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes registers the orchestrator HTTP surface.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sso312/querylens/services/orchestrator/handlers"
)

// Setup registers all endpoints on the router.
//
// Core:
//
//	POST /query/oneshot  - full text-to-SQL pipeline
//	POST /query/run      - execute generated SQL (re-gated, repairable)
//	GET  /query/ws       - pipeline with stage-event streaming
//	POST /visualize      - chart planning for a result set
//
// Operational:
//
//	GET  /health
//	GET  /metrics (when metricsEnabled)
//	GET  /admin/oracle/pool/status
//	GET|POST /admin/settings/:user
//	POST /admin/metadata/sync
//	POST /admin/rag/reindex
//	GET  /audit/logs, DELETE /audit/logs/:id
//	GET|POST /dashboard, GET /dashboard/:name
func Setup(router *gin.Engine, h *handlers.Handlers, metricsEnabled bool) {
	router.GET("/health", h.HandleHealth)
	if metricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	query := router.Group("/query")
	{
		query.POST("/oneshot", h.HandleOneshot)
		query.POST("/run", h.HandleRun)
		query.GET("/ws", h.HandleQueryWS)
	}

	router.POST("/visualize", h.HandleVisualize)

	admin := router.Group("/admin")
	{
		admin.GET("/oracle/pool/status", h.HandlePoolStatus)
		admin.GET("/settings/:user", h.HandleGetSettings)
		admin.POST("/settings/:user", h.HandlePostSettings)
		admin.POST("/metadata/sync", h.HandleMetadataSync)
		admin.POST("/rag/reindex", h.HandleRAGReindex)
	}

	auditGroup := router.Group("/audit")
	{
		auditGroup.GET("/logs", h.HandleAuditLogs)
		auditGroup.DELETE("/logs/:id", h.HandleAuditDelete)
	}

	dashboard := router.Group("/dashboard")
	{
		dashboard.GET("", h.HandleListDashboards)
		dashboard.GET("/:name", h.HandleGetDashboard)
		dashboard.POST("", h.HandleSaveDashboard)
	}
}
