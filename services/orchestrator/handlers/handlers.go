// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the orchestrator HTTP endpoints.
package handlers

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/services/audit"
	"github.com/sso312/querylens/services/chartrules"
	"github.com/sso312/querylens/services/executor"
	"github.com/sso312/querylens/services/llm"
	"github.com/sso312/querylens/services/nlsql"
	"github.com/sso312/querylens/services/orchestrator/observability"
	"github.com/sso312/querylens/services/policy_engine"
	"github.com/sso312/querylens/services/retrieval"
	"github.com/sso312/querylens/services/settings"
)

// Options tunes handler behavior; the orchestrator fills it from config.
type Options struct {
	VisMaxRows        int
	RepairEnabled     bool
	RepairMaxAttempts int
	DBTimeoutMs       int
	InsightModel      string
}

func (o Options) withDefaults() Options {
	if o.VisMaxRows <= 0 {
		o.VisMaxRows = 10000
	}
	if o.RepairMaxAttempts <= 0 {
		o.RepairMaxAttempts = 1
	}
	return o
}

// Handlers carries every dependency the endpoints need. Fields may be nil
// where the feature is optional (weaviate, llm, executor in dry setups);
// the affected endpoints answer 503.
type Handlers struct {
	Pipeline    *nlsql.Pipeline
	Executor    *executor.OracleClient
	Repairer    *executor.Repairer
	Policy      *policy_engine.PolicyEngine
	Settings    *settings.Store
	Audit       *audit.Log
	Cache       *retrieval.MetadataCache
	Catalogs    *retrieval.CatalogLoader
	Weaviate    *retrieval.WeaviateStore
	ChartIntent *chartrules.IntentExtractor
	Charts      *chartrules.Engine
	LLM         llm.Client
	Dashboards  *DashboardStore
	Metrics     *observability.QueryMetrics
	Log         *logging.Logger

	opts Options
	qids *qidStore
}

// New finalizes a Handlers value assembled by the orchestrator.
func New(h Handlers, opts Options) *Handlers {
	h.opts = opts.withDefaults()
	h.qids = newQIDStore(512)
	if h.Log == nil {
		h.Log = logging.Default()
	}
	return &h
}

// storedQuery is one oneshot outcome parked for the run step.
type storedQuery struct {
	SQL       string
	Question  string
	User      string
	CreatedAt time.Time
}

// qidStore keeps recent oneshot results keyed by an opaque qid, bounded by
// dropping the oldest entry. Ephemeral by design; a restart forgets them.
type qidStore struct {
	mu      sync.Mutex
	max     int
	entries map[string]storedQuery
	order   []string
}

func newQIDStore(max int) *qidStore {
	return &qidStore{max: max, entries: map[string]storedQuery{}}
}

func (s *qidStore) Put(q storedQuery) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.entries[id] = q
	s.order = append(s.order, id)
	for len(s.order) > s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
	return id
}

func (s *qidStore) Get(id string) (storedQuery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.entries[id]
	return q, ok
}

// effectiveScope resolves the table scope for a user. A scope covering
// most of the catalog collapses to nil, which means all tables are
// allowed: no document filtering, and the wider schema context quota.
func (h *Handlers) effectiveScope(user string) []string {
	if h.Settings == nil {
		return nil
	}
	scope := h.Settings.TableScope(user)
	if h.Catalogs == nil {
		return scope
	}
	catalog, err := h.Catalogs.Catalog()
	if err != nil {
		// Without a catalog the raw scope stands; narrower is safe.
		return scope
	}
	return retrieval.EffectiveScope(scope, catalog)
}

// userDSN returns the per-user Oracle DSN when a connection profile exists.
func (h *Handlers) userDSN(user string) string {
	if h.Settings == nil {
		return ""
	}
	u, ok := h.Settings.Get(user)
	if !ok || u.Connection == nil {
		return ""
	}
	return u.Connection.DSN()
}
