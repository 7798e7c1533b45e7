// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// Dashboard is one saved chart layout. Payload is opaque to the server;
// the frontend owns its shape.
type Dashboard struct {
	Name      string          `json:"name"`
	Owner     string          `json:"owner,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// DashboardStore persists named dashboards to a JSON file with atomic
// write-replace, the same durability model as the settings store.
type DashboardStore struct {
	mu    sync.RWMutex
	path  string
	items map[string]Dashboard
}

// NewDashboardStore loads the dashboard file; a missing file starts empty.
func NewDashboardStore(path string) *DashboardStore {
	s := &DashboardStore{path: path, items: map[string]Dashboard{}}
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var items map[string]Dashboard
	if json.Unmarshal(data, &items) == nil && items != nil {
		s.items = items
	}
	return s
}

// Save upserts a dashboard by name.
func (s *DashboardStore) Save(d Dashboard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.UpdatedAt = time.Now().UTC()
	s.items[strings.ToLower(d.Name)] = d
	return s.persistLocked()
}

// Get returns a dashboard by name.
func (s *DashboardStore) Get(name string) (Dashboard, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.items[strings.ToLower(name)]
	return d, ok
}

// List returns all dashboards, most recently updated first.
func (s *DashboardStore) List() []Dashboard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Dashboard, 0, len(s.items))
	for _, d := range s.items {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (s *DashboardStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// HandleListDashboards lists saved dashboards.
//
// GET /dashboard
func (h *Handlers) HandleListDashboards(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"dashboards": h.Dashboards.List()})
}

// HandleGetDashboard returns one dashboard by name.
//
// GET /dashboard/:name
func (h *Handlers) HandleGetDashboard(c *gin.Context) {
	d, ok := h.Dashboards.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, datatypes.APIError{Error: "dashboard not found"})
		return
	}
	c.JSON(http.StatusOK, d)
}

// HandleSaveDashboard creates or replaces a named dashboard.
//
// POST /dashboard
func (h *Handlers) HandleSaveDashboard(c *gin.Context) {
	var d Dashboard
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.APIError{Error: err.Error(), ErrorClass: "VALIDATION"})
		return
	}
	if strings.TrimSpace(d.Name) == "" {
		c.JSON(http.StatusBadRequest, datatypes.APIError{Error: "name is required", ErrorClass: "VALIDATION"})
		return
	}
	if err := h.Dashboards.Save(d); err != nil {
		c.JSON(http.StatusInternalServerError, datatypes.APIError{Error: err.Error()})
		return
	}
	h.Audit.Append("dashboard", "dashboard_saved", "info", d.Owner, map[string]any{"name": d.Name})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
