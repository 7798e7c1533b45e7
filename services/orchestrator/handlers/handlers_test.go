// Copyright (C) 2025 QueryLens
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/services/audit"
	"github.com/sso312/querylens/services/chartrules"
	"github.com/sso312/querylens/services/retrieval"
	"github.com/sso312/querylens/services/settings"
)

func newTestHandlers(t *testing.T, opts Options) *Handlers {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	log := logging.Default()
	return New(Handlers{
		Settings:    settings.NewStore(filepath.Join(dir, "settings.json"), log),
		Audit:       audit.NewLog(filepath.Join(dir, "audit.ndjson"), "test", log),
		ChartIntent: chartrules.NewIntentExtractor(nil, log, ""),
		Charts:      chartrules.NewEngine(log),
		Dashboards:  NewDashboardStore(filepath.Join(dir, "dashboards.json")),
		Log:         log,
	}, opts)
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleHealth_ReportsComponents(t *testing.T) {
	h := newTestHandlers(t, Options{})
	router := gin.New()
	router.GET("/health", h.HandleHealth)

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status     string          `json:"status"`
		Components map[string]bool `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.False(t, body.Components["executor"])
	assert.False(t, body.Components["weaviate"])
	assert.False(t, body.Components["llm"])
}

func TestHandleRun_WithoutExecutor(t *testing.T) {
	h := newTestHandlers(t, Options{})
	router := gin.New()
	router.POST("/query/run", h.HandleRun)

	w := doJSON(t, router, http.MethodPost, "/query/run", map[string]any{"qid": "abc"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleVisualize_DeterministicInsight(t *testing.T) {
	h := newTestHandlers(t, Options{})
	router := gin.New()
	router.POST("/visualize", h.HandleVisualize)

	w := doJSON(t, router, http.MethodPost, "/visualize", map[string]any{
		"userQuery": "성별별 평균 나이",
		"columns":   []string{"GENDER", "AVG_AGE"},
		"rows":      [][]any{{"M", 64.2}, {"F", 67.8}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var body VisualizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.RowCount)
	assert.False(t, body.Truncated)
	assert.NotEmpty(t, body.Plans)
	assert.Contains(t, body.Insight, "2개 행")
}

func TestHandleVisualize_TruncatesAtRowCap(t *testing.T) {
	h := newTestHandlers(t, Options{VisMaxRows: 2})
	router := gin.New()
	router.POST("/visualize", h.HandleVisualize)

	w := doJSON(t, router, http.MethodPost, "/visualize", map[string]any{
		"userQuery": "patient count by ward",
		"columns":   []string{"WARD", "CNT"},
		"rows":      [][]any{{"A", 1}, {"B", 2}, {"C", 3}, {"D", 4}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var body VisualizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.RowCount)
	assert.True(t, body.Truncated)
}

func TestHandleVisualize_RejectsMissingColumns(t *testing.T) {
	h := newTestHandlers(t, Options{})
	router := gin.New()
	router.POST("/visualize", h.HandleVisualize)

	w := doJSON(t, router, http.MethodPost, "/visualize", map[string]any{
		"userQuery": "anything",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettingsEndpoints_RoundTrip(t *testing.T) {
	h := newTestHandlers(t, Options{})
	router := gin.New()
	router.GET("/admin/settings/:user", h.HandleGetSettings)
	router.POST("/admin/settings/:user", h.HandlePostSettings)

	w := doJSON(t, router, http.MethodGet, "/admin/settings/alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/admin/settings/alice", map[string]any{
		"connection": map[string]any{
			"host":        "db.internal",
			"port":        1521,
			"serviceName": "MIMIC",
			"username":    "reader",
			"password":    "secret",
		},
		"tableScope": []string{"patients", "admissions"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/admin/settings/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got settings.UserSettings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotNil(t, got.Connection)
	assert.Equal(t, "****", got.Connection.Password)
	assert.Equal(t, []string{"PATIENTS", "ADMISSIONS"}, got.TableScope)
}

func TestSettingsEndpoints_EmptyBody(t *testing.T) {
	h := newTestHandlers(t, Options{})
	router := gin.New()
	router.POST("/admin/settings/:user", h.HandlePostSettings)

	w := doJSON(t, router, http.MethodPost, "/admin/settings/alice", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettingsEndpoints_InvalidConnection(t *testing.T) {
	h := newTestHandlers(t, Options{})
	router := gin.New()
	router.POST("/admin/settings/:user", h.HandlePostSettings)

	w := doJSON(t, router, http.MethodPost, "/admin/settings/alice", map[string]any{
		"connection": map[string]any{"host": "db.internal", "port": 0},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditEndpoints(t *testing.T) {
	h := newTestHandlers(t, Options{})
	router := gin.New()
	router.GET("/audit/logs", h.HandleAuditLogs)
	router.DELETE("/audit/logs/:id", h.HandleAuditDelete)

	id := h.Audit.Append("query", "oneshot", "info", "alice", map[string]any{"qid": "q1"})
	h.Audit.Append("query", "run", "info", "alice", nil)

	w := doJSON(t, router, http.MethodGet, "/audit/logs?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Events []audit.Event `json:"events"`
		Count  int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "run", body.Events[0].Event)

	w = doJSON(t, router, http.MethodDelete, "/audit/logs/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/audit/logs/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardEndpoints(t *testing.T) {
	h := newTestHandlers(t, Options{})
	router := gin.New()
	router.GET("/dashboard", h.HandleListDashboards)
	router.GET("/dashboard/:name", h.HandleGetDashboard)
	router.POST("/dashboard", h.HandleSaveDashboard)

	w := doJSON(t, router, http.MethodGet, "/dashboard/icu-overview", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/dashboard", map[string]any{
		"name":    "ICU-Overview",
		"owner":   "alice",
		"payload": map[string]any{"charts": []string{"bar", "line"}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Lookup is case-insensitive.
	w = doJSON(t, router, http.MethodGet, "/dashboard/icu-overview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var d Dashboard
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, "ICU-Overview", d.Name)
	assert.Equal(t, "alice", d.Owner)

	w = doJSON(t, router, http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Dashboards []Dashboard `json:"dashboards"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Dashboards, 1)
}

func TestDashboardSave_RequiresName(t *testing.T) {
	h := newTestHandlers(t, Options{})
	router := gin.New()
	router.POST("/dashboard", h.HandleSaveDashboard)

	w := doJSON(t, router, http.MethodPost, "/dashboard", map[string]any{
		"payload": map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEffectiveScope_WideScopeCollapsesToAllTables(t *testing.T) {
	h := newTestHandlers(t, Options{})

	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "schema_catalog.json")
	catalog := map[string]any{
		"owner": "MIMIC",
		"tables": map[string]any{
			"PATIENTS": map[string]any{}, "ADMISSIONS": map[string]any{},
			"ICUSTAYS": map[string]any{}, "LABEVENTS": map[string]any{},
			"DIAGNOSES_ICD": map[string]any{},
		},
	}
	data, err := json.Marshal(catalog)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(catalogPath, data, 0o644))
	h.Catalogs = retrieval.NewCatalogLoader(catalogPath, filepath.Join(dir, "join_graph.json"))

	// 4 of 5 tables covers 80% of the catalog: effectively all tables.
	require.NoError(t, h.Settings.SetTableScope("alice",
		[]string{"PATIENTS", "ADMISSIONS", "ICUSTAYS", "LABEVENTS"}))
	assert.Nil(t, h.effectiveScope("alice"))

	// A genuinely narrow scope passes through.
	require.NoError(t, h.Settings.SetTableScope("bob", []string{"patients", "admissions"}))
	assert.Equal(t, []string{"ADMISSIONS", "PATIENTS"}, h.effectiveScope("bob"))

	// No scope stays all-tables.
	assert.Nil(t, h.effectiveScope("nobody"))
}

func TestEffectiveScope_CatalogUnavailableKeepsRawScope(t *testing.T) {
	h := newTestHandlers(t, Options{})
	h.Catalogs = retrieval.NewCatalogLoader(
		filepath.Join(t.TempDir(), "missing.json"), filepath.Join(t.TempDir(), "missing2.json"))

	require.NoError(t, h.Settings.SetTableScope("alice", []string{"PATIENTS"}))
	assert.Equal(t, []string{"PATIENTS"}, h.effectiveScope("alice"))
}

func TestQIDStore_DropsOldest(t *testing.T) {
	s := newQIDStore(2)
	first := s.Put(storedQuery{SQL: "SELECT 1 FROM DUAL"})
	second := s.Put(storedQuery{SQL: "SELECT 2 FROM DUAL"})
	third := s.Put(storedQuery{SQL: "SELECT 3 FROM DUAL"})

	_, ok := s.Get(first)
	assert.False(t, ok)
	_, ok = s.Get(second)
	assert.True(t, ok)
	q, ok := s.Get(third)
	require.True(t, ok)
	assert.Equal(t, "SELECT 3 FROM DUAL", q.SQL)
}
