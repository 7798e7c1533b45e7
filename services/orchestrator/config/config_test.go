// Copyright (C) 2025 QueryLens
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 12210, cfg.Port)
	assert.Equal(t, 180, cfg.DBTimeoutSec)
	assert.Equal(t, 1000, cfg.RowCap)
	assert.Equal(t, "score", cfg.ExpertTriggerMode)
	assert.Equal(t, "complex_only", cfg.PlannerActivationMode)
	assert.Equal(t, "bm25_then_rerank", cfg.RAGRetrievalMode)
	assert.Equal(t, "relaxed", cfg.DefaultPostprocessProfile)
	assert.True(t, cfg.PolicyRequireWhere)
	assert.False(t, cfg.DefaultScopeAutofillEnabled)
	assert.Equal(t, 10000, cfg.VisMaxRows)
}

func TestLoad_FloorsAPITimeout(t *testing.T) {
	t.Setenv("API_REQUEST_TIMEOUT_SEC", "30")
	cfg := Load()
	assert.Equal(t, 190*time.Second, cfg.APIRequestTimeout)
}

func TestLoad_MalformedIntFallsBack(t *testing.T) {
	t.Setenv("ROW_CAP", "lots")
	cfg := Load()
	assert.Equal(t, 1000, cfg.RowCap)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"# comment\n"+
			"export QL_TEST_A=hello\n"+
			"QL_TEST_B=\"quoted value\"\n"+
			"QL_TEST_C=from_file\n"+
			"not a pair\n",
	), 0o644))

	t.Setenv("QL_TEST_C", "from_env")
	t.Setenv("QL_TEST_A", "")
	t.Setenv("QL_TEST_B", "")
	os.Unsetenv("QL_TEST_A")
	os.Unsetenv("QL_TEST_B")

	LoadDotEnv(path)
	assert.Equal(t, "hello", os.Getenv("QL_TEST_A"))
	assert.Equal(t, "quoted value", os.Getenv("QL_TEST_B"))
	assert.Equal(t, "from_env", os.Getenv("QL_TEST_C"))
}

func TestGetBool(t *testing.T) {
	t.Setenv("QL_BOOL", "yes")
	assert.True(t, getBool("QL_BOOL", false))
	t.Setenv("QL_BOOL", "off")
	assert.False(t, getBool("QL_BOOL", true))
	t.Setenv("QL_BOOL", "maybe")
	assert.True(t, getBool("QL_BOOL", true))
}
