// Copyright (C) 2025 QueryLens
// Tests for the NDJSON audit log.

package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sso312/querylens/pkg/logging"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	return NewLog(filepath.Join(t.TempDir(), "events.ndjson"), "querylens", logging.Default())
}

func TestAppendAndTail_NewestFirst(t *testing.T) {
	l := newTestLog(t)
	l.Append("query", "oneshot_completed", "info", "alice", map[string]any{"elapsedMs": 120})
	l.Append("query", "run_completed", "info", "alice", nil)
	l.Append("policy", "table_scope_violation", "warn", "bob", nil)

	events := l.Tail(10)
	require.Len(t, events, 3)
	assert.Equal(t, "table_scope_violation", events[0].Event)
	assert.Equal(t, "oneshot_completed", events[2].Event)
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Ts.IsZero())
		assert.Equal(t, "querylens", e.Service)
		assert.NotEmpty(t, e.Level)
	}
}

func TestTail_LimitBoundsResult(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 20; i++ {
		l.Append("query", "oneshot_completed", "info", "", nil)
	}
	assert.Len(t, l.Tail(5), 5)
}

func TestRemove_DropsOneEvent(t *testing.T) {
	l := newTestLog(t)
	id := l.Append("query", "oneshot_completed", "info", "", nil)
	l.Append("query", "run_completed", "info", "", nil)

	require.True(t, l.Remove(id))
	events := l.Tail(10)
	require.Len(t, events, 1)
	assert.Equal(t, "run_completed", events[0].Event)

	assert.False(t, l.Remove("missing-id"))
}
