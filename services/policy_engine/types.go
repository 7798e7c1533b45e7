// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy_engine

// Violation codes are canonical markers: they double as error signatures
// for the learned-fix store, so their spelling is stable.
const (
	ViolationEmptySQL        = "EMPTY_SQL"
	ViolationWriteKeyword    = "WRITE_KEYWORD"
	ViolationUnsupportedStmt = "UNSUPPORTED_STATEMENT"
	ViolationJoinLimit       = "JOIN_LIMIT_EXCEEDED"
	ViolationWhereRequired   = "WHERE_REQUIRED"
	ViolationTableNotAllowed = "TABLE_NOT_ALLOWED"
)

// Decision is the policy gate verdict for one SQL statement.
type Decision struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
	Messages   []string `json:"messages,omitempty"`

	// Deferred marks a scope violation involving only DUAL references,
	// flagged instead of blocked so the repair loop can still run.
	Deferred bool `json:"deferred,omitempty"`

	// Tables are the top-level FROM/JOIN references found in the SQL.
	Tables []string `json:"tables,omitempty"`

	// JoinCount is the number of JOIN keywords at the top level.
	JoinCount int `json:"joinCount"`
}

// HTTPStatus maps the decision to the HTTP convention: 400 for malformed
// or unsupported SQL, 403 for scope violations, 200 otherwise.
func (d Decision) HTTPStatus() int {
	if d.Allowed {
		return 200
	}
	for _, v := range d.Violations {
		if v == ViolationTableNotAllowed {
			return 403
		}
	}
	return 400
}

// Config tunes the policy gate.
type Config struct {
	// MaxJoins caps top-level join count. Zero means the default of 5.
	MaxJoins int

	// Scope is the effective table whitelist. Empty means all tables.
	Scope []string

	// RequireWhere demands a WHERE clause on non-exempt queries.
	RequireWhere bool
}
