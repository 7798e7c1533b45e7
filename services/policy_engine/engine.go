// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package policy_engine enforces the execution policy on generated SQL:
// read-only statements, table-scope whitelisting, a join-count cap, and a
// WHERE requirement with aggregate exemptions. It runs after the intent
// guard and before the executor.
package policy_engine

import (
	"regexp"
	"strings"
)

// PolicyEngine evaluates SQL statements against the execution policy.
// Stateless apart from config; safe for concurrent use.
type PolicyEngine struct {
	cfg Config
}

// NewPolicyEngine creates an engine with the given config.
func NewPolicyEngine(cfg Config) *PolicyEngine {
	if cfg.MaxJoins <= 0 {
		cfg.MaxJoins = 5
	}
	return &PolicyEngine{cfg: cfg}
}

var writeKeywordRe = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|drop|alter|create|truncate|grant|revoke|lock|call|execute)\b`)

var (
	rownumCapRe  = regexp.MustCompile(`(?i)\bROWNUM\s*<=?\s*\d+`)
	fetchFirstRe = regexp.MustCompile(`(?i)\bFETCH\s+FIRST\s+\d+`)
	limitRe      = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)
	aggFuncRe    = regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MIN|MAX)\s*\(`)
	statusFlagRe = regexp.MustCompile(`(?i)\b[A-Z0-9_]*_FLAG\b`)
	groupByRe    = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)

	aggregateHintRe = regexp.MustCompile(`(?i)환자\s*수|건수|평균|비율|합계|분포|얼마나|몇\s*명|\bcount\b|\baverage\b|\brate\b|\bratio\b|how\s+many`)
	sampleHintRe    = regexp.MustCompile(`(?i)샘플|예시|목록|\bsample\b|\blist\b`)
)

// Evaluate checks one SQL statement. question, when non-empty, feeds the
// aggregate/sample WHERE exemptions.
func (e *PolicyEngine) Evaluate(sql, question string) Decision {
	d := Decision{Allowed: true}

	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return Decision{Violations: []string{ViolationEmptySQL}, Messages: []string{"SQL is empty"}}
	}

	stripped := StripNoise(trimmed)
	upper := strings.ToUpper(stripped)

	// Statement type: only SELECT and WITH (containing a SELECT) pass.
	first := firstWord(upper)
	switch first {
	case "SELECT":
	case "WITH":
		if !strings.Contains(upper, "SELECT") {
			d.fail(ViolationUnsupportedStmt, "WITH without SELECT is not supported")
		}
	default:
		d.fail(ViolationUnsupportedStmt, "only SELECT/WITH statements are supported")
	}

	// Read-only: write verbs outside literals and comments.
	if m := writeKeywordRe.FindString(stripped); m != "" {
		d.fail(ViolationWriteKeyword, "write keyword detected: "+strings.ToUpper(m))
	}

	ctes := CTENames(stripped)
	tables, joinCount := TableRefs(stripped)
	d.Tables = tables
	d.JoinCount = joinCount

	if joinCount > e.cfg.MaxJoins {
		d.fail(ViolationJoinLimit, "join count exceeds limit")
	}

	e.checkScope(&d, tables, ctes)
	e.checkWhere(&d, upper, question)
	return d
}

func (d *Decision) fail(code, msg string) {
	d.Allowed = false
	d.Violations = append(d.Violations, code)
	d.Messages = append(d.Messages, msg)
}

// checkScope verifies every table reference against the effective scope.
// CTE names and DUAL are always allowed; a statement referencing only DUAL
// under a non-empty scope is marked deferred so repair can still run.
func (e *PolicyEngine) checkScope(d *Decision, tables []string, ctes map[string]struct{}) {
	if len(e.cfg.Scope) == 0 {
		return
	}
	scope := make(map[string]struct{}, len(e.cfg.Scope))
	for _, t := range e.cfg.Scope {
		scope[strings.ToUpper(t)] = struct{}{}
	}

	var offending []string
	dualOnly := len(tables) > 0
	for _, t := range tables {
		if t == "DUAL" {
			continue
		}
		dualOnly = false
		if _, ok := ctes[t]; ok {
			continue
		}
		if _, ok := scope[t]; !ok {
			offending = append(offending, t)
		}
	}
	if dualOnly {
		// DUAL is never part of a user scope; statements touching only
		// DUAL are flagged rather than blocked so repair can still run.
		d.Deferred = true
		d.Messages = append(d.Messages, "scope violation deferred: DUAL-only reference")
		return
	}
	if len(offending) == 0 {
		return
	}
	d.fail(ViolationTableNotAllowed, "tables outside allowed scope: "+strings.Join(offending, ", "))
}

// checkWhere enforces the WHERE requirement unless the query shape is
// inherently bounded or the question asks for an aggregate or a sample.
func (e *PolicyEngine) checkWhere(d *Decision, upper, question string) {
	if !e.cfg.RequireWhere || strings.Contains(upper, "WHERE") {
		return
	}
	switch {
	case groupByRe.MatchString(upper), aggFuncRe.MatchString(selectList(upper)):
		d.Messages = append(d.Messages, "Aggregate question: WHERE optional")
	case rownumCapRe.MatchString(upper), fetchFirstRe.MatchString(upper), limitRe.MatchString(upper):
		d.Messages = append(d.Messages, "Row-capped question: WHERE optional")
	case statusFlagRe.MatchString(selectList(upper)):
		d.Messages = append(d.Messages, "Status-flag projection: WHERE optional")
	case aggregateHintRe.MatchString(question):
		d.Messages = append(d.Messages, "Aggregate question: WHERE optional")
	case sampleHintRe.MatchString(question):
		d.Messages = append(d.Messages, "Sample-listing question: WHERE optional")
	default:
		d.fail(ViolationWhereRequired, "WHERE clause required for unbounded query")
	}
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], "(")
}

// selectList returns the projection between the first SELECT and its FROM.
func selectList(upper string) string {
	start := strings.Index(upper, "SELECT")
	if start < 0 {
		return upper
	}
	rest := upper[start+len("SELECT"):]
	if end := strings.Index(rest, "FROM"); end >= 0 {
		return rest[:end]
	}
	return rest
}

// StripNoise removes comments and single-quoted literals so keyword scans
// cannot be fooled by 'DELETE' inside a string or a commented-out verb.
func StripNoise(sql string) string {
	var sb strings.Builder
	sb.Grow(len(sql))
	i := 0
	for i < len(sql) {
		switch {
		case sql[i] == '\'':
			// Skip the literal, honoring '' escapes.
			i++
			for i < len(sql) {
				if sql[i] == '\'' {
					if i+1 < len(sql) && sql[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			sb.WriteString("''")
		case sql[i] == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
		case sql[i] == '/' && i+1 < len(sql) && sql[i+1] == '*':
			i += 2
			for i+1 < len(sql) && !(sql[i] == '*' && sql[i+1] == '/') {
				i++
			}
			i += 2
			sb.WriteByte(' ')
		default:
			sb.WriteByte(sql[i])
			i++
		}
	}
	return sb.String()
}

var cteNameRe = regexp.MustCompile(`(?is)(?:\bwith\b|,)\s*([a-z0-9_]+)\s*(?:\([^)]*\))?\s+as\s*\(`)

// CTENames extracts common table expression names, uppercased.
func CTENames(sql string) map[string]struct{} {
	names := make(map[string]struct{})
	for _, m := range cteNameRe.FindAllStringSubmatch(sql, -1) {
		names[strings.ToUpper(m[1])] = struct{}{}
	}
	return names
}

var sqlKeywordSet = map[string]struct{}{
	"SELECT": {}, "WHERE": {}, "GROUP": {}, "ORDER": {}, "HAVING": {}, "ON": {},
	"JOIN": {}, "INNER": {}, "LEFT": {}, "RIGHT": {}, "FULL": {}, "CROSS": {},
	"OUTER": {}, "UNION": {}, "INTERSECT": {}, "MINUS": {}, "FETCH": {}, "OFFSET": {},
	"WITH": {}, "AS": {}, "AND": {}, "OR": {}, "NOT": {}, "BY": {}, "CONNECT": {}, "START": {},
}

var wordRe = regexp.MustCompile(`[A-Za-z0-9_$.]+|\(|\)|,`)

// TableRefs returns the table names referenced after FROM/JOIN (schema
// prefixes stripped, uppercased, deduplicated) and the JOIN keyword count.
func TableRefs(sql string) ([]string, int) {
	tokens := wordRe.FindAllString(sql, -1)
	seen := make(map[string]struct{})
	var tables []string
	joinCount := 0

	add := func(raw string) {
		name := strings.ToUpper(raw)
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			name = name[idx+1:]
		}
		if name == "" {
			return
		}
		if _, keyword := sqlKeywordSet[name]; keyword {
			return
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			tables = append(tables, name)
		}
	}

	for i := 0; i < len(tokens); i++ {
		upper := strings.ToUpper(tokens[i])
		switch upper {
		case "JOIN":
			joinCount++
			if i+1 < len(tokens) && tokens[i+1] != "(" {
				add(tokens[i+1])
			}
		case "FROM":
			// FROM list: refs separated by commas until a keyword or paren.
			j := i + 1
			expectRef := true
			for j < len(tokens) {
				tok := tokens[j]
				tokUpper := strings.ToUpper(tok)
				if tok == "(" || tok == ")" {
					break
				}
				if _, kw := sqlKeywordSet[tokUpper]; kw {
					break
				}
				if tok == "," {
					expectRef = true
					j++
					continue
				}
				if expectRef {
					add(tok)
					expectRef = false
				}
				// Otherwise it is an alias; skip it.
				j++
			}
		}
	}
	return tables, joinCount
}
