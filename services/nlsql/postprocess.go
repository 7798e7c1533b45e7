// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nlsql

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/services/retrieval"
)

// Postprocess profiles. The aggressive profile is reserved for the repair
// loop, where a smaller rewrite surface lowers the chance of compounding a
// broken statement.
const (
	ProfileConservative = "conservative"
	ProfileRelaxed      = "relaxed"
	ProfileAggressive   = "aggressive"
)

// PostprocessRules gates individual rewrite rules. Loaded from a JSON rules
// file; a missing file enables everything.
type PostprocessRules struct {
	DiagnosisRewrite bool `json:"diagnosisRewrite"`
	MortalityRatio   bool `json:"mortalityRatio"`
	TimeWindow       bool `json:"timeWindow"`
	ICUJoinAlignment bool `json:"icuJoinAlignment"`
	SchemaAliasHints bool `json:"schemaAliasHints"`
}

func defaultRules() PostprocessRules {
	return PostprocessRules{
		DiagnosisRewrite: true,
		MortalityRatio:   true,
		TimeWindow:       true,
		ICUJoinAlignment: true,
		SchemaAliasHints: false,
	}
}

// LoadPostprocessRules reads the rules file. Missing or malformed files
// fall back to defaults; post-processing must never block the pipeline.
func LoadPostprocessRules(path string, log *logging.Logger) PostprocessRules {
	rules := defaultRules()
	if path == "" {
		return rules
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rules
	}
	if err := json.Unmarshal(data, &rules); err != nil {
		log.Warn("postprocess rules file malformed, using defaults", "path", path, "error", err)
		return defaultRules()
	}
	return rules
}

// Postprocessor applies deterministic rewrites to generated SQL. Each rule
// is independent and failure-isolated: a rule that cannot apply leaves the
// SQL unchanged.
type Postprocessor struct {
	rules PostprocessRules
	log   *logging.Logger
}

func NewPostprocessor(rules PostprocessRules, log *logging.Logger) *Postprocessor {
	return &Postprocessor{rules: rules, log: log}
}

// PostprocessInput carries everything the rewrite rules may consult.
type PostprocessInput struct {
	Question   string
	SQL        string
	ICDMatches []retrieval.ICDMatch
	Profile    string
}

var (
	mortalityIntentRe = regexp.MustCompile(`(?i)사망률|mortality\s+rate|death\s+rate`)
	icuIntentRe       = regexp.MustCompile(`(?i)\bicu\b|중환자실`)
	afterDaysRe       = regexp.MustCompile(`(?i)(\d+)\s*일\s*(후|이후|이내)|after\s+(\d+)\s+days?|within\s+(\d+)\s+days?`)
	dischargeAfterRe  = regexp.MustCompile(`퇴원\s*후`)

	hospExpireRatioRe = regexp.MustCompile(`(?i)SUM\s*\(\s*HOSPITAL_EXPIRE_FLAG\s*\)\s*/\s*COUNT\s*\(\s*\*?\s*\)|AVG\s*\(\s*HOSPITAL_EXPIRE_FLAG\s*\)|COUNT\s*\(\s*CASE\s+WHEN\s+HOSPITAL_EXPIRE_FLAG\s*=\s*1\s+THEN\s+1\s+END\s*\)\s*/\s*COUNT\s*\(\s*\*?\s*\)`)

	icdCodeLikeRe = regexp.MustCompile(`(?i)ICD_CODE\s+LIKE`)
	whereRe       = regexp.MustCompile(`(?i)\bWHERE\b`)

	diagnosesTableRe = regexp.MustCompile(`(?i)\b(DIAGNOSES_ICD|PROCEDURES_ICD)\b(?:\s+(?:AS\s+)?([A-Za-z][A-Za-z0-9_]*))?`)

	icustaysJoinRe = regexp.MustCompile(`(?i)\bICUSTAYS\b`)
	admissionsRe   = regexp.MustCompile(`(?i)\bADMISSIONS\b(?:\s+(?:AS\s+)?([A-Za-z][A-Za-z0-9_]*))?`)

	aliasHintFixes = []struct{ wrong, right string }{
		{`(?i)\bADMISSION\b(\.)`, "ADMISSIONS$1"},
		{`(?i)\bPATIENT\b(\.)`, "PATIENTS$1"},
		{`(?i)\bICUSTAY\b(\.)`, "ICUSTAYS$1"},
	}
)

// canonical mortality ratio shape, distinct admissions in both legs.
const mortalityRatioExpr = "COUNT(DISTINCT CASE WHEN HOSPITAL_EXPIRE_FLAG = 1 THEN HADM_ID END) / NULLIF(COUNT(DISTINCT HADM_ID), 0)"

// RecommendProfile picks a postprocess profile from the question and SQL
// shape. Returns the profile and the reasons behind the pick.
func RecommendProfile(question, sql, fallback string) (string, []string) {
	if fallback == "" {
		fallback = ProfileRelaxed
	}
	var reasons []string
	profile := fallback

	if mortalityIntentRe.MatchString(question) {
		reasons = append(reasons, "mortality_ratio_intent")
		profile = ProfileRelaxed
	}
	// Long hand-tuned SQL with window functions: keep rewrites minimal.
	if regexp.MustCompile(`(?i)OVER\s*\(`).MatchString(sql) && len(sql) > 1500 {
		reasons = append(reasons, "window_function_heavy_sql")
		profile = ProfileConservative
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "default_profile")
	}
	return profile, reasons
}

// Apply runs the enabled rules in order and returns the rewritten SQL plus
// the names of rules that changed it.
func (p *Postprocessor) Apply(in PostprocessInput) (string, []string) {
	sql := in.SQL
	var applied []string

	run := func(name string, enabled bool, fn func(string) (string, bool)) {
		if !enabled {
			return
		}
		out, changed := fn(sql)
		if changed {
			sql = out
			applied = append(applied, name)
		}
	}

	aggressive := in.Profile == ProfileAggressive

	run("diagnosis_icd_rewrite", p.rules.DiagnosisRewrite && !aggressive, func(s string) (string, bool) {
		return p.rewriteICD(in.Question, s, in.ICDMatches)
	})
	run("mortality_ratio", p.rules.MortalityRatio, func(s string) (string, bool) {
		return p.rewriteMortalityRatio(in.Question, s)
	})
	run("time_window", p.rules.TimeWindow && !aggressive, func(s string) (string, bool) {
		return p.rewriteTimeWindow(in.Question, s)
	})
	run("icu_join_alignment", p.rules.ICUJoinAlignment && !aggressive, func(s string) (string, bool) {
		return p.alignICUJoin(in.Question, s)
	})
	run("schema_alias_hints", p.rules.SchemaAliasHints || aggressive, func(s string) (string, bool) {
		return p.fixAliases(s)
	})
	return sql, applied
}

// rewriteICD ensures diagnosis/procedure filters use ICD_CODE LIKE prefixes
// with the inferred ICD_VERSION when the question names a mapped term.
func (p *Postprocessor) rewriteICD(question, sql string, matches []retrieval.ICDMatch) (string, bool) {
	if len(matches) == 0 || icdCodeLikeRe.MatchString(sql) {
		return sql, false
	}
	m := diagnosesTableRe.FindStringSubmatch(sql)
	if m == nil {
		return sql, false
	}
	alias := m[2]
	if reservedAlias(alias) {
		alias = ""
	}
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}

	var conds []string
	version := 0
	for _, match := range matches {
		if !strings.Contains(strings.ToLower(question), strings.ToLower(match.Term)) {
			continue
		}
		for _, pfx := range match.Prefixes {
			conds = append(conds, fmt.Sprintf("%sICD_CODE LIKE '%s%%'", prefix, pfx))
		}
		if match.Version != 0 {
			version = match.Version
		}
	}
	if len(conds) == 0 {
		return sql, false
	}
	clause := "(" + strings.Join(conds, " OR ") + ")"
	if version != 0 {
		clause = fmt.Sprintf("%s AND %sICD_VERSION = %d", clause, prefix, version)
	}
	return injectWherePredicate(sql, clause), true
}

// rewriteMortalityRatio replaces naive expire-flag ratios with the distinct
// admission form that survives joins fanning out rows.
func (p *Postprocessor) rewriteMortalityRatio(question, sql string) (string, bool) {
	if !mortalityIntentRe.MatchString(question) {
		return sql, false
	}
	if !hospExpireRatioRe.MatchString(sql) {
		return sql, false
	}
	return hospExpireRatioRe.ReplaceAllString(sql, mortalityRatioExpr), true
}

// rewriteTimeWindow anchors "N일 후" style windows on DEATHTIME unless the
// question explicitly says 퇴원 후, in which case DISCHTIME is correct.
func (p *Postprocessor) rewriteTimeWindow(question, sql string) (string, bool) {
	if !afterDaysRe.MatchString(question) {
		return sql, false
	}
	if dischargeAfterRe.MatchString(question) {
		return sql, false
	}
	if !regexp.MustCompile(`(?i)사망|death|die`).MatchString(question) {
		return sql, false
	}
	re := regexp.MustCompile(`(?i)\bDISCHTIME\b(\s*[+\-]\s*(?:INTERVAL|\d))`)
	if !re.MatchString(sql) {
		return sql, false
	}
	return re.ReplaceAllString(sql, "DEATHTIME$1"), true
}

// alignICUJoin ensures ICU-contextual queries actually join ICUSTAYS on
// HADM_ID instead of measuring the whole admission.
func (p *Postprocessor) alignICUJoin(question, sql string) (string, bool) {
	if !icuIntentRe.MatchString(question) || icustaysJoinRe.MatchString(sql) {
		return sql, false
	}
	idx := admissionsRe.FindStringSubmatchIndex(sql)
	if idx == nil {
		return sql, false
	}
	alias := ""
	end := idx[1]
	if idx[2] >= 0 {
		alias = sql[idx[2]:idx[3]]
	}
	if alias == "" || reservedAlias(alias) {
		alias = "ADMISSIONS"
		// Insert right after the table name, not after a captured keyword.
		end = idx[0] + len("ADMISSIONS")
	}
	join := fmt.Sprintf(" JOIN ICUSTAYS icu ON icu.HADM_ID = %s.HADM_ID", alias)
	return sql[:end] + join + sql[end:], true
}

func reservedAlias(alias string) bool {
	switch strings.ToUpper(alias) {
	case "", "WHERE", "GROUP", "ORDER", "HAVING", "JOIN", "INNER", "LEFT",
		"RIGHT", "FULL", "CROSS", "ON", "UNION", "FETCH", "AND", "OR":
		return true
	}
	return false
}

func (p *Postprocessor) fixAliases(sql string) (string, bool) {
	out := sql
	for _, f := range aliasHintFixes {
		out = regexp.MustCompile(f.wrong).ReplaceAllString(out, f.right)
	}
	return out, out != sql
}

// injectWherePredicate ANDs a predicate into the outermost WHERE, or adds a
// WHERE before GROUP BY/ORDER BY/end when none exists.
func injectWherePredicate(sql, predicate string) string {
	if loc := whereRe.FindStringIndex(sql); loc != nil {
		return sql[:loc[1]] + " " + predicate + " AND" + sql[loc[1]:]
	}
	tail := regexp.MustCompile(`(?i)\b(GROUP\s+BY|ORDER\s+BY|HAVING|FETCH\s+FIRST)\b`)
	if loc := tail.FindStringIndex(sql); loc != nil {
		return sql[:loc[0]] + "WHERE " + predicate + " " + sql[loc[0]:]
	}
	return strings.TrimRight(sql, " \n\t") + " WHERE " + predicate
}
