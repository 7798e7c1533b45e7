// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nlsql

import (
	"regexp"
	"strings"
)

// Intent-guard issue codes. Stable strings: they appear in API responses
// and drive the realignment directive.
const (
	IssueRatioMissing           = "ratio_intent_missing_ratio_expression"
	IssueQuartileMissing        = "quartile_intent_missing_ntile"
	IssueStratifyMissing        = "stratify_intent_missing_group_by"
	IssuePeriodGrainMissing     = "period_intent_missing_time_extraction"
	IssueWindowMissing          = "window_intent_missing_interval"
	IssueAgeMappedToYearGroup   = "age_intent_mapped_to_anchor_year_group"
	IssueAgeExtremaNoProjection = "age_group_extrema_missing_age_projection"
	IssueServiceMappedToICD     = "service_intent_mapped_to_diagnosis_or_procedure"
	IssueICUMortalityFlagOnly   = "icu_mortality_mapped_to_hospital_expire_flag_only"
	IssueFirstICUForced         = "first_icu_forced_without_intent"
)

var (
	ratioIntentRe    = regexp.MustCompile(`(?i)비율|사망률|생존율|\brate\b|\bratio\b|\bpercentage\b|\bmortality\b`)
	ratioExprRe      = regexp.MustCompile(`(?i)/|AVG\s*\(|%|RATIO|RATE|PCT`)
	quartileIntentRe = regexp.MustCompile(`(?i)사분위|quartile`)
	quartileExprRe   = regexp.MustCompile(`(?i)NTILE\s*\(|\bQ[1-4]\b`)
	stratifyIntentRe = regexp.MustCompile(`(?i)연도별|월별|성별로|그룹별|별로|\bby\s+(year|month|gender|age|group)\b|\byearly\b|\bmonthly\b`)
	stratifyExprRe   = regexp.MustCompile(`(?i)GROUP\s+BY|PARTITION\s+BY`)
	periodIntentRe   = regexp.MustCompile(`(?i)연도별|월별|\byearly\b|\bmonthly\b|per\s+(year|month)`)
	periodExprRe     = regexp.MustCompile(`(?i)EXTRACT\s*\(\s*(YEAR|MONTH)|TO_CHAR\s*\([^)]*'YYYY(-MM)?'`)
	windowIntentRe   = regexp.MustCompile(`(?i)최근\s*\d+|(\d+)\s*일\s*(이내|후)|within\s+\d+\s+days?|after\s+\d+\s+days?|last\s+\d+\s+(days?|months?)`)
	windowExprRe     = regexp.MustCompile(`(?i)INTERVAL|ADD_MONTHS\s*\(|BETWEEN\s+.+\s+AND\s+`)

	ageIntentRe  = regexp.MustCompile(`(?i)연령|나이|\bage\b`)
	yearIntentRe = regexp.MustCompile(`(?i)연도|\byear\b|anchor_year`)
	anchorYGRe   = regexp.MustCompile(`(?i)ANCHOR_YEAR_GROUP`)
	anchorAgeRe  = regexp.MustCompile(`(?i)ANCHOR_AGE\b|AGE_GROUP|CASE\s+WHEN\s+[^)]*AGE`)

	extremaIntentRe = regexp.MustCompile(`(?i)가장\s*(높|낮)|최고|최저|highest|lowest|\btop\b|\bbottom\b`)

	serviceIntentRe = regexp.MustCompile(`(?i)진료과|서비스|\bservice\b|외과|내과`)
	serviceTableRe  = regexp.MustCompile(`(?i)\bSERVICES\b|CURR_SERVICE`)
	icdTableRe      = regexp.MustCompile(`(?i)DIAGNOSES_ICD|PROCEDURES_ICD|ICD_CODE`)

	icuMortAlignRe = regexp.MustCompile(`(?i)DEATHTIME\s+BETWEEN\s+[^)]*INTIME[^)]*OUTTIME|DEATHTIME\s*>=\s*[^)]*INTIME`)
	hospFlagRe     = regexp.MustCompile(`(?i)HOSPITAL_EXPIRE_FLAG`)

	firstICUExprRe   = regexp.MustCompile(`(?i)ROW_NUMBER\s*\(\s*\)\s*OVER\s*\(\s*PARTITION\s+BY\s+[^)]*SUBJECT_ID[^)]*ORDER\s+BY\s+[^)]*INTIME`)
	firstICUIntentRe = regexp.MustCompile(`(?i)첫|처음|최초|first\s+icu`)
)

// GuardIntent runs pattern checks comparing the question's intent with the
// final SQL. Returns issue codes; empty means aligned.
func GuardIntent(question, sql string) []string {
	var issues []string
	selectClause := finalSelectClause(sql)

	if ratioIntentRe.MatchString(question) && !ratioExprRe.MatchString(selectClause) {
		issues = append(issues, IssueRatioMissing)
	}
	if quartileIntentRe.MatchString(question) && !quartileExprRe.MatchString(sql) {
		issues = append(issues, IssueQuartileMissing)
	}
	if stratifyIntentRe.MatchString(question) && !stratifyExprRe.MatchString(sql) {
		issues = append(issues, IssueStratifyMissing)
	}
	if periodIntentRe.MatchString(question) && !periodExprRe.MatchString(sql) {
		issues = append(issues, IssuePeriodGrainMissing)
	}
	if windowIntentRe.MatchString(question) && !windowExprRe.MatchString(sql) {
		issues = append(issues, IssueWindowMissing)
	}

	ageIntent := ageIntentRe.MatchString(question) && !yearIntentRe.MatchString(question)
	if ageIntent && anchorYGRe.MatchString(sql) && !anchorAgeRe.MatchString(sql) {
		issues = append(issues, IssueAgeMappedToYearGroup)
	}
	if ageIntent && extremaIntentRe.MatchString(question) && !anchorAgeRe.MatchString(selectClause) {
		issues = append(issues, IssueAgeExtremaNoProjection)
	}

	if serviceIntentRe.MatchString(question) && !serviceTableRe.MatchString(sql) && icdTableRe.MatchString(sql) {
		issues = append(issues, IssueServiceMappedToICD)
	}

	if icuIntentRe.MatchString(question) && mortalityIntentRe.MatchString(question) {
		if hospFlagRe.MatchString(sql) && !icuMortAlignRe.MatchString(sql) {
			issues = append(issues, IssueICUMortalityFlagOnly)
		}
	}

	if firstICUExprRe.MatchString(sql) && !firstICUIntentRe.MatchString(question) {
		issues = append(issues, IssueFirstICUForced)
	}
	return issues
}

// AcceptRealignment decides whether a realigned SQL replaces the original:
// the issue set must strictly shrink with no new issues.
func AcceptRealignment(before, after []string) bool {
	if len(after) >= len(before) {
		return false
	}
	prior := make(map[string]bool, len(before))
	for _, c := range before {
		prior[c] = true
	}
	for _, c := range after {
		if !prior[c] {
			return false
		}
	}
	return true
}

// RealignmentDirective renders issue codes into the expert revision focus.
func RealignmentDirective(issues []string) string {
	var lines []string
	for _, code := range issues {
		switch code {
		case IssueRatioMissing:
			lines = append(lines, "The question asks for a rate/ratio; the SELECT must compute a ratio expression.")
		case IssueAgeMappedToYearGroup:
			lines = append(lines, "The question is about patient age; use ANCHOR_AGE or age bands, never ANCHOR_YEAR_GROUP.")
		case IssueAgeExtremaNoProjection:
			lines = append(lines, "Project the age band expression (from ANCHOR_AGE) in the final SELECT.")
		case IssueICUMortalityFlagOnly:
			lines = append(lines, "ICU mortality must align DEATHTIME between INTIME and OUTTIME; HOSPITAL_EXPIRE_FLAG alone measures hospital mortality.")
		case IssueFirstICUForced:
			lines = append(lines, "Remove the first-ICU-stay restriction; the question does not ask for the first stay.")
		case IssueServiceMappedToICD:
			lines = append(lines, "The question is about the clinical service; use SERVICES.CURR_SERVICE, not diagnosis/procedure codes.")
		default:
			lines = append(lines, "Resolve: "+code)
		}
	}
	return strings.Join(lines, "\n")
}

// finalSelectClause returns the projection of the outermost (last) SELECT.
func finalSelectClause(sql string) string {
	upper := strings.ToUpper(sql)
	idx := strings.LastIndex(upper, "SELECT")
	if idx < 0 {
		return sql
	}
	rest := sql[idx+len("SELECT"):]
	if from := strings.Index(strings.ToUpper(rest), "FROM"); from >= 0 {
		return rest[:from]
	}
	return rest
}
