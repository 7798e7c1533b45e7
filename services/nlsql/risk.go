// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package nlsql turns a natural-language clinical question into executable
// Oracle SQL. The pipeline stages live here: clarifier, translator, risk
// classifier, planner gate, engineer/expert generation, deterministic
// post-processing, and the intent guard.
package nlsql

import (
	"regexp"
	"strings"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// ===== Risk classifier =====

var (
	riskJoinRe       = regexp.MustCompile(`(?i)\bjoin\b|조인|연결해`)
	riskDerivedRe    = regexp.MustCompile(`(?i)\brate\b|\bratio\b|\bmortality\b|\baverage\b|\bmean\b|사망률|비율|평균|생존율`)
	riskStratifyRe   = regexp.MustCompile(`(?i)\byearly\b|\bmonthly\b|\bquartile\b|\bby\s+\w+\b|연도별|월별|분기별|사분위|성별로|그룹별|별로`)
	riskWindowRe     = regexp.MustCompile(`(?i)최근\s*\d+\s*일|\d+\s*일\s*(이내|후)|after\s+\d+\s+days?|within\s+\d+\s+days?`)
	riskCohortRe     = regexp.MustCompile(`(?i)\bicd\b|\bicu\b|진단|약물|투약|중환자실|diagnos|medication|prescri`)
	riskConnectiveRe = regexp.MustCompile(`(?i)그리고|하면서|동시에|\band\s+also\b|\bboth\b|이면서`)
	riskBroadRe      = regexp.MustCompile(`(?i)전체|모든|\ball\b|\bentire\b`)
	riskWriteRe      = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|truncate|alter)\b|삭제|수정해|지워`)
)

// ClassifyRisk scores a question deterministically. Complexity counts
// structural signals; risk escalates on write verbs and signal stacking.
func ClassifyRisk(question string) datatypes.RiskScore {
	q := strings.TrimSpace(question)
	score := datatypes.RiskScore{Intent: datatypes.IntentRead}

	add := func(re *regexp.Regexp, signal string) bool {
		if re.MatchString(q) {
			score.Signals = append(score.Signals, signal)
			return true
		}
		return false
	}

	if add(riskJoinRe, "join") {
		score.Complexity++
	}
	derived := add(riskDerivedRe, "derived_metric")
	if derived {
		score.Complexity++
	}
	stratified := add(riskStratifyRe, "stratification")
	if stratified {
		score.Complexity++
	}
	if add(riskWindowRe, "temporal_window") {
		score.Complexity++
	}
	if add(riskCohortRe, "cohort_constraint") {
		score.Complexity++
	}
	if add(riskConnectiveRe, "multi_condition") {
		score.Complexity++
	}
	if add(riskBroadRe, "broad_scope") {
		score.Risk++
	}

	if add(riskWriteRe, "write_keyword") {
		score.Intent = datatypes.IntentRisky
		if score.Risk < 5 {
			score.Risk = 5
		}
	}
	if score.Complexity >= 3 {
		score.Risk += 2
	}
	// Derived metric plus stratification is the analytical combination that
	// most often needs the expert pass.
	if derived && stratified {
		score.Risk += 2
	}
	return score
}
