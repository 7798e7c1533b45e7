// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package executor runs policy-approved SQL against Oracle and owns the
// post-error recovery chain: learned fixes, template repairs, and the LLM
// repair pass.
package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sso312/querylens/pkg/logging"
)

// LearnedFix is one remembered rewrite, keyed by the failed SQL's content
// hash plus the error signature.
type LearnedFix struct {
	FailedSQLHash  string    `json:"failedSqlHash"`
	ErrorSignature string    `json:"errorSignature"`
	FixedSQL       string    `json:"fixedSql"`
	SuccessCount   int       `json:"successCount"`
	HitCount       int       `json:"hitCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type learnedFixFile struct {
	Enabled  bool         `json:"enabled"`
	MaxRules int          `json:"maxRules"`
	Rules    []LearnedFix `json:"rules"`
}

// LearnedFixStore is a file-backed fix memory with atomic write-replace.
// Concurrent writers are last-writer-wins; entries are content-addressed so
// the damage of a lost update is bounded to one counter.
type LearnedFixStore struct {
	mu       sync.Mutex
	path     string
	enabled  bool
	maxRules int
	rules    []LearnedFix
	log      *logging.Logger
}

// NewLearnedFixStore loads the store from path. A missing file starts
// empty; maxRules bounds the LRU.
func NewLearnedFixStore(path string, maxRules int, log *logging.Logger) *LearnedFixStore {
	if maxRules <= 0 {
		maxRules = 200
	}
	s := &LearnedFixStore{path: path, enabled: true, maxRules: maxRules, log: log}
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var file learnedFixFile
	if err := json.Unmarshal(data, &file); err != nil {
		log.Warn("learned fix store malformed, starting empty", "path", path, "error", err)
		return s
	}
	s.enabled = file.Enabled
	if file.MaxRules > 0 {
		s.maxRules = file.MaxRules
	}
	s.rules = file.Rules
	return s
}

// SQLHash returns the content hash of a statement, whitespace-normalized
// and case-folded so formatting does not split the fix memory.
func SQLHash(sql string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(sql), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

var errorCodeRe = regexp.MustCompile(`(ORA-\d{5}|DPI-\d{4}|DPY-\d{4})`)

// canonicalMarkers are policy violation codes that double as signatures.
var canonicalMarkers = []string{
	"TABLE_NOT_ALLOWED", "JOIN_LIMIT_EXCEEDED", "WHERE_REQUIRED",
	"WRITE_KEYWORD", "UNSUPPORTED_STATEMENT",
}

// ExtractErrorSignature reduces an error message to a stable key: the
// first ORA/DPI/DPY code, else a canonical policy marker, else the first
// 80 lowercase characters.
func ExtractErrorSignature(errMsg string) string {
	if m := errorCodeRe.FindString(errMsg); m != "" {
		return m
	}
	for _, marker := range canonicalMarkers {
		if strings.Contains(errMsg, marker) {
			return marker
		}
	}
	lower := strings.ToLower(strings.TrimSpace(errMsg))
	if len(lower) > 80 {
		lower = lower[:80]
	}
	return lower
}

// Lookup finds a fix for the failed SQL and error, incrementing its hit
// count. Most recently updated wins; successCount breaks ties.
func (s *LearnedFixStore) Lookup(failedSQL, errMsg string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return "", false
	}
	hash := SQLHash(failedSQL)
	sig := ExtractErrorSignature(errMsg)

	best := -1
	for i := range s.rules {
		r := &s.rules[i]
		if r.FailedSQLHash != hash || r.ErrorSignature != sig {
			continue
		}
		if best < 0 || r.UpdatedAt.After(s.rules[best].UpdatedAt) ||
			(r.UpdatedAt.Equal(s.rules[best].UpdatedAt) && r.SuccessCount > s.rules[best].SuccessCount) {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	s.rules[best].HitCount++
	s.persistLocked()
	return s.rules[best].FixedSQL, true
}

// Upsert records a successful repair. Re-upserting the same triple leaves
// one record with successCount incremented.
func (s *LearnedFixStore) Upsert(failedSQL, errMsg, fixedSQL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	hash := SQLHash(failedSQL)
	sig := ExtractErrorSignature(errMsg)
	now := time.Now().UTC()

	for i := range s.rules {
		r := &s.rules[i]
		if r.FailedSQLHash == hash && r.ErrorSignature == sig && r.FixedSQL == fixedSQL {
			r.SuccessCount++
			r.UpdatedAt = now
			s.persistLocked()
			return
		}
	}
	s.rules = append(s.rules, LearnedFix{
		FailedSQLHash:  hash,
		ErrorSignature: sig,
		FixedSQL:       fixedSQL,
		SuccessCount:   1,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	s.evictLocked()
	s.persistLocked()
}

// Len reports the number of stored rules.
func (s *LearnedFixStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rules)
}

// Rules returns a copy of the stored rules, newest first.
func (s *LearnedFixStore) Rules() []LearnedFix {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LearnedFix, len(s.rules))
	copy(out, s.rules)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].SuccessCount > out[j].SuccessCount
	})
	return out
}

func (s *LearnedFixStore) evictLocked() {
	if len(s.rules) <= s.maxRules {
		return
	}
	sort.Slice(s.rules, func(i, j int) bool {
		if !s.rules[i].UpdatedAt.Equal(s.rules[j].UpdatedAt) {
			return s.rules[i].UpdatedAt.After(s.rules[j].UpdatedAt)
		}
		return s.rules[i].SuccessCount > s.rules[j].SuccessCount
	})
	s.rules = s.rules[:s.maxRules]
}

// persistLocked writes the store with write-replace so readers never see a
// torn file.
func (s *LearnedFixStore) persistLocked() {
	if s.path == "" {
		return
	}
	file := learnedFixFile{Enabled: s.enabled, MaxRules: s.maxRules, Rules: s.rules}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Warn("learned fix store mkdir failed", "error", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.Warn("learned fix store write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Warn("learned fix store replace failed", "error", err)
	}
}
