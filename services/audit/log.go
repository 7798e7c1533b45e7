// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package audit appends structured events to an NDJSON log and serves
// bounded reads for the audit endpoints.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sso312/querylens/pkg/logging"
)

// Event is one audit record. Ts, Type, Event, Service, and Level are
// required on every line.
type Event struct {
	ID      string         `json:"id"`
	Ts      time.Time      `json:"ts"`
	Type    string         `json:"type"`
	Event   string         `json:"event"`
	Service string         `json:"service"`
	Level   string         `json:"level"`
	User    string         `json:"user,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Log is an append-only NDJSON event log.
type Log struct {
	mu      sync.Mutex
	path    string
	service string
	log     *logging.Logger
}

func NewLog(path, service string, log *logging.Logger) *Log {
	return &Log{path: path, service: service, log: log}
}

// Append writes one event line. Failures are logged, never propagated;
// auditing must not break request handling.
func (l *Log) Append(eventType, event, level, user string, detail map[string]any) string {
	e := Event{
		ID:      uuid.NewString(),
		Ts:      time.Now().UTC(),
		Type:    eventType,
		Event:   event,
		Service: l.service,
		Level:   level,
		User:    user,
		Detail:  detail,
	}
	line, err := json.Marshal(e)
	if err != nil {
		l.log.Warn("audit event marshal failed", "error", err)
		return e.ID
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.log.Warn("audit log mkdir failed", "error", err)
		return e.ID
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.log.Warn("audit log open failed", "error", err)
		return e.ID
	}
	defer f.Close()
	f.Write(append(line, '\n'))
	return e.ID
}

// Tail returns up to limit most-recent events, newest first. Malformed
// lines are skipped.
func (l *Log) Tail(limit int) []Event {
	if limit <= 0 {
		limit = 100
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	// Ring over the scan keeps memory bounded for large logs.
	ring := make([]Event, 0, limit)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if len(ring) == limit {
			ring = ring[1:]
		}
		ring = append(ring, e)
	}

	out := make([]Event, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[i])
	}
	return out
}

// Remove drops one event by id, rewriting the file in place with a
// write-replace.
func (l *Log) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return false
	}

	var kept [][]byte
	removed := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var e Event
		if err := json.Unmarshal(line, &e); err == nil && e.ID == id {
			removed = true
			continue
		}
		kept = append(kept, append([]byte(nil), line...))
	}
	f.Close()
	if !removed {
		return false
	}

	tmp := l.path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		l.log.Warn("audit log rewrite failed", "error", err)
		return false
	}
	w := bufio.NewWriter(out)
	for _, line := range kept {
		w.Write(line)
		w.WriteByte('\n')
	}
	w.Flush()
	out.Close()
	if err := os.Rename(tmp, l.path); err != nil {
		l.log.Warn("audit log replace failed", "error", err)
		return false
	}
	return true
}
