// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package settings stores per-user connection profiles and table scopes.
// The backing store is a JSON file with atomic write-replace, mirroring
// the learned-fix store's durability model.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sso312/querylens/pkg/logging"
	"github.com/sso312/querylens/pkg/validation"
)

// ConnectionProfile is one user's Oracle target.
type ConnectionProfile struct {
	Host          string `json:"host" validate:"required,hostname|ip"`
	Port          int    `json:"port" validate:"required,min=1,max=65535"`
	ServiceName   string `json:"serviceName" validate:"required"`
	Username      string `json:"username" validate:"required"`
	Password      string `json:"password,omitempty"`
	DefaultSchema string `json:"defaultSchema,omitempty"`
}

// DSN renders the go-ora connection string.
func (p ConnectionProfile) DSN() string {
	return fmt.Sprintf("oracle://%s:%s@%s:%d/%s", p.Username, p.Password, p.Host, p.Port, p.ServiceName)
}

// UserSettings is everything stored per user.
type UserSettings struct {
	Connection *ConnectionProfile `json:"connection,omitempty"`
	TableScope []string           `json:"tableScope,omitempty"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

type settingsFile struct {
	Users map[string]UserSettings `json:"users"`
}

// Store is the file-backed settings registry.
type Store struct {
	mu       sync.RWMutex
	path     string
	users    map[string]UserSettings
	log      *logging.Logger
	validate *validator.Validate
}

// NewStore loads the settings file; a missing file starts empty.
func NewStore(path string, log *logging.Logger) *Store {
	s := &Store{
		path:     path,
		users:    map[string]UserSettings{},
		log:      log,
		validate: validator.New(),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var file settingsFile
	if err := json.Unmarshal(data, &file); err != nil {
		log.Warn("settings file malformed, starting empty", "path", path, "error", err)
		return s
	}
	if file.Users != nil {
		s.users = file.Users
	}
	return s
}

// Get returns a user's settings; ok is false for unknown users.
func (s *Store) Get(user string) (UserSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[normalizeUser(user)]
	return u, ok
}

// TableScope returns the user's scope, or nil when unset (all tables).
func (s *Store) TableScope(user string) []string {
	u, ok := s.Get(user)
	if !ok {
		return nil
	}
	return u.TableScope
}

// SetConnection validates and stores a user's connection profile.
func (s *Store) SetConnection(user string, profile ConnectionProfile) error {
	if err := s.validate.Struct(profile); err != nil {
		return fmt.Errorf("invalid connection profile: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalizeUser(user)
	u := s.users[key]
	u.Connection = &profile
	u.UpdatedAt = time.Now().UTC()
	s.users[key] = u
	return s.persistLocked()
}

// SetTableScope replaces a user's table whitelist. Table names are
// uppercased and must be valid unquoted Oracle identifiers; an empty list
// clears the scope.
func (s *Store) SetTableScope(user string, tables []string) error {
	scope := make([]string, 0, len(tables))
	for _, t := range tables {
		if strings.TrimSpace(t) == "" {
			continue
		}
		name, err := validation.SanitizeIdentifier(t)
		if err != nil {
			return fmt.Errorf("invalid table in scope: %w", err)
		}
		scope = append(scope, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalizeUser(user)
	u := s.users[key]
	if len(scope) == 0 {
		u.TableScope = nil
	} else {
		u.TableScope = scope
	}
	u.UpdatedAt = time.Now().UTC()
	s.users[key] = u
	return s.persistLocked()
}

// Delete removes a user's settings.
func (s *Store) Delete(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, normalizeUser(user))
	return s.persistLocked()
}

// Users lists known user keys.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.users))
	for k := range s.users {
		out = append(out, k)
	}
	return out
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(settingsFile{Users: s.users}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func normalizeUser(user string) string {
	user = strings.TrimSpace(strings.ToLower(user))
	if user == "" {
		return "__global__"
	}
	return user
}
