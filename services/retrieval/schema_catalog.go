// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// SchemaColumn is one column of a catalog table.
type SchemaColumn struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// SchemaTable is one table in the Oracle schema catalog.
type SchemaTable struct {
	Owner       string         `json:"owner"`
	Columns     []SchemaColumn `json:"columns"`
	PrimaryKeys []string       `json:"primaryKeys"`
}

// SchemaCatalog mirrors the schema catalog JSON exported by metadata sync.
type SchemaCatalog struct {
	Owner          string                 `json:"owner"`
	RequestedOwner string                 `json:"requestedOwner"`
	Owners         []string               `json:"owners"`
	Tables         map[string]SchemaTable `json:"tables"`
}

// TableNames returns the catalog tables uppercased and sorted.
func (c *SchemaCatalog) TableNames() []string {
	names := make([]string, 0, len(c.Tables))
	for name := range c.Tables {
		names = append(names, strings.ToUpper(name))
	}
	sort.Strings(names)
	return names
}

// HasTable reports whether the catalog knows the table (case-insensitive).
func (c *SchemaCatalog) HasTable(name string) bool {
	_, ok := c.Tables[strings.ToUpper(name)]
	if ok {
		return true
	}
	for t := range c.Tables {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// OwnerOf returns the owning schema of a table, or the catalog owner.
func (c *SchemaCatalog) OwnerOf(table string) string {
	for name, t := range c.Tables {
		if strings.EqualFold(name, table) && t.Owner != "" {
			return t.Owner
		}
	}
	return c.Owner
}

// SchemaDocText renders one table as a schema context document.
func (c *SchemaCatalog) SchemaDocText(table string) string {
	t, ok := c.Tables[strings.ToUpper(table)]
	if !ok {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "TABLE %s", strings.ToUpper(table))
	if len(t.PrimaryKeys) > 0 {
		fmt.Fprintf(&sb, " (PK: %s)", strings.Join(t.PrimaryKeys, ", "))
	}
	sb.WriteString("\n")
	for _, col := range t.Columns {
		nullable := "NOT NULL"
		if col.Nullable {
			nullable = "NULL"
		}
		fmt.Fprintf(&sb, "  %s %s %s\n", col.Name, col.Type, nullable)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// JoinEdge is one foreign-key edge of the join graph.
type JoinEdge struct {
	FromSchema string `json:"fromSchema"`
	FromTable  string `json:"fromTable"`
	FromColumn string `json:"fromColumn"`
	ToSchema   string `json:"toSchema"`
	ToTable    string `json:"toTable"`
	ToColumn   string `json:"toColumn"`
	Type       string `json:"type"`
}

// JoinGraph mirrors the join graph JSON.
type JoinGraph struct {
	Edges []JoinEdge `json:"edges"`
}

// CatalogLoader loads the schema catalog and join graph with mtime-stamped
// lazy reload under a single mutex.
type CatalogLoader struct {
	catalogPath string
	joinPath    string

	mu           sync.Mutex
	catalog      *SchemaCatalog
	catalogMtime time.Time
	joins        *JoinGraph
	joinsMtime   time.Time
}

// NewCatalogLoader creates a loader for the two catalog files.
func NewCatalogLoader(catalogPath, joinPath string) *CatalogLoader {
	return &CatalogLoader{catalogPath: catalogPath, joinPath: joinPath}
}

// Catalog returns the current schema catalog. An absent file yields an
// empty catalog so scope checks and schema injection degrade gracefully.
func (l *CatalogLoader) Catalog() (*SchemaCatalog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.catalogPath)
	if err != nil {
		if os.IsNotExist(err) {
			if l.catalog == nil {
				l.catalog = &SchemaCatalog{Tables: map[string]SchemaTable{}}
			}
			return l.catalog, nil
		}
		return nil, fmt.Errorf("failed to stat schema catalog: %w", err)
	}
	if l.catalog != nil && info.ModTime().Equal(l.catalogMtime) {
		return l.catalog, nil
	}

	data, err := os.ReadFile(l.catalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema catalog: %w", err)
	}
	var catalog SchemaCatalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse schema catalog: %w", err)
	}
	if catalog.Tables == nil {
		catalog.Tables = map[string]SchemaTable{}
	}
	// Normalize table keys to uppercase once at load time.
	upper := make(map[string]SchemaTable, len(catalog.Tables))
	for name, t := range catalog.Tables {
		upper[strings.ToUpper(name)] = t
	}
	catalog.Tables = upper

	l.catalog = &catalog
	l.catalogMtime = info.ModTime()
	return l.catalog, nil
}

// Joins returns the current join graph (empty when the file is absent).
func (l *CatalogLoader) Joins() (*JoinGraph, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.joinPath)
	if err != nil {
		if os.IsNotExist(err) {
			if l.joins == nil {
				l.joins = &JoinGraph{}
			}
			return l.joins, nil
		}
		return nil, fmt.Errorf("failed to stat join graph: %w", err)
	}
	if l.joins != nil && info.ModTime().Equal(l.joinsMtime) {
		return l.joins, nil
	}

	data, err := os.ReadFile(l.joinPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read join graph: %w", err)
	}
	var graph JoinGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("failed to parse join graph: %w", err)
	}
	l.joins = &graph
	l.joinsMtime = info.ModTime()
	return l.joins, nil
}

// EffectiveScope resolves the table scope for a request: the per-user
// scope when it exists and is narrower than allTablesRatio of the catalog,
// otherwise nil (meaning "all tables").
func EffectiveScope(userScope []string, catalog *SchemaCatalog) []string {
	if len(userScope) == 0 || catalog == nil || len(catalog.Tables) == 0 {
		return nil
	}
	upper := make([]string, 0, len(userScope))
	for _, t := range userScope {
		upper = append(upper, strings.ToUpper(strings.TrimSpace(t)))
	}
	// A scope covering >= 80% of the catalog is effectively "all tables".
	if float64(len(upper)) >= 0.8*float64(len(catalog.Tables)) {
		return nil
	}
	sort.Strings(upper)
	return upper
}
