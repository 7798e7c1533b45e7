// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

// MetadataCache owns the local JSONL corpora: one file per document type
// ("schema.jsonl", "column_value.jsonl", ...) under a metadata directory.
//
// Reloads are lazy and mtime-stamped: Get re-reads a file only when its
// mtime moved. An optional fsnotify watcher marks files dirty on write so
// a sync is picked up without waiting for the next mtime comparison.
// A single mutex guards the per-type cache map.
type MetadataCache struct {
	dir string

	mu      sync.Mutex
	entries map[datatypes.DocType]*cacheEntry
	watcher *fsnotify.Watcher
}

type cacheEntry struct {
	docs    []datatypes.Document
	modTime time.Time
	dirty   bool
}

// NewMetadataCache creates a cache over dir. The fsnotify watcher is best
// effort; when it cannot be created the cache still works off mtime alone.
func NewMetadataCache(dir string) *MetadataCache {
	c := &MetadataCache{
		dir:     dir,
		entries: make(map[datatypes.DocType]*cacheEntry),
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify unavailable, metadata cache falls back to mtime polling", "error", err)
		return c
	}
	if err := watcher.Add(dir); err != nil {
		slog.Warn("Cannot watch metadata dir, falling back to mtime polling", "dir", dir, "error", err)
		_ = watcher.Close()
		return c
	}
	c.watcher = watcher
	go c.watch()
	return c
}

func (c *MetadataCache) watch() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			for _, dt := range datatypes.AllDocTypes {
				if name == fileNameFor(dt) {
					c.mu.Lock()
					if entry, ok := c.entries[dt]; ok {
						entry.dirty = true
					}
					c.mu.Unlock()
				}
			}
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (c *MetadataCache) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// Invalidate marks every cached corpus dirty. Called by the metadata sync
// admin endpoint after files are rewritten.
func (c *MetadataCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		entry.dirty = true
	}
}

// Get returns the documents of one corpus, reloading from disk when the
// file changed. A missing file yields an empty corpus, not an error.
func (c *MetadataCache) Get(docType datatypes.DocType) ([]datatypes.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.dir, fileNameFor(docType))
	info, statErr := os.Stat(path)

	entry, cached := c.entries[docType]
	if cached && !entry.dirty && statErr == nil && info.ModTime().Equal(entry.modTime) {
		return entry.docs, nil
	}
	if statErr != nil {
		if os.IsNotExist(statErr) {
			c.entries[docType] = &cacheEntry{}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, statErr)
	}

	docs, err := loadJSONL(path, docType)
	if err != nil {
		return nil, err
	}
	c.entries[docType] = &cacheEntry{docs: docs, modTime: info.ModTime()}
	slog.Debug("Reloaded metadata corpus", "doc_type", docType, "count", len(docs))
	return docs, nil
}

func fileNameFor(docType datatypes.DocType) string {
	return string(docType) + ".jsonl"
}

// loadJSONL reads one document per line. Malformed lines are skipped with
// a warning so one bad export does not take the corpus down.
func loadJSONL(path string, docType datatypes.DocType) ([]datatypes.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var docs []datatypes.Document
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var doc datatypes.Document
		if err := json.Unmarshal(line, &doc); err != nil {
			slog.Warn("Skipping malformed metadata line", "file", path, "line", lineNo, "error", err)
			continue
		}
		if doc.Meta.Type == "" {
			doc.Meta.Type = docType
		}
		if doc.ID == "" {
			doc.ID = datatypes.ContentHash(doc.Meta.Type, doc.Text)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", path, err)
	}
	return docs, nil
}

// LocalStore adapts a MetadataCache to the DocumentStore contract so
// retrieval keeps working (BM25 plus in-memory cosine when vectors were
// exported) while the vector store is unreachable.
type LocalStore struct {
	cache *MetadataCache
}

// NewLocalStore wraps a MetadataCache.
func NewLocalStore(cache *MetadataCache) *LocalStore {
	return &LocalStore{cache: cache}
}

// ListDocuments implements DocumentStore.
func (s *LocalStore) ListDocuments(_ context.Context, filter Filter, limit int) ([]datatypes.Document, error) {
	docs, err := s.cache.Get(filter.Type)
	if err != nil {
		return nil, err
	}
	if filter.Table != "" {
		filtered := docs[:0:0]
		for _, d := range docs {
			if d.Meta.Table == filter.Table {
				filtered = append(filtered, d)
			}
		}
		docs = filtered
	}
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// VectorSearch implements DocumentStore with brute-force cosine over
// locally exported vectors. Documents without vectors are skipped.
func (s *LocalStore) VectorSearch(ctx context.Context, vector []float32, k int, filter Filter) ([]datatypes.ScoredDoc, error) {
	docs, err := s.ListDocuments(ctx, filter, 0)
	if err != nil {
		return nil, err
	}
	scored := make([]datatypes.ScoredDoc, 0, len(docs))
	for _, doc := range docs {
		if len(doc.Vector) != len(vector) || len(vector) == 0 {
			continue
		}
		scored = append(scored, datatypes.ScoredDoc{Doc: doc, Score: cosine(vector, doc.Vector)})
	}
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
