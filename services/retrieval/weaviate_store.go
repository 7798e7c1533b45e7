// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"

	"github.com/sso312/querylens/services/orchestrator/datatypes"
)

var storeTracer = otel.Tracer("querylens.retrieval.store")

// weaviateClass is the single class holding every metadata document; the
// docType property separates corpora.
const weaviateClass = "MetaDocument"

// WeaviateStore implements DocumentStore on a Weaviate instance.
//
// Documents live in one class with a filterable docType property; vectors
// are supplied at import time (vectorizer "none") so the embedding model
// stays under our control.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore wraps an existing client.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// EnsureSchema creates the MetaDocument class when missing. Safe to call
// at every startup.
func (s *WeaviateStore) EnsureSchema(ctx context.Context) error {
	_, err := s.client.Schema().ClassGetter().WithClassName(weaviateClass).Do(ctx)
	if err == nil {
		slog.Info("Weaviate schema already exists", "class", weaviateClass)
		return nil
	}
	slog.Info("Weaviate schema not found, creating it", "class", weaviateClass)

	indexFilterable := true
	class := &models.Class{
		Class:       weaviateClass,
		Description: "Typed retrieval documents: schemas, examples, templates, glossaries, dictionaries.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}},
			{Name: "docType", DataType: []string{"text"}, IndexFilterable: &indexFilterable},
			{Name: "docId", DataType: []string{"text"}, IndexFilterable: &indexFilterable},
			{Name: "tableName", DataType: []string{"text"}, IndexFilterable: &indexFilterable},
			{Name: "columnName", DataType: []string{"text"}},
			{Name: "term", DataType: []string{"text"}},
			{Name: "metaJson", DataType: []string{"text"}},
		},
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create schema for class %s: %w", weaviateClass, err)
	}
	return nil
}

// VectorSearch implements DocumentStore via GraphQL NearVector.
func (s *WeaviateStore) VectorSearch(ctx context.Context, vector []float32, k int, filter Filter) ([]datatypes.ScoredDoc, error) {
	ctx, span := storeTracer.Start(ctx, "WeaviateStore.VectorSearch")
	defer span.End()

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "docType"},
		{Name: "docId"},
		{Name: "metaJson"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	query := s.client.GraphQL().Get().
		WithClassName(weaviateClass).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(k)
	if where := whereFor(filter); where != nil {
		query = query.WithWhere(where)
	}

	resp, err := query.Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	return parseScoredDocs(resp)
}

// ListDocuments implements DocumentStore via a filtered Get without a
// vector argument.
func (s *WeaviateStore) ListDocuments(ctx context.Context, filter Filter, limit int) ([]datatypes.Document, error) {
	ctx, span := storeTracer.Start(ctx, "WeaviateStore.ListDocuments")
	defer span.End()

	if limit <= 0 {
		limit = 1000
	}
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "docType"},
		{Name: "docId"},
		{Name: "metaJson"},
	}
	query := s.client.GraphQL().Get().
		WithClassName(weaviateClass).
		WithFields(fields...).
		WithLimit(limit)
	if where := whereFor(filter); where != nil {
		query = query.WithWhere(where)
	}

	resp, err := query.Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("weaviate list failed: %w", err)
	}
	scored, err := parseScoredDocs(resp)
	if err != nil {
		return nil, err
	}
	docs := make([]datatypes.Document, 0, len(scored))
	for _, s := range scored {
		docs = append(docs, s.Doc)
	}
	return docs, nil
}

// Reindex replaces a corpus: deletes every object of the doc type, then
// batch-imports the provided documents with their vectors.
func (s *WeaviateStore) Reindex(ctx context.Context, docType datatypes.DocType, docs []datatypes.Document) (int, error) {
	ctx, span := storeTracer.Start(ctx, "WeaviateStore.Reindex")
	defer span.End()

	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(weaviateClass).
		WithWhere(whereFor(Filter{Type: docType})).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clear corpus %s: %w", docType, err)
	}

	objects := make([]*models.Object, 0, len(docs))
	for _, doc := range docs {
		metaJSON, _ := json.Marshal(doc.Meta)
		// Derive the Weaviate UUID from the content hash so re-imports
		// of identical documents are idempotent.
		docUUID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(doc.ID))
		objects = append(objects, &models.Object{
			Class:  weaviateClass,
			ID:     strfmt.UUID(docUUID.String()),
			Vector: doc.Vector,
			Properties: map[string]interface{}{
				"content":    doc.Text,
				"docType":    string(doc.Meta.Type),
				"docId":      doc.ID,
				"tableName":  doc.Meta.Table,
				"columnName": doc.Meta.Column,
				"term":       doc.Meta.Term,
				"metaJson":   string(metaJSON),
			},
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to batch import corpus %s: %w", docType, err)
	}
	created := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			created++
		} else if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				slog.Warn("Weaviate batch item failed", "doc_type", docType, "error", e.Message)
			}
		}
	}
	slog.Info("Reindexed corpus", "doc_type", docType, "imported", created, "requested", len(docs))
	return created, nil
}

func whereFor(filter Filter) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if filter.Type != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"docType"}).
			WithOperator(filters.Equal).
			WithValueString(string(filter.Type)))
	}
	if filter.Table != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"tableName"}).
			WithOperator(filters.Equal).
			WithValueString(filter.Table))
	}
	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}
}

// parseScoredDocs walks the GraphQL response via a JSON round-trip, the
// same approach the rest of the codebase uses for Weaviate payloads.
func parseScoredDocs(resp *models.GraphQLResponse) ([]datatypes.ScoredDoc, error) {
	if resp == nil || resp.Data == nil {
		return nil, nil
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate graphql error: %s", resp.Errors[0].Message)
	}

	raw, err := json.Marshal(resp.Data["Get"])
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal graphql data: %w", err)
	}
	var payload struct {
		MetaDocument []struct {
			Content    string `json:"content"`
			DocType    string `json:"docType"`
			DocID      string `json:"docId"`
			MetaJSON   string `json:"metaJson"`
			Additional struct {
				Certainty float64 `json:"certainty"`
			} `json:"_additional"`
		} `json:"MetaDocument"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse graphql data: %w", err)
	}

	out := make([]datatypes.ScoredDoc, 0, len(payload.MetaDocument))
	for _, obj := range payload.MetaDocument {
		var meta datatypes.DocMeta
		if obj.MetaJSON != "" {
			if err := json.Unmarshal([]byte(obj.MetaJSON), &meta); err != nil {
				slog.Warn("Skipping document with corrupt metadata", "doc_id", obj.DocID, "error", err)
				continue
			}
		}
		if meta.Type == "" {
			meta.Type = datatypes.DocType(obj.DocType)
		}
		out = append(out, datatypes.ScoredDoc{
			Doc: datatypes.Document{
				ID:   obj.DocID,
				Text: obj.Content,
				Meta: meta,
			},
			Score: obj.Additional.Certainty,
		})
	}
	return out, nil
}
