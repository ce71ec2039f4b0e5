// Package vectorstore stores embedded fix records and answers nearest
// neighbour queries over them. Two backends are provided: chromem-go for a
// single embedded process and Qdrant for a shared deployment.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrCollectionNotFound    = errors.New("collection not found")
	ErrEmptyDocuments        = errors.New("no documents to add")
	ErrEmbeddingFailed       = errors.New("embedding failed")
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// Document is a record to embed and store. Metadata values are strings so
// that every backend can filter on them.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Result is one nearest-neighbour hit. Score is cosine similarity.
type Result struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]string
}

// Embedder turns text into vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is the vector store contract used by the similarity source and the
// learning sink. Upsert with an existing ID replaces the record; callers
// that must not mutate stored records check Exists first.
type Store interface {
	Upsert(ctx context.Context, collection string, docs []Document) error
	Exists(ctx context.Context, collection, id string) (bool, error)
	Query(ctx context.Context, collection, text string, k int) ([]Result, error)
	Close() error
}

var collectionNameRe = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName enforces lowercase alphanumerics and underscores.
func ValidateCollectionName(name string) error {
	if !collectionNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, name)
	}
	return nil
}
