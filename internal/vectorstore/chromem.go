package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("incidentd.vectorstore.chromem")

// ChromemStore is an embedded store. With an empty path it is memory-only.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	logger   *zap.Logger
}

// NewChromemStore opens (or creates) a chromem database at path.
func NewChromemStore(path string, compress bool, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("chromem store requires an embedder")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		expanded, err := expandHome(path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(expanded, 0o700); err != nil {
			return nil, fmt.Errorf("creating vectorstore dir: %w", err)
		}
		if db, err = chromem.NewPersistentDB(expanded, compress); err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", expanded, err)
		}
	}
	return &ChromemStore{db: db, embedder: embedder, logger: logger}, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

func (s *ChromemStore) embedFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// Upsert embeds docs in one batch and stores them.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("documents", len(docs)))

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if len(docs) == 0 {
		return ErrEmptyDocuments
	}

	col, err := s.db.GetOrCreateCollection(collection, nil, s.embedFunc())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("opening collection %s: %w", collection, err)
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	cdocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		cdocs[i] = chromem.Document{ID: d.ID, Content: d.Content, Metadata: d.Metadata, Embedding: vectors[i]}
	}
	if err := col.AddDocuments(ctx, cdocs, 1); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents to %s: %w", collection, err)
	}

	s.logger.Debug("upserted documents", zap.String("collection", collection), zap.Int("count", len(docs)))
	return nil
}

// Query returns up to k nearest documents. A collection that was never
// written to yields no results rather than an error.
func (s *ChromemStore) Query(ctx context.Context, collection, text string, k int) ([]Result, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("k", k))

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	col := s.db.GetCollection(collection, s.embedFunc())
	if col == nil {
		return nil, nil
	}
	// chromem rejects k above the document count.
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	hits, err := col.Query(ctx, text, k, nil, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{ID: h.ID, Content: h.Content, Score: h.Similarity, Metadata: h.Metadata}
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// Exists reports whether a document with id is stored in collection.
func (s *ChromemStore) Exists(ctx context.Context, collection, id string) (bool, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return false, err
	}
	col := s.db.GetCollection(collection, s.embedFunc())
	if col == nil {
		return false, nil
	}
	// GetByID only fails for unknown ids.
	_, err := col.GetByID(ctx, id)
	return err == nil, nil
}

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error { return nil }
