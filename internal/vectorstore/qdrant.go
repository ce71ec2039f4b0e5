package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("incidentd.vectorstore.qdrant")

const contentKey = "content"

// QdrantConfig configures the Qdrant store.
type QdrantConfig struct {
	Host           string
	Port           int
	UseTLS         bool
	VectorSize     int
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxMessageSize int
}

func (c *QdrantConfig) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 << 20
	}
}

// QdrantStore talks to Qdrant over gRPC.
type QdrantStore struct {
	client   *qdrant.Client
	embedder Embedder
	cfg      QdrantConfig
	logger   *zap.Logger

	known sync.Map // collections confirmed to exist
}

// NewQdrantStore connects and health-checks the server.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
	cfg.applyDefaults()
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("qdrant vector size must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant connection is not using TLS", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check: %w", err)
	}

	return &QdrantStore{client: client, embedder: embedder, cfg: cfg, logger: logger}, nil
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	}
	return false
}

func (s *QdrantStore) retry(ctx context.Context, op string, fn func() error) error {
	backoff := s.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) || attempt >= s.cfg.MaxRetries {
			return fmt.Errorf("qdrant %s: %w", op, err)
		}
		s.logger.Debug("retrying qdrant operation", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("qdrant %s: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (s *QdrantStore) ensureCollection(ctx context.Context, name string) error {
	if _, ok := s.known.Load(name); ok {
		return nil
	}
	var exists bool
	err := s.retry(ctx, "collection_exists", func() error {
		var err error
		exists, err = s.client.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		return err
	}
	if !exists {
		err = s.retry(ctx, "create_collection", func() error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(s.cfg.VectorSize),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil && status.Code(err) != grpccodes.AlreadyExists {
			return err
		}
	}
	s.known.Store(name, struct{}{})
	return nil
}

// pointID maps a document id to a Qdrant UUID. Non-UUID ids are hashed so
// the mapping stays stable across upserts.
func pointID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func toPayload(d Document) map[string]*qdrant.Value {
	p := make(map[string]*qdrant.Value, len(d.Metadata)+2)
	for k, v := range d.Metadata {
		p[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}
	p[contentKey] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: d.Content}}
	p["doc_id"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: d.ID}}
	return p
}

func fromPayload(score float32, payload map[string]*qdrant.Value) Result {
	r := Result{Score: score, Metadata: make(map[string]string, len(payload))}
	for k, v := range payload {
		sv, ok := v.GetKind().(*qdrant.Value_StringValue)
		if !ok {
			continue
		}
		switch k {
		case contentKey:
			r.Content = sv.StringValue
		case "doc_id":
			r.ID = sv.StringValue
		default:
			r.Metadata[k] = sv.StringValue
		}
	}
	return r
}

// Upsert embeds docs and writes them as points.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("documents", len(docs)))

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if len(docs) == 0 {
		return ErrEmptyDocuments
	}
	if err := s.ensureCollection(ctx, collection); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
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

	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(d.ID)),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: toPayload(d),
		}
	}
	err = s.retry(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Exists reports whether a point for id is stored in collection.
func (s *QdrantStore) Exists(ctx context.Context, collection, id string) (bool, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return false, err
	}
	if err := s.ensureCollection(ctx, collection); err != nil {
		return false, err
	}
	var points []*qdrant.RetrievedPoint
	err := s.retry(ctx, "get", func() error {
		var err error
		points, err = s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(pointID(id))},
			WithPayload:    qdrant.NewWithPayload(false),
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return len(points) > 0, nil
}

// Query embeds text and returns the k nearest points.
func (s *QdrantStore) Query(ctx context.Context, collection, text string, k int) ([]Result, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("k", k))

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	vec, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	var points []*qdrant.ScoredPoint
	err = s.retry(ctx, "query", func() error {
		var err error
		points, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vec...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if status.Code(err) == grpccodes.NotFound {
		return nil, nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := make([]Result, len(points))
	for i, p := range points {
		out[i] = fromPayload(p.GetScore(), p.GetPayload())
	}
	return out, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error { return s.client.Close() }
