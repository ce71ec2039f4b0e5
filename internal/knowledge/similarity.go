package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/fyrsmithlabs/incidentd/internal/vectorstore"
)

const maxTopK = 10

// SimilaritySource looks up fixes that worked for similar failures.
type SimilaritySource struct {
	store      vectorstore.Store
	collection string
	topK       int
}

// NewSimilaritySource queries collection with up to topK neighbours.
func NewSimilaritySource(store vectorstore.Store, collection string, topK int) *SimilaritySource {
	if topK <= 0 || topK > maxTopK {
		topK = maxTopK
	}
	return &SimilaritySource{store: store, collection: collection, topK: topK}
}

func (s *SimilaritySource) Kind() incident.SourceKind { return incident.SourceSimilarity }

// Search returns one candidate per stored fix, scored by cosine similarity.
func (s *SimilaritySource) Search(ctx context.Context, ev incident.FailureEvent) ([]incident.Candidate, error) {
	hits, err := s.store.Query(ctx, s.collection, ev.Signature(), s.topK)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	out := make([]incident.Candidate, 0, len(hits))
	for _, h := range hits {
		fix := h.Metadata["fix"]
		if fix == "" {
			continue
		}
		meta := make(map[string]string, len(h.Metadata))
		for k, v := range h.Metadata {
			meta[k] = v
		}
		c := incident.Candidate{
			Source:         incident.SourceSimilarity,
			RawScore:       float64(h.Score),
			FixDescription: fix,
			Reference:      "fix:" + h.ID,
			Metadata:       meta,
		}
		if t, err := time.Parse(time.RFC3339, h.Metadata["recorded_at"]); err == nil {
			c.ReferenceTime = t
		}
		out = append(out, c)
	}
	return out, nil
}
