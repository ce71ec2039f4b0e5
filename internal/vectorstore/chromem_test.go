package vectorstore

import (
	"context"
	"hash/fnv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bagEmbedder hashes words into a small fixed vector so that texts sharing
// words land close together.
type bagEmbedder struct{}

func (bagEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 32)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%32]++
	}
	v[31] += 0.01
	return v, nil
}

func (e bagEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.EmbedQuery(ctx, t)
	}
	return out, nil
}

func newTestChromem(t *testing.T) *ChromemStore {
	t.Helper()
	s, err := NewChromemStore("", false, bagEmbedder{}, nil)
	require.NoError(t, err)
	return s
}

func TestChromemStore_UpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestChromem(t)

	err := s.Upsert(ctx, "incident_fixes", []Document{
		{ID: "a", Content: "npm install failed lockfile mismatch", Metadata: map[string]string{"fix": "regenerate lockfile"}},
		{ID: "b", Content: "pod oomkilled memory limit exceeded", Metadata: map[string]string{"fix": "raise memory limit"}},
	})
	require.NoError(t, err)

	res, err := s.Query(ctx, "incident_fixes", "pod oomkilled memory", 5)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "b", res[0].ID)
	assert.Equal(t, "raise memory limit", res[0].Metadata["fix"])
	assert.Greater(t, res[0].Score, res[1].Score)
}

func TestChromemStore_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestChromem(t)

	doc := Document{ID: "a", Content: "build failed", Metadata: map[string]string{"fix": "old"}}
	require.NoError(t, s.Upsert(ctx, "fixes", []Document{doc}))
	doc.Metadata = map[string]string{"fix": "new"}
	require.NoError(t, s.Upsert(ctx, "fixes", []Document{doc}))

	res, err := s.Query(ctx, "fixes", "build failed", 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "new", res[0].Metadata["fix"])
}

func TestChromemStore_Exists(t *testing.T) {
	ctx := context.Background()
	s := newTestChromem(t)

	ok, err := s.Exists(ctx, "fixes", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Upsert(ctx, "fixes", []Document{{ID: "a", Content: "build failed"}}))
	ok, err = s.Exists(ctx, "fixes", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Exists(ctx, "fixes", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Exists(ctx, "Bad-Name", "a")
	assert.ErrorIs(t, err, ErrInvalidCollectionName)
}

func TestChromemStore_QueryMissingCollection(t *testing.T) {
	s := newTestChromem(t)
	res, err := s.Query(context.Background(), "nothing_here", "x", 3)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestChromemStore_Validation(t *testing.T) {
	ctx := context.Background()
	s := newTestChromem(t)

	assert.ErrorIs(t, s.Upsert(ctx, "Bad-Name", []Document{{ID: "a", Content: "x"}}), ErrInvalidCollectionName)
	assert.ErrorIs(t, s.Upsert(ctx, "ok", nil), ErrEmptyDocuments)
	_, err := s.Query(ctx, "ok", "x", 0)
	assert.Error(t, err)
}

func TestChromemStore_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewChromemStore(dir, false, bagEmbedder{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, "fixes", []Document{{ID: "a", Content: "deploy failed"}}))
	require.NoError(t, s.Close())

	reopened, err := NewChromemStore(dir, false, bagEmbedder{}, nil)
	require.NoError(t, err)
	res, err := reopened.Query(ctx, "fixes", "deploy failed", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "a", res[0].ID)
}
