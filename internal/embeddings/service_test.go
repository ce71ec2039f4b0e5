package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func teiServer(t *testing.T, status int) (*httptest.Server, *[]teiRequest) {
	t.Helper()
	var seen []teiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req)
		if status != http.StatusOK {
			http.Error(w, "model overloaded", status)
			return
		}
		n := 1
		if in, ok := req.Inputs.([]any); ok {
			n = len(in)
		}
		out := make([][]float32, n)
		for i := range out {
			out[i] = []float32{float32(i), 0.5}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestService_EmbedDocuments(t *testing.T) {
	srv, seen := teiServer(t, http.StatusOK)
	svc, err := NewService(Config{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	vecs, err := svc.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	require.Len(t, *seen, 1)
	assert.True(t, (*seen)[0].Truncate)
}

func TestService_EmbedQuery(t *testing.T) {
	srv, _ := teiServer(t, http.StatusOK)
	svc, err := NewService(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	vec, err := svc.EmbedQuery(context.Background(), "query")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0.5}, vec)
}

func TestService_Errors(t *testing.T) {
	srv, _ := teiServer(t, http.StatusServiceUnavailable)
	svc, err := NewService(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = svc.EmbedQuery(context.Background(), "x")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "503")

	_, err = svc.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = svc.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = NewService(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Provider: "tei", BaseURL: "http://localhost:8081", Model: "BAAI/bge-base-en-v1.5"})
	require.NoError(t, err)
	assert.Equal(t, 768, p.Dimension())
	assert.NoError(t, p.Close())

	_, err = NewProvider(ProviderConfig{Provider: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDimensionForModel(t *testing.T) {
	assert.Equal(t, 384, DimensionForModel("BAAI/bge-small-en-v1.5"))
	assert.Equal(t, 1024, DimensionForModel("some-large-model"))
	assert.Equal(t, 384, DimensionForModel("unknown"))
}
