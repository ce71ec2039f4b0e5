package embeddings

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/incidentd/internal/vectorstore"
)

// Provider is an Embedder with a known output dimension.
type Provider interface {
	vectorstore.Embedder
	Dimension() int
	Close() error
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider string // "tei" or "fastembed"
	Model    string
	BaseURL  string
	CacheDir string
}

var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}

// DimensionForModel guesses the output size of a model by name.
func DimensionForModel(model string) int {
	if d, ok := knownDimensions[model]; ok {
		return d
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	default:
		return 384
	}
}

// NewProvider builds the configured provider.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "tei", "":
		svc, err := NewService(Config{BaseURL: cfg.BaseURL, Model: cfg.Model})
		if err != nil {
			return nil, err
		}
		return &teiProvider{Service: svc, dimension: DimensionForModel(cfg.Model)}, nil
	case "fastembed":
		return NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

type teiProvider struct {
	*Service
	dimension int
}

func (t *teiProvider) Dimension() int { return t.dimension }
func (t *teiProvider) Close() error   { return nil }
