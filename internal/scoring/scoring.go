// Package scoring calibrates raw knowledge-source scores onto one
// confidence scale so the policy can compare candidates from different
// tiers.
//
// Calibration keeps tier ordering: a strong chat match (a fix a human
// already confirmed) lands in a band above anything the generative model
// can reach on its own.
package scoring

import (
	"math"
	"sort"
	"strconv"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
)

// Config holds calibration constants.
type Config struct {
	ChatMatchCutoff   float64
	ChatBand          float64
	ChatReactionBoost float64
	ChatCap           float64

	SimilarityBase     float64
	SimilarityPivot    float64
	SimilarityWeight   float64
	SuccessPivot       float64
	SuccessWeight      float64
	SimilarityCap      float64
	DefaultSuccessRate float64

	GenerativeCap float64
}

// DefaultConfig returns the production calibration.
func DefaultConfig() Config {
	return Config{
		ChatMatchCutoff:   0.80,
		ChatBand:          0.90,
		ChatReactionBoost: 0.05,
		ChatCap:           0.95,

		SimilarityBase:     0.80,
		SimilarityPivot:    0.75,
		SimilarityWeight:   0.2,
		SuccessPivot:       0.7,
		SuccessWeight:      0.1,
		SimilarityCap:      0.95,
		DefaultSuccessRate: 1.0,

		GenerativeCap: 0.85,
	}
}

// Scorer maps candidates to calibrated confidence in [0,1].
type Scorer struct {
	cfg Config
}

// New returns a Scorer.
func New(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score returns the calibrated confidence for c.
func (s *Scorer) Score(c incident.Candidate) float64 {
	switch c.Source {
	case incident.SourceChat:
		return s.chat(c)
	case incident.SourceSimilarity:
		return s.similarity(c)
	case incident.SourceGenerative:
		return clamp(c.RawScore, 0, s.cfg.GenerativeCap)
	}
	return 0
}

// chat accepts raw scores as fractions or percentages.
func (s *Scorer) chat(c incident.Candidate) float64 {
	raw := c.RawScore
	if raw > 1 {
		raw /= 100
	}
	raw = clamp(raw, 0, 1)
	if raw < s.cfg.ChatMatchCutoff {
		return clamp(raw*s.cfg.ChatBand/s.cfg.ChatMatchCutoff, 0, s.cfg.ChatCap)
	}
	reactions := math.Min(float64(metaInt(c.Metadata, "reactions")), 5)
	return clamp(s.cfg.ChatBand+reactions/5*s.cfg.ChatReactionBoost, 0, s.cfg.ChatCap)
}

func (s *Scorer) similarity(c incident.Candidate) float64 {
	rate := s.cfg.DefaultSuccessRate
	if v, ok := c.Metadata["success_rate"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rate = clamp(f, 0, 1)
		}
	}
	conf := s.cfg.SimilarityBase +
		(c.RawScore-s.cfg.SimilarityPivot)*s.cfg.SimilarityWeight +
		(rate-s.cfg.SuccessPivot)*s.cfg.SuccessWeight
	return clamp(conf, 0, s.cfg.SimilarityCap)
}

// Scored pairs a candidate with its confidence.
type Scored struct {
	Candidate  incident.Candidate
	Confidence float64
}

// sourceRank orders sources for tie-breaking, lower first.
var sourceRank = map[incident.SourceKind]int{
	incident.SourceChat:       0,
	incident.SourceSimilarity: 1,
	incident.SourceGenerative: 2,
}

func rankOf(k incident.SourceKind) int {
	if r, ok := sourceRank[k]; ok {
		return r
	}
	return len(sourceRank)
}

// Rank scores candidates and orders them best first. Equal confidences go
// to the higher-priority source, then the most recent ReferenceTime, then
// the lexically smaller Reference.
func (s *Scorer) Rank(cands []incident.Candidate) []Scored {
	out := make([]Scored, len(cands))
	for i, c := range cands {
		out[i] = Scored{Candidate: c, Confidence: s.Score(c)}
	}
	sortScored(out)
	return out
}

func sortScored(out []Scored) {
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if ra, rb := rankOf(a.Candidate.Source), rankOf(b.Candidate.Source); ra != rb {
			return ra < rb
		}
		if !a.Candidate.ReferenceTime.Equal(b.Candidate.ReferenceTime) {
			return a.Candidate.ReferenceTime.After(b.Candidate.ReferenceTime)
		}
		return a.Candidate.Reference < b.Candidate.Reference
	})
}

// Best returns the top-ranked candidate, or nil when cands is empty.
func (s *Scorer) Best(cands []incident.Candidate) (*incident.Candidate, float64) {
	ranked := s.Rank(cands)
	if len(ranked) == 0 {
		return nil, 0
	}
	c := ranked[0].Candidate
	return &c, ranked[0].Confidence
}

func metaInt(m map[string]string, key string) int {
	n, err := strconv.Atoi(m[key])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
