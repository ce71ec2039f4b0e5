package scoring

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore_Chat(t *testing.T) {
	s := New(DefaultConfig())
	tests := []struct {
		name      string
		raw       float64
		reactions string
		want      float64
	}{
		{"strong match enters band", 0.95, "", 0.90},
		{"percentage input", 95, "", 0.90},
		{"cutoff is inclusive", 0.80, "", 0.90},
		{"reactions boost", 0.85, "5", 0.95},
		{"reactions capped at five", 0.85, "40", 0.95},
		{"partial boost", 0.85, "2", 0.92},
		{"below cutoff is linear", 0.64, "", 0.72},
		{"zero", 0, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := incident.Candidate{Source: incident.SourceChat, RawScore: tt.raw}
			if tt.reactions != "" {
				c.Metadata = map[string]string{"reactions": tt.reactions}
			}
			assert.InDelta(t, tt.want, s.Score(c), 1e-9)
		})
	}
}

func TestScore_Similarity(t *testing.T) {
	s := New(DefaultConfig())
	tests := []struct {
		name string
		sim  float64
		rate string
		want float64
	}{
		{"pivot with default success", 0.75, "", 0.83},
		{"perfect match", 1.0, "1.0", 0.88},
		{"low success rate", 0.90, "0.5", 0.81},
		{"garbage rate uses default", 0.75, "n/a", 0.83},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := incident.Candidate{Source: incident.SourceSimilarity, RawScore: tt.sim}
			if tt.rate != "" {
				c.Metadata = map[string]string{"success_rate": tt.rate}
			}
			assert.InDelta(t, tt.want, s.Score(c), 1e-9)
		})
	}
}

func TestScore_GenerativeCapped(t *testing.T) {
	s := New(DefaultConfig())
	assert.InDelta(t, 0.80, s.Score(incident.Candidate{Source: incident.SourceGenerative, RawScore: 0.80}), 1e-9)
	assert.InDelta(t, 0.85, s.Score(incident.Candidate{Source: incident.SourceGenerative, RawScore: 0.99}), 1e-9)
	assert.Equal(t, 0.0, s.Score(incident.Candidate{Source: incident.SourceGenerative, RawScore: -1}))
}

func TestScore_ChatBandAboveGenerativeCeiling(t *testing.T) {
	s := New(DefaultConfig())
	chat := s.Score(incident.Candidate{Source: incident.SourceChat, RawScore: 0.80})
	gen := s.Score(incident.Candidate{Source: incident.SourceGenerative, RawScore: 1})
	assert.Greater(t, chat, gen)
}

func TestScore_Deterministic(t *testing.T) {
	s := New(DefaultConfig())
	c := incident.Candidate{Source: incident.SourceSimilarity, RawScore: 0.82, Metadata: map[string]string{"success_rate": "0.9"}}
	assert.Equal(t, s.Score(c), s.Score(c))
}

func TestBest_TieBreaksOnFreshness(t *testing.T) {
	s := New(DefaultConfig())
	old := incident.Candidate{Source: incident.SourceChat, RawScore: 0.9, Reference: "old", ReferenceTime: time.Unix(100, 0)}
	fresh := incident.Candidate{Source: incident.SourceChat, RawScore: 0.85, Reference: "fresh", ReferenceTime: time.Unix(200, 0)}

	best, conf := s.Best([]incident.Candidate{old, fresh})
	require.NotNil(t, best)
	assert.Equal(t, "fresh", best.Reference)
	assert.InDelta(t, 0.90, conf, 1e-9)
}

func TestRank_CrossSourceTiesAreOrdered(t *testing.T) {
	at := time.Unix(100, 0)
	scored := func(src incident.SourceKind, ref string, ts time.Time) Scored {
		return Scored{Candidate: incident.Candidate{Source: src, Reference: ref, ReferenceTime: ts}, Confidence: 0.8}
	}
	want := []string{"chat", "sim-new", "sim-a", "sim-b", "gen"}
	inputs := [][]Scored{
		{scored(incident.SourceGenerative, "gen", at), scored(incident.SourceSimilarity, "sim-b", at), scored(incident.SourceChat, "chat", at),
			scored(incident.SourceSimilarity, "sim-a", at), scored(incident.SourceSimilarity, "sim-new", at.Add(time.Hour))},
		{scored(incident.SourceSimilarity, "sim-a", at), scored(incident.SourceChat, "chat", at), scored(incident.SourceSimilarity, "sim-new", at.Add(time.Hour)),
			scored(incident.SourceGenerative, "gen", at), scored(incident.SourceSimilarity, "sim-b", at)},
	}
	for _, in := range inputs {
		sortScored(in)
		got := make([]string, len(in))
		for i, s := range in {
			got[i] = s.Candidate.Reference
		}
		assert.Equal(t, want, got)
	}
}

func TestBest_CrossSourceTieIsDeterministic(t *testing.T) {
	s := New(DefaultConfig())
	gen := incident.Candidate{Source: incident.SourceGenerative, RawScore: 0.80, Reference: "gen"}
	sim := incident.Candidate{Source: incident.SourceSimilarity, RawScore: 0.75, Reference: "sim",
		Metadata: map[string]string{"success_rate": "0.7"}}
	require.Equal(t, s.Score(gen), s.Score(sim))
	for _, cands := range [][]incident.Candidate{{gen, sim}, {sim, gen}} {
		best, _ := s.Best(cands)
		require.NotNil(t, best)
		assert.Equal(t, "sim", best.Reference)
	}
}

func TestBest_Empty(t *testing.T) {
	best, conf := New(DefaultConfig()).Best(nil)
	assert.Nil(t, best)
	assert.Zero(t, conf)
}
