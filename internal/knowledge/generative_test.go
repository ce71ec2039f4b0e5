package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/incidentd/internal/incident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func TestParseAnalysis(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		fix     string
		conf    float64
		wantErr bool
	}{
		{"bare json", `{"fix":"rerun","confidence":0.7}`, "rerun", 0.7, false},
		{"fenced", "Here you go:\n```json\n{\"fix\": \"bump limit\", \"confidence\": 0.6}\n```\nthanks", "bump limit", 0.6, false},
		{"embedded", `I think {"fix":"rotate token","confidence":80} is best`, "rotate token", 0.8, false},
		{"no json", "I am not sure", "", 0, true},
		{"empty fix", `{"fix":"","confidence":0.9}`, "", 0, true},
		{"broken", `{"fix": "x", `, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAnalysis(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.fix, a.Fix)
			assert.InDelta(t, tt.conf, a.Confidence, 1e-9)
		})
	}
}

type fakeLLM struct {
	reply  string
	prompt string
}

func (f *fakeLLM) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, m := range msgs {
		for _, p := range m.Parts {
			if tp, ok := p.(llms.TextContent); ok {
				f.prompt += tp.Text
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, opts...)
}

func TestGenerativeSource_LangChain(t *testing.T) {
	llm := &fakeLLM{reply: "```json\n{\"fix\":\"increase memory limit to 1Gi\",\"confidence\":0.95,\"root_cause\":\"OOM\"}\n```"}
	src := NewGenerativeSource(NewLangChainAnalyzer(llm, "test-model"), 0)
	src.now = func() time.Time { return time.Unix(100, 0) }

	ev := incident.FailureEvent{IncidentID: "k8s-u-restart-3", Platform: incident.PlatformKubernetes, Category: "resource", RawLogExcerpt: "OOMKilled"}
	cands, err := src.Search(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, cands, 1)

	assert.Equal(t, incident.SourceGenerative, cands[0].Source)
	assert.Equal(t, "increase memory limit to 1Gi", cands[0].FixDescription)
	assert.InDelta(t, 0.95, cands[0].RawScore, 1e-9, "calibration caps it later")
	assert.Equal(t, "OOM", cands[0].Metadata["root_cause"])
	assert.Contains(t, llm.prompt, "k8s-u-restart-3")
	assert.Contains(t, llm.prompt, "OOMKilled")
}

func TestGenerativeSource_Malformed(t *testing.T) {
	src := NewGenerativeSource(NewLangChainAnalyzer(&fakeLLM{reply: "no idea"}, "m"), 0)
	_, err := src.Search(context.Background(), incident.FailureEvent{})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestOpenAIAnalyzer(t *testing.T) {
	var req map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"fix\":\"rerun failed jobs\",\"confidence\":0.55}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	a := NewOpenAIAnalyzer(srv.URL+"/v1", "gpt-4o-mini", "sk-test")
	got, err := a.Analyze(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "rerun failed jobs", got.Fix)
	assert.InDelta(t, 0.55, got.Confidence, 1e-9)
	assert.Equal(t, "gpt-4o-mini", req["model"])
	assert.Equal(t, map[string]any{"type": "json_object"}, req["response_format"])
}

func TestGenerativeSource_RateLimitHonoursContext(t *testing.T) {
	src := NewGenerativeSource(NewLangChainAnalyzer(&fakeLLM{reply: `{"fix":"x","confidence":0.5}`}, "m"), 1)
	_, err := src.Search(context.Background(), incident.FailureEvent{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = src.Search(ctx, incident.FailureEvent{})
	assert.Error(t, err)
}
