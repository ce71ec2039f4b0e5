package knowledge

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
)

// LangChainAnalyzer drives any langchaingo model.
type LangChainAnalyzer struct {
	model llms.Model
	name  string
}

// NewLangChainAnalyzer wraps model.
func NewLangChainAnalyzer(model llms.Model, name string) *LangChainAnalyzer {
	return &LangChainAnalyzer{model: model, name: name}
}

// NewLangChainOpenAI builds an analyzer against an OpenAI-compatible
// endpoint.
func NewLangChainOpenAI(baseURL, model, token string) (*LangChainAnalyzer, error) {
	opts := []lcopenai.Option{lcopenai.WithModel(model), lcopenai.WithToken(token)}
	if baseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(baseURL))
	}
	llm, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating langchain openai client: %w", err)
	}
	return NewLangChainAnalyzer(llm, model), nil
}

func (a *LangChainAnalyzer) Name() string { return a.name }

func (a *LangChainAnalyzer) Analyze(ctx context.Context, prompt string) (Analysis, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, a.model, prompt, llms.WithTemperature(0))
	if err != nil {
		return Analysis{}, fmt.Errorf("generating analysis: %w", err)
	}
	return ParseAnalysis(out)
}

// OpenAIAnalyzer calls chat completions with JSON output enforced.
type OpenAIAnalyzer struct {
	client *goopenai.Client
	model  string
}

// NewOpenAIAnalyzer builds a client. An empty baseURL uses the public API.
func NewOpenAIAnalyzer(baseURL, model, token string) *OpenAIAnalyzer {
	cfg := goopenai.DefaultConfig(token)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAnalyzer{client: goopenai.NewClientWithConfig(cfg), model: model}
}

func (a *OpenAIAnalyzer) Name() string { return a.model }

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, prompt string) (Analysis, error) {
	resp, err := a.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: a.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: "You diagnose CI/CD and Kubernetes failures and answer in JSON."},
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Analysis{}, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	return ParseAnalysis(resp.Choices[0].Message.Content)
}
