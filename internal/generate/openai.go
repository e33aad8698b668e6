package generate

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"coachline/internal/domain"
)

// OpenAIProvider generates coaching text through langchaingo's OpenAI
// client. A custom base URL makes it work with any OpenAI-compatible
// endpoint.
type OpenAIProvider struct {
	llm *openai.LLM
}

func NewOpenAIProvider(apiKey, model, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key required")
	}
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &OpenAIProvider{llm: llm}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Question(ctx context.Context, req QuestionRequest) (string, error) {
	return p.complete(ctx, questionSystem, questionPrompt(req))
}

func (p *OpenAIProvider) Reflection(ctx context.Context, req ReflectionRequest) (domain.Reflection, error) {
	raw, err := p.complete(ctx, reflectionSystem, reflectionPrompt(req))
	if err != nil {
		return domain.Reflection{}, err
	}
	return parseReflection(raw)
}

func (p *OpenAIProvider) complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := p.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, prompt),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return resp.Choices[0].Content, nil
}
