package generate

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"coachline/internal/domain"
)

// AnthropicProvider generates coaching text with the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
}

func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key required")
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Question(ctx context.Context, req QuestionRequest) (string, error) {
	return p.complete(ctx, questionSystem, questionPrompt(req), 256)
}

func (p *AnthropicProvider) Reflection(ctx context.Context, req ReflectionRequest) (domain.Reflection, error) {
	raw, err := p.complete(ctx, reflectionSystem, reflectionPrompt(req), 1024)
	if err != nil {
		return domain.Reflection{}, err
	}
	return parseReflection(raw)
}

func (p *AnthropicProvider) complete(ctx context.Context, system, prompt string, maxTokens int64) (string, error) {
	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	if len(message.Content) == 0 {
		return "", fmt.Errorf("empty response")
	}
	content := message.Content[0]
	if content.Type != "text" {
		return "", fmt.Errorf("unexpected content type %s", content.Type)
	}
	return content.Text, nil
}
