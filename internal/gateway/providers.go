package gateway

import (
	"context"
	"errors"

	"github.com/sells-group/advisor/pkg/anthropic"
	"github.com/sells-group/advisor/pkg/bedrock"
	"github.com/sells-group/advisor/pkg/openai"
)

// Prompts are decided at temperature 0 so repeated calls stay comparable.
var zeroTemperature = 0.0

// systemCacheTTL marks the per-subject persona prompt as cacheable.
const systemCacheTTL = "5m"

// AnthropicProvider adapts the Anthropic Messages API.
type AnthropicProvider struct {
	name   string
	model  string
	client anthropic.Client
}

// NewAnthropicProvider wraps an Anthropic client.
func NewAnthropicProvider(name, model string, client anthropic.Client) *AnthropicProvider {
	return &AnthropicProvider{name: name, model: model, client: client}
}

func (p *AnthropicProvider) Name() string  { return p.name }
func (p *AnthropicProvider) Model() string { return p.model }

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   int64(req.MaxTokens),
		System:      anthropic.BuildSystemBlocks(req.System, systemCacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: req.User}},
		Temperature: &zeroTemperature,
	})
	if err != nil {
		if code := anthropic.StatusCode(err); code != 0 {
			return nil, StatusError(p.name, code, err)
		}
		return nil, err
	}
	return &Completion{
		Text:         resp.Text(),
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// OpenAIProvider adapts any OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	name   string
	model  string
	client openai.Client
}

// NewOpenAIProvider wraps an OpenAI-compatible client.
func NewOpenAIProvider(name, model string, client openai.Client) *OpenAIProvider {
	return &OpenAIProvider{name: name, model: model, client: client}
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	maxTokens := req.MaxTokens
	msgs := make([]openai.Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, openai.Message{Role: "user", Content: req.User})

	resp, err := p.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: &zeroTemperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, StatusError(p.name, apiErr.StatusCode, err)
		}
		return nil, err
	}
	model := resp.Model
	if model == "" {
		model = p.model
	}
	return &Completion{
		Text:         resp.Text(),
		Model:        model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// BedrockProvider adapts Anthropic models on AWS Bedrock.
type BedrockProvider struct {
	name   string
	model  string
	client bedrock.Client
}

// NewBedrockProvider wraps a Bedrock client.
func NewBedrockProvider(name, model string, client bedrock.Client) *BedrockProvider {
	return &BedrockProvider{name: name, model: model, client: client}
}

func (p *BedrockProvider) Name() string  { return p.name }
func (p *BedrockProvider) Model() string { return p.model }

func (p *BedrockProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	resp, err := p.client.CreateMessage(ctx, bedrock.MessageRequest{
		Model:       p.model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Messages:    []bedrock.Message{{Role: "user", Content: req.User}},
		Temperature: &zeroTemperature,
	})
	if err != nil {
		if code := bedrock.StatusCode(err); code != 0 {
			return nil, StatusError(p.name, code, err)
		}
		return nil, err
	}
	// Bedrock reports the vendor model name; pricing is keyed by the
	// Bedrock model id.
	return &Completion{
		Text:         resp.Text,
		Model:        p.model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
