// Package bedrock invokes Anthropic models hosted on AWS Bedrock.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/rotisserie/eris"
)

const (
	anthropicVersion = "bedrock-2023-05-31"
	defaultModel     = "anthropic.claude-3-haiku-20240307-v1:0"
)

// Runtime is the subset of the Bedrock runtime API the client uses.
// *bedrockruntime.Client satisfies it.
type Runtime interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Client sends Anthropic-format message requests through Bedrock.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is the request for a single completion.
type MessageRequest struct {
	Model       string
	MaxTokens   int
	System      string
	Messages    []Message
	Temperature *float64
}

// Message is one conversational turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageResponse is the decoded completion.
type MessageResponse struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type requestBody struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	System           string    `json:"system,omitempty"`
	Messages         []Message `json:"messages"`
	Temperature      *float64  `json:"temperature,omitempty"`
}

type responseBody struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      Usage  `json:"usage"`
}

type runtimeClient struct {
	rt    Runtime
	model string
}

// New wraps an existing runtime. An empty model uses the default.
func New(rt Runtime, model string) Client {
	if model == "" {
		model = defaultModel
	}
	return &runtimeClient{rt: rt, model: model}
}

// NewFromRegion loads the default AWS credential chain for region and
// returns a Client backed by the Bedrock runtime service.
func NewFromRegion(ctx context.Context, region, model string) (Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, eris.Wrapf(err, "bedrock: load aws config (region %s)", region)
	}
	return New(bedrockruntime.NewFromConfig(cfg), model), nil
}

func (c *runtimeClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	body, err := json.Marshal(requestBody{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        req.MaxTokens,
		System:           req.System,
		Messages:         req.Messages,
		Temperature:      req.Temperature,
	})
	if err != nil {
		return nil, eris.Wrap(err, "bedrock: marshal request")
	}

	out, err := c.rt.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, eris.Wrap(err, "bedrock: invoke model")
	}

	var resp responseBody
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, eris.Wrap(err, "bedrock: unmarshal response")
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" || c.Type == "" {
			text.WriteString(c.Text)
		}
	}

	if resp.Model == "" {
		resp.Model = model
	}
	return &MessageResponse{
		ID:         resp.ID,
		Model:      resp.Model,
		Text:       text.String(),
		StopReason: resp.StopReason,
		Usage:      resp.Usage,
	}, nil
}

// StatusCode extracts the HTTP status of a Bedrock service error, or 0 when
// the request never got a response.
func StatusCode(err error) int {
	var re interface{ HTTPStatusCode() int }
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
