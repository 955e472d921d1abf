package gateway

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/advisor/internal/config"
	"github.com/sells-group/advisor/internal/cost"
	"github.com/sells-group/advisor/internal/resilience"
	"github.com/sells-group/advisor/pkg/anthropic"
	"github.com/sells-group/advisor/pkg/bedrock"
	"github.com/sells-group/advisor/pkg/openai"
)

// KeySource resolves API keys stored outside the config, e.g. in AWS
// Secrets Manager.
type KeySource interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// BedrockFactory builds a Bedrock client for a region.
type BedrockFactory func(ctx context.Context, region, model string) (bedrock.Client, error)

// Builder turns provider configuration into a Gateway.
type Builder struct {
	Keys    KeySource
	Bedrock BedrockFactory
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// FromConfig builds a Gateway with the enabled providers in cfg. A provider
// whose credentials cannot be resolved is skipped with a warning so the
// pipeline can still serve statistical results.
func (b Builder) FromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Gateway, error) {
	getenv := b.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	newBedrock := b.Bedrock
	if newBedrock == nil {
		newBedrock = bedrock.NewFromRegion
	}

	base := []Option{
		WithTimeout(time.Duration(cfg.AI.TimeoutSecs) * time.Second),
		WithMaxTokens(cfg.AI.MaxTokens),
		WithBreakers(NewBreakers(resilience.FromCircuitConfig(cfg.AI.Circuit))),
		WithCostCalculator(cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing))),
	}
	g := New(append(base, opts...)...)

	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		p, err := b.build(ctx, pc, getenv, newBedrock)
		if err != nil {
			zap.L().Warn("provider disabled",
				zap.String("provider", pc.Name),
				zap.String("kind", pc.Kind),
				zap.Error(err),
			)
			continue
		}
		g.Register(p, pc.Priority)
	}

	if g.Len() == 0 {
		zap.L().Warn("no text-generation providers available, all decisions will use the statistical baseline")
	}
	return g, nil
}

func (b Builder) build(ctx context.Context, pc config.ProviderConfig, getenv func(string) string, newBedrock BedrockFactory) (Provider, error) {
	switch pc.Kind {
	case config.ProviderAnthropic:
		key, err := b.apiKey(ctx, pc, getenv)
		if err != nil {
			return nil, err
		}
		if key == "" {
			return nil, eris.Errorf("gateway: no api key for provider %q", pc.Name)
		}
		var aopts []anthropic.Option
		if pc.BaseURL != "" {
			aopts = append(aopts, anthropic.WithBaseURL(pc.BaseURL))
		}
		return NewAnthropicProvider(pc.Name, pc.Model, anthropic.NewClient(key, aopts...)), nil

	case config.ProviderOpenAI:
		key, err := b.apiKey(ctx, pc, getenv)
		if err != nil {
			return nil, err
		}
		client := openai.NewClient(key, openai.WithBaseURL(pc.BaseURL), openai.WithModel(pc.Model))
		return NewOpenAIProvider(pc.Name, pc.Model, client), nil

	case config.ProviderBedrock:
		client, err := newBedrock(ctx, pc.Region, pc.Model)
		if err != nil {
			return nil, eris.Wrapf(err, "gateway: bedrock provider %q", pc.Name)
		}
		return NewBedrockProvider(pc.Name, pc.Model, client), nil

	default:
		return nil, eris.Errorf("gateway: unknown provider kind %q", pc.Kind)
	}
}

// apiKey takes the literal key, then the environment variable, then the
// secret reference. An empty result is not an error here: local
// OpenAI-compatible servers run without keys.
func (b Builder) apiKey(ctx context.Context, pc config.ProviderConfig, getenv func(string) string) (string, error) {
	if pc.APIKey != "" {
		return pc.APIKey, nil
	}
	if pc.APIKeyEnv != "" {
		if v := getenv(pc.APIKeyEnv); v != "" {
			return v, nil
		}
	}
	if pc.SecretARN != "" {
		if b.Keys == nil {
			return "", eris.Errorf("gateway: provider %q uses secret_arn but no secret resolver is configured", pc.Name)
		}
		key, err := b.Keys.Resolve(ctx, pc.SecretARN)
		if err != nil {
			return "", eris.Wrapf(err, "gateway: resolve key for provider %q", pc.Name)
		}
		return key, nil
	}
	return "", nil
}
