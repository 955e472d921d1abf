// Package secrets resolves provider credentials from AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const defaultTTL = 5 * time.Minute

// keyFields are tried in order when a secret holds a JSON object.
var keyFields = []string{"api_key", "apiKey", "key", "value"}

// API is the subset of the Secrets Manager client the resolver uses.
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Resolver fetches API keys by secret ARN and caches them for a TTL.
type Resolver struct {
	api   API
	ttl   time.Duration
	mu    sync.RWMutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewResolver wraps an existing client. ttl <= 0 uses five minutes.
func NewResolver(api API, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Resolver{
		api:   api,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

// NewFromRegion builds a Resolver on the default AWS credential chain.
func NewFromRegion(ctx context.Context, region string, ttl time.Duration) (*Resolver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "secrets: load aws config")
	}
	return NewResolver(secretsmanager.NewFromConfig(cfg), ttl), nil
}

// Resolve returns the API key stored under arn. A secret may be a bare
// string or a JSON object with one of the fields api_key, apiKey, key or
// value.
func (r *Resolver) Resolve(ctx context.Context, arn string) (string, error) {
	r.mu.RLock()
	e, ok := r.cache[arn]
	r.mu.RUnlock()
	if ok && r.now().Before(e.expiresAt) {
		return e.value, nil
	}

	out, err := r.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(arn),
	})
	if err != nil {
		return "", eris.Wrapf(err, "secrets: get %s", mask(arn))
	}
	if out.SecretString == nil {
		return "", eris.Errorf("secrets: %s has no string value", mask(arn))
	}

	value, err := extractKey(*out.SecretString)
	if err != nil {
		return "", eris.Wrapf(err, "secrets: %s", mask(arn))
	}

	r.mu.Lock()
	r.cache[arn] = cacheEntry{value: value, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()

	zap.L().Debug("resolved secret", zap.String("secret", mask(arn)))
	return value, nil
}

// Invalidate drops a cached secret.
func (r *Resolver) Invalidate(arn string) {
	r.mu.Lock()
	delete(r.cache, arn)
	r.mu.Unlock()
}

func extractKey(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		if trimmed == "" {
			return "", eris.New("empty secret")
		}
		return trimmed, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return "", eris.Wrap(err, "decode secret json")
	}
	for _, k := range keyFields {
		if v, ok := fields[k].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", eris.New("secret json has no api key field")
}

// mask keeps the last 8 characters of an ARN for logs.
func mask(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
