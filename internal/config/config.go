package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/advisor/internal/baseline"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" mapstructure:"ratelimit"`
	Providers  []ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Secrets    SecretsConfig    `yaml:"secrets" mapstructure:"secrets"`
	AI         AIConfig         `yaml:"ai" mapstructure:"ai"`
	Decision   DecisionConfig   `yaml:"decision" mapstructure:"decision"`
	Baseline   baseline.Config  `yaml:"baseline" mapstructure:"baseline"`
	Scorer     ScorerConfig     `yaml:"scorer" mapstructure:"scorer"`
	Taxonomy   TaxonomyConfig   `yaml:"taxonomy" mapstructure:"taxonomy"`
	Audit      AuditConfig      `yaml:"audit" mapstructure:"audit"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins      []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// AuthConfig configures reviewer identification. With no secret the API
// trusts the X-Actor-ID header.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer    string `yaml:"issuer" mapstructure:"issuer"`
}

// RateLimitConfig configures per-caller request limits on decision endpoints.
type RateLimitConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	Backend           string `yaml:"backend" mapstructure:"backend"`
	RedisURL          string `yaml:"redis_url" mapstructure:"redis_url"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int    `yaml:"burst" mapstructure:"burst"`
}

// ProviderConfig configures one text-generation provider. The API key is
// taken from APIKey, then the APIKeyEnv variable, then SecretARN.
type ProviderConfig struct {
	Name      string `yaml:"name" mapstructure:"name"`
	Kind      string `yaml:"kind" mapstructure:"kind"`
	Model     string `yaml:"model" mapstructure:"model"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Region    string `yaml:"region" mapstructure:"region"`
	Priority  int    `yaml:"priority" mapstructure:"priority"`
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	APIKeyEnv string `yaml:"api_key_env" mapstructure:"api_key_env"`
	SecretARN string `yaml:"secret_arn" mapstructure:"secret_arn"`
}

// Provider kinds.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderBedrock   = "bedrock"
)

// SecretsConfig configures AWS Secrets Manager lookups for provider keys.
type SecretsConfig struct {
	Region       string `yaml:"region" mapstructure:"region"`
	CacheTTLSecs int    `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// AIConfig bounds provider calls.
type AIConfig struct {
	TimeoutSecs int           `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Retry       RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig configures orchestrator-level retries of transient provider
// failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// DecisionConfig configures the orchestrator.
type DecisionConfig struct {
	// ValidityHours overrides the validity window per subject type slug,
	// e.g. "expense-categorization".
	ValidityHours        map[string]int `yaml:"validity_hours" mapstructure:"validity_hours"`
	DefaultValidityHours int            `yaml:"default_validity_hours" mapstructure:"default_validity_hours"`
	HistoryLimit         int            `yaml:"history_limit" mapstructure:"history_limit"`
	PromptHistory        int            `yaml:"prompt_history" mapstructure:"prompt_history"`
	BatchConcurrency     int            `yaml:"batch_concurrency" mapstructure:"batch_concurrency"`
}

// ScorerConfig configures confidence normalization.
type ScorerConfig struct {
	FallbackCeiling float64 `yaml:"fallback_ceiling" mapstructure:"fallback_ceiling"`
}

// TaxonomyConfig points at an optional expense category file.
type TaxonomyConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// AuditConfig configures where confirmation audit entries go.
type AuditConfig struct {
	Backend      string   `yaml:"backend" mapstructure:"backend"`
	Brokers      []string `yaml:"brokers" mapstructure:"brokers"`
	Topic        string   `yaml:"topic" mapstructure:"topic"`
	KafkaVersion string   `yaml:"kafka_version" mapstructure:"kafka_version"`
}

// MonitoringConfig configures fallback-rate alerting.
type MonitoringConfig struct {
	Enabled               bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FallbackRateThreshold float64 `yaml:"fallback_rate_threshold" mapstructure:"fallback_rate_threshold"`
	AnomalyRateThreshold  float64 `yaml:"anomaly_rate_threshold" mapstructure:"anomaly_rate_threshold"`
	MinSamples            int     `yaml:"min_samples" mapstructure:"min_samples"`
	CostThresholdUSD      float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
}

// PricingConfig holds per-model token pricing used for cost estimates.
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ADVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 15)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.backend", "local")
	v.SetDefault("ratelimit.requests_per_minute", 60)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("providers", []map[string]any{
		{
			"name":        "anthropic",
			"kind":        ProviderAnthropic,
			"model":       "claude-haiku-4-5-20251001",
			"priority":    1,
			"enabled":     true,
			"api_key_env": "ANTHROPIC_API_KEY",
		},
	})
	v.SetDefault("secrets.cache_ttl_secs", 300)
	v.SetDefault("ai.timeout_secs", 30)
	v.SetDefault("ai.max_tokens", 1024)
	v.SetDefault("ai.retry.max_attempts", 1)
	v.SetDefault("ai.retry.initial_backoff_ms", 500)
	v.SetDefault("ai.retry.max_backoff_ms", 5000)
	v.SetDefault("ai.retry.multiplier", 2.0)
	v.SetDefault("ai.retry.jitter_fraction", 0.25)
	v.SetDefault("ai.circuit.failure_threshold", 5)
	v.SetDefault("ai.circuit.reset_timeout_secs", 30)
	v.SetDefault("decision.default_validity_hours", 168)
	v.SetDefault("decision.history_limit", 50)
	v.SetDefault("decision.prompt_history", 10)
	v.SetDefault("decision.batch_concurrency", 4)
	v.SetDefault("baseline.anomaly_std_devs", 2.0)
	v.SetDefault("baseline.anomaly_mean_multiple", 2.0)
	v.SetDefault("baseline.high_severity_mean_multiple", 3.0)
	v.SetDefault("baseline.duplicate_window_days", 7)
	v.SetDefault("baseline.duplicate_prefix_len", 20)
	v.SetDefault("baseline.empty_history_stock_fraction", 0.1)
	v.SetDefault("baseline.trend_threshold", 0.15)
	v.SetDefault("baseline.high_urgency_fraction", 0.5)
	v.SetDefault("scorer.fallback_ceiling", 50.0)
	v.SetDefault("audit.backend", "log")
	v.SetDefault("audit.topic", "advisor.audit")
	v.SetDefault("audit.kafka_version", "2.8.0")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.fallback_rate_threshold", 0.5)
	v.SetDefault("monitoring.anomaly_rate_threshold", 0.3)
	v.SetDefault("monitoring.min_samples", 10)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: "decide" (CLI
// decision commands), "serve", "migrate" and "import".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of postgres, sqlite, memory", c.Store.Driver))
	}

	switch mode {
	case "migrate", "import":
	case "decide":
		errs = append(errs, c.validateDecision()...)
	case "serve":
		errs = append(errs, c.validateDecision()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.RateLimit.Enabled {
			switch c.RateLimit.Backend {
			case "local":
			case "redis":
				if c.RateLimit.RedisURL == "" {
					errs = append(errs, "ratelimit.redis_url is required for the redis backend")
				}
			default:
				errs = append(errs, fmt.Sprintf("ratelimit.backend %q is not one of local, redis", c.RateLimit.Backend))
			}
			if c.RateLimit.RequestsPerMinute <= 0 {
				errs = append(errs, "ratelimit.requests_per_minute must be > 0")
			}
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateDecision() []string {
	var errs []string
	if c.AI.TimeoutSecs <= 0 {
		errs = append(errs, "ai.timeout_secs must be > 0")
	}
	if c.AI.MaxTokens <= 0 {
		errs = append(errs, "ai.max_tokens must be > 0")
	}
	if c.Decision.BatchConcurrency < 1 || c.Decision.BatchConcurrency > 50 {
		errs = append(errs, "decision.batch_concurrency must be between 1 and 50")
	}
	if c.Scorer.FallbackCeiling <= 0 || c.Scorer.FallbackCeiling > 100 {
		errs = append(errs, "scorer.fallback_ceiling must be in (0, 100]")
	}
	for slug, h := range c.Decision.ValidityHours {
		if h <= 0 {
			errs = append(errs, fmt.Sprintf("decision.validity_hours.%s must be > 0", slug))
		}
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("providers[%d].name is required", i))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("providers[%d].name %q is duplicated", i, p.Name))
		}
		seen[p.Name] = true
		switch p.Kind {
		case ProviderAnthropic, ProviderOpenAI:
		case ProviderBedrock:
			if p.Region == "" && c.Secrets.Region == "" {
				errs = append(errs, fmt.Sprintf("providers[%d].region is required for bedrock", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("providers[%d].kind %q is not one of anthropic, openai, bedrock", i, p.Kind))
		}
		if p.Kind == ProviderOpenAI && p.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("providers[%d].base_url is required for openai", i))
		}
	}

	if c.Audit.Backend == "kafka" && len(c.Audit.Brokers) == 0 {
		errs = append(errs, "audit.brokers is required for the kafka backend")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
