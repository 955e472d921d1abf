// Package gateway routes completion requests to prioritized, interchangeable
// text-generation providers.
package gateway

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/advisor/internal/cost"
	"github.com/sells-group/advisor/internal/prompt"
	"github.com/sells-group/advisor/internal/resilience"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxTokens = 1024
)

// Request is what a provider receives.
type Request struct {
	System    string
	User      string
	MaxTokens int
}

// Completion is what a provider returns.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider is one text-generation backend.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Constraints bound a single Invoke. Zero values use gateway defaults.
type Constraints struct {
	MaxTokens int
	Timeout   time.Duration
	// Provider pins the call to one provider by name.
	Provider string
}

// RawResponse is the unparsed provider output plus call accounting.
type RawResponse struct {
	Text         string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	CostUSD      float64
}

// CallStats describes one finished provider call.
type CallStats struct {
	Provider     string
	Model        string
	Outcome      string // "ok" or an ErrorKind
	Latency      time.Duration
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Observer receives call statistics, e.g. for metrics.
type Observer interface {
	ProviderCall(stats CallStats)
}

// ProviderStatus describes a registered provider.
type ProviderStatus struct {
	Name     string `json:"name"`
	Model    string `json:"model"`
	Priority int    `json:"priority"`
	Circuit  string `json:"circuit"`
}

type entry struct {
	provider Provider
	priority int
}

// Gateway holds providers sorted by priority. It never retries: one Invoke
// is at most one provider call.
type Gateway struct {
	entries   []entry
	breakers  *resilience.ServiceBreakers
	timeout   time.Duration
	maxTokens int
	costs     *cost.Calculator
	observer  Observer
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout sets the default wall-clock bound per call.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithMaxTokens sets the default completion token limit.
func WithMaxTokens(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxTokens = n
		}
	}
}

// WithBreakers replaces the default per-provider breaker registry.
func WithBreakers(sb *resilience.ServiceBreakers) Option {
	return func(g *Gateway) { g.breakers = sb }
}

// WithCostCalculator enables cost estimation.
func WithCostCalculator(c *cost.Calculator) Option {
	return func(g *Gateway) { g.costs = c }
}

// WithObserver registers a call observer.
func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

// NewBreakers creates a per-provider breaker registry that ignores caller
// cancellation and non-retryable client errors.
func NewBreakers(cfg resilience.CircuitBreakerConfig) *resilience.ServiceBreakers {
	cfg.ShouldTrip = shouldTrip
	return resilience.NewServiceBreakers(cfg)
}

// New creates a gateway. Lower priority values are tried first; ties keep
// registration order.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		timeout:   defaultTimeout,
		maxTokens: defaultMaxTokens,
		costs:     cost.NewCalculator(cost.DefaultRates()),
	}
	for _, o := range opts {
		o(g)
	}
	if g.breakers == nil {
		g.breakers = NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	return g
}

// Register adds a provider.
func (g *Gateway) Register(p Provider, priority int) {
	g.entries = append(g.entries, entry{provider: p, priority: priority})
	sort.SliceStable(g.entries, func(i, j int) bool {
		return g.entries[i].priority < g.entries[j].priority
	})
}

// Len returns the number of registered providers.
func (g *Gateway) Len() int { return len(g.entries) }

// Providers lists registered providers in priority order.
func (g *Gateway) Providers() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, ProviderStatus{
			Name:     e.provider.Name(),
			Model:    e.provider.Model(),
			Priority: e.priority,
			Circuit:  g.breakers.Get(e.provider.Name()).State().String(),
		})
	}
	return out
}

// Invoke sends the prompt to one provider and returns its raw text. Every
// failure is a *ProviderError.
func (g *Gateway) Invoke(ctx context.Context, text prompt.Text, c Constraints) (*RawResponse, error) {
	p, perr := g.pick(c.Provider)
	if perr != nil {
		g.observe(CallStats{Provider: perr.Provider, Outcome: string(perr.Kind)})
		return nil, perr
	}
	name := p.Name()

	if err := ctx.Err(); err != nil {
		return nil, newProviderError(name, KindCancelled, 0, err)
	}

	timeout := g.timeout
	if c.Timeout > 0 {
		timeout = c.Timeout
	}
	maxTokens := g.maxTokens
	if c.MaxTokens > 0 {
		maxTokens = c.MaxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	comp, err := resilience.ExecuteVal(callCtx, g.breakers.Get(name), func(cctx context.Context) (*Completion, error) {
		comp, err := p.Complete(cctx, Request{System: text.System, User: text.User, MaxTokens: maxTokens})
		if err != nil {
			return nil, classify(ctx, callCtx, name, err)
		}
		if comp == nil || strings.TrimSpace(comp.Text) == "" {
			return nil, newProviderError(name, KindEmptyResponse, 0, nil)
		}
		return comp, nil
	})
	latency := time.Since(start)

	if err != nil {
		pe := classify(ctx, callCtx, name, err)
		zap.L().Warn("provider call failed",
			zap.String("provider", name),
			zap.String("kind", string(pe.Kind)),
			zap.Int("status", pe.StatusCode),
			zap.Duration("latency", latency),
			zap.String("error_class", resilience.ClassifyError(pe)),
			zap.Error(pe.Err),
		)
		g.observe(CallStats{Provider: name, Model: p.Model(), Outcome: string(pe.Kind), Latency: latency})
		return nil, pe
	}

	model := comp.Model
	if model == "" {
		model = p.Model()
	}
	costUSD := 0.0
	if g.costs != nil {
		costUSD = g.costs.Tokens(model, comp.InputTokens, comp.OutputTokens)
	}

	zap.L().Info("cost attribution",
		zap.String("provider", name),
		zap.String("model", model),
		zap.Int("input_tokens", comp.InputTokens),
		zap.Int("output_tokens", comp.OutputTokens),
		zap.Float64("estimated_cost_usd", costUSD),
		zap.Duration("latency", latency),
	)
	g.observe(CallStats{
		Provider:     name,
		Model:        model,
		Outcome:      "ok",
		Latency:      latency,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
		CostUSD:      costUSD,
	})

	return &RawResponse{
		Text:         comp.Text,
		Provider:     name,
		Model:        model,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
		Latency:      latency,
		CostUSD:      costUSD,
	}, nil
}

// pick returns the requested provider, or the first one whose breaker is
// not open.
func (g *Gateway) pick(name string) (Provider, *ProviderError) {
	if len(g.entries) == 0 {
		return nil, newProviderError(name, KindNoProvider, 0, nil)
	}
	if name != "" {
		for _, e := range g.entries {
			if e.provider.Name() != name {
				continue
			}
			if g.breakers.Open(name) {
				return nil, newProviderError(name, KindCircuitOpen, 0, resilience.ErrCircuitOpen)
			}
			return e.provider, nil
		}
		return nil, newProviderError(name, KindNoProvider, 0, nil)
	}
	for _, e := range g.entries {
		if !g.breakers.Open(e.provider.Name()) {
			return e.provider, nil
		}
	}
	return nil, newProviderError(g.entries[0].provider.Name(), KindCircuitOpen, 0, resilience.ErrCircuitOpen)
}

func (g *Gateway) observe(s CallStats) {
	if g.observer != nil {
		g.observer.ProviderCall(s)
	}
}
