// Package cost estimates provider spend from token usage.
package cost

import "github.com/sells-group/advisor/internal/config"

// Rates holds per-model pricing.
type Rates struct {
	Models map[string]ModelRate `yaml:"models" mapstructure:"models"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Calculator computes costs for provider usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Known reports whether model has a configured rate.
func (c *Calculator) Known(model string) bool {
	_, ok := c.rates.Models[model]
	return ok
}

// Tokens computes the cost of one completion. Unknown models cost 0.
func (c *Calculator) Tokens(model string, input, output int) float64 {
	rate, ok := c.rates.Models[model]
	if !ok {
		return 0
	}
	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	return inCost + outCost
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"claude-haiku-4-5-20251001":                 {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929":                {Input: 3.00, Output: 15.00},
			"claude-opus-4-6":                           {Input: 15.00, Output: 75.00},
			"anthropic.claude-3-haiku-20240307-v1:0":    {Input: 0.25, Output: 1.25},
			"anthropic.claude-3-5-sonnet-20240620-v1:0": {Input: 3.00, Output: 15.00},
			"gpt-4o-mini":                               {Input: 0.15, Output: 0.60},
			"gpt-4o":                                    {Input: 2.50, Output: 10.00},
			"sonar-pro":                                 {Input: 3.00, Output: 15.00},
		},
	}
}

// RatesFromConfig overlays configured model prices on the defaults.
func RatesFromConfig(cfg config.PricingConfig) Rates {
	rates := DefaultRates()
	for model, p := range cfg.Models {
		rates.Models[model] = ModelRate{Input: p.Input, Output: p.Output}
	}
	return rates
}
