// Package baseline computes deterministic, statistics-only decisions from a
// subject and its history. The results serve both as the fallback payload
// when no provider answers and as context for prompts.
package baseline

import (
	"fmt"

	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/taxonomy"
)

// Config holds the tunable thresholds of the engine.
type Config struct {
	// AnomalyStdDevs is k in amount > mean + k*stddev.
	AnomalyStdDevs float64 `mapstructure:"anomaly_std_devs"`
	// AnomalyMeanMultiple is m in amount > m*mean.
	AnomalyMeanMultiple float64 `mapstructure:"anomaly_mean_multiple"`
	// HighSeverityMeanMultiple escalates an anomaly to high severity.
	HighSeverityMeanMultiple float64 `mapstructure:"high_severity_mean_multiple"`
	DuplicateWindowDays      int     `mapstructure:"duplicate_window_days"`
	DuplicatePrefixLen       int     `mapstructure:"duplicate_prefix_len"`
	// EmptyHistoryStockFraction predicts demand as a share of current stock
	// when there is no movement history.
	EmptyHistoryStockFraction float64 `mapstructure:"empty_history_stock_fraction"`
	TrendThreshold            float64 `mapstructure:"trend_threshold"`
	HighUrgencyFraction       float64 `mapstructure:"high_urgency_fraction"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		AnomalyStdDevs:            2,
		AnomalyMeanMultiple:       2,
		HighSeverityMeanMultiple:  3,
		DuplicateWindowDays:       7,
		DuplicatePrefixLen:        20,
		EmptyHistoryStockFraction: 0.1,
		TrendThreshold:            0.15,
		HighUrgencyFraction:       0.5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.AnomalyStdDevs <= 0 {
		c.AnomalyStdDevs = d.AnomalyStdDevs
	}
	if c.AnomalyMeanMultiple <= 0 {
		c.AnomalyMeanMultiple = d.AnomalyMeanMultiple
	}
	if c.HighSeverityMeanMultiple <= 0 {
		c.HighSeverityMeanMultiple = d.HighSeverityMeanMultiple
	}
	if c.DuplicateWindowDays <= 0 {
		c.DuplicateWindowDays = d.DuplicateWindowDays
	}
	if c.DuplicatePrefixLen <= 0 {
		c.DuplicatePrefixLen = d.DuplicatePrefixLen
	}
	if c.EmptyHistoryStockFraction <= 0 {
		c.EmptyHistoryStockFraction = d.EmptyHistoryStockFraction
	}
	if c.TrendThreshold <= 0 {
		c.TrendThreshold = d.TrendThreshold
	}
	if c.HighUrgencyFraction <= 0 {
		c.HighUrgencyFraction = d.HighUrgencyFraction
	}
}

// Input carries the subject entity. Exactly one field is set, matching the
// subject type.
type Input struct {
	Expense *model.Expense
	Product *model.Product
	Tender  *model.Tender
}

// Result is the engine output for one subject.
type Result struct {
	// Payload is normalized and shaped exactly like a provider payload.
	Payload   model.Payload
	Anomalies []model.AnomalyReason
	Summary   Summary
	Notes     []string
}

// Confidence levels for results without enough evidence.
const (
	noHistoryConfidence   = 20
	keywordOnlyConfidence = 35
	maxSparseConfidence   = 40
)

// Engine computes baseline results.
type Engine struct {
	cfg Config
	tax *taxonomy.Taxonomy
}

// New creates an engine. A nil taxonomy uses the built-in categories.
func New(cfg Config, tax *taxonomy.Taxonomy) *Engine {
	cfg.applyDefaults()
	if tax == nil {
		tax = taxonomy.Default()
	}
	return &Engine{cfg: cfg, tax: tax}
}

// Config returns the effective thresholds.
func (e *Engine) Config() Config { return e.cfg }

// Compute produces the baseline result for st. It never fails: missing
// input or history yields a low-confidence result with a note.
func (e *Engine) Compute(st model.SubjectType, in Input, hist model.HistoricalContext) Result {
	var res Result
	switch st {
	case model.SubjectExpenseCategorization:
		if in.Expense == nil {
			return e.missing(st)
		}
		res = e.expense(*in.Expense, hist)
	case model.SubjectInventoryOptimization:
		if in.Product == nil {
			return e.missing(st)
		}
		res = e.inventory(*in.Product, hist)
	case model.SubjectTenderPricing:
		if in.Tender == nil {
			return e.missing(st)
		}
		res = e.pricing(*in.Tender, hist)
	case model.SubjectTenderMarketAnalysis:
		if in.Tender == nil {
			return e.missing(st)
		}
		res = e.market(*in.Tender, hist)
	default:
		return Result{Notes: []string{fmt.Sprintf("unsupported subject type %q", st)}}
	}

	base := res.Payload.Base()
	base.IsAnomaly = len(res.Anomalies) > 0
	base.AnomalyReasons = append([]model.AnomalyReason{}, res.Anomalies...)
	if hist.Len() == 0 && base.Confidence > maxSparseConfidence {
		base.Confidence = maxSparseConfidence
	}
	res.Payload.Normalize()
	return res
}

func (e *Engine) missing(st model.SubjectType) Result {
	p, _ := model.NewPayload(st)
	note := "subject data missing; no estimate possible"
	p.Base().Reasoning = note
	switch v := p.(type) {
	case *model.ExpensePayload:
		v.Category = taxonomy.Other
	case *model.InventoryPayload:
		v.Trend, v.Urgency = model.TrendStable, model.UrgencyMedium
	case *model.PricingPayload:
		v.Strategy = model.StrategyBalanced
	case *model.MarketPayload:
		v.CompetitionLevel, v.MarketTrend = model.CompetitionMedium, model.TrendStable
	}
	return Result{Payload: p, Notes: []string{note}}
}

// Outlier applies the mean/stddev rule to amount against series and returns
// a reason of the given type when it fires.
func (e *Engine) Outlier(reasonType string, amount float64, series []float64) (model.AnomalyReason, bool) {
	if len(series) == 0 {
		return model.AnomalyReason{}, false
	}
	mu, sigma := Mean(series), StdDev(series)
	if mu <= 0 {
		return model.AnomalyReason{}, false
	}
	if amount <= mu+e.cfg.AnomalyStdDevs*sigma || amount <= e.cfg.AnomalyMeanMultiple*mu {
		return model.AnomalyReason{}, false
	}
	sev := model.SeverityMedium
	if amount > e.cfg.HighSeverityMeanMultiple*mu {
		sev = model.SeverityHigh
	}
	return model.AnomalyReason{
		Type:     reasonType,
		Severity: sev,
		Message:  fmt.Sprintf("%.2f is %.1fx the historical mean of %.2f (stddev %.2f)", amount, amount/mu, mu, sigma),
	}, true
}

// DetectAnomaly applies the default outlier rule. It is the package-level
// form of Engine.Outlier.
func DetectAnomaly(amount float64, series []float64) (model.AnomalyReason, bool) {
	return New(DefaultConfig(), nil).Outlier(model.AnomalyAmountOutlier, amount, series)
}
