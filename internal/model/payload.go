package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Trend directions shared by demand and market analysis.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// Trends lists accepted trend values.
var Trends = []string{TrendIncreasing, TrendDecreasing, TrendStable}

// Reorder urgencies.
const (
	UrgencyCritical = "critical"
	UrgencyHigh     = "high"
	UrgencyMedium   = "medium"
	UrgencyLow      = "low"
)

// Urgencies lists accepted urgency values.
var Urgencies = []string{UrgencyCritical, UrgencyHigh, UrgencyMedium, UrgencyLow}

// Pricing strategies.
const (
	StrategyAggressive = "aggressive"
	StrategyBalanced   = "balanced"
	StrategyPremium    = "premium"
)

// Strategies lists accepted pricing strategies.
var Strategies = []string{StrategyAggressive, StrategyBalanced, StrategyPremium}

// Competition levels.
const (
	CompetitionLow    = "low"
	CompetitionMedium = "medium"
	CompetitionHigh   = "high"
)

// CompetitionLevels lists accepted competition levels.
var CompetitionLevels = []string{CompetitionLow, CompetitionMedium, CompetitionHigh}

// Assessment is embedded in every payload.
type Assessment struct {
	Confidence     float64         `json:"confidence"`
	Reasoning      string          `json:"reasoning"`
	IsAnomaly      bool            `json:"is_anomaly"`
	AnomalyReasons []AnomalyReason `json:"anomaly_reasons"`
}

// Payload is the closed set of subject-specific result shapes. AI and
// fallback results use the same concrete types, so the serialized field sets
// are identical regardless of source.
type Payload interface {
	SubjectType() SubjectType
	Base() *Assessment
	// PrimaryField names the field a reviewer may override.
	PrimaryField() string
	Primary() string
	SetPrimary(value string)
	// Normalize replaces nil slices with empty ones.
	Normalize()
}

// CategoryScore is an alternative expense category.
type CategoryScore struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// ExpensePayload is the result of EXPENSE_CATEGORIZATION.
type ExpensePayload struct {
	Assessment
	Category     string          `json:"category"`
	Alternatives []CategoryScore `json:"alternatives"`
	DuplicateOf  []string        `json:"duplicate_of"`
}

func (p *ExpensePayload) SubjectType() SubjectType { return SubjectExpenseCategorization }
func (p *ExpensePayload) Base() *Assessment        { return &p.Assessment }
func (p *ExpensePayload) PrimaryField() string     { return "category" }
func (p *ExpensePayload) Primary() string          { return p.Category }
func (p *ExpensePayload) SetPrimary(v string)      { p.Category = v }

func (p *ExpensePayload) Normalize() {
	normalizeAssessment(&p.Assessment)
	if p.Alternatives == nil {
		p.Alternatives = []CategoryScore{}
	}
	if p.DuplicateOf == nil {
		p.DuplicateOf = []string{}
	}
}

// InventoryPayload is the result of INVENTORY_OPTIMIZATION.
type InventoryPayload struct {
	Assessment
	PredictedDemand   float64 `json:"predicted_demand"`
	Trend             string  `json:"trend"`
	ReorderPoint      float64 `json:"reorder_point"`
	SuggestedOrderQty float64 `json:"suggested_order_qty"`
	Urgency           string  `json:"urgency"`
}

func (p *InventoryPayload) SubjectType() SubjectType { return SubjectInventoryOptimization }
func (p *InventoryPayload) Base() *Assessment        { return &p.Assessment }
func (p *InventoryPayload) PrimaryField() string     { return "urgency" }
func (p *InventoryPayload) Primary() string          { return p.Urgency }
func (p *InventoryPayload) SetPrimary(v string)      { p.Urgency = v }
func (p *InventoryPayload) Normalize()               { normalizeAssessment(&p.Assessment) }

// PricingPayload is the result of TENDER_PRICING.
type PricingPayload struct {
	Assessment
	RecommendedPrice float64 `json:"recommended_price"`
	PriceRangeMin    float64 `json:"price_range_min"`
	PriceRangeMax    float64 `json:"price_range_max"`
	WinProbability   float64 `json:"win_probability"`
	Strategy         string  `json:"strategy"`
}

func (p *PricingPayload) SubjectType() SubjectType { return SubjectTenderPricing }
func (p *PricingPayload) Base() *Assessment        { return &p.Assessment }
func (p *PricingPayload) PrimaryField() string     { return "strategy" }
func (p *PricingPayload) Primary() string          { return p.Strategy }
func (p *PricingPayload) SetPrimary(v string)      { p.Strategy = v }
func (p *PricingPayload) Normalize()               { normalizeAssessment(&p.Assessment) }

// MarketPayload is the result of TENDER_MARKET_ANALYSIS.
type MarketPayload struct {
	Assessment
	CompetitionLevel  string   `json:"competition_level"`
	MarketTrend       string   `json:"market_trend"`
	AverageAwardValue float64  `json:"average_award_value"`
	KeyRisks          []string `json:"key_risks"`
	Recommendations   []string `json:"recommendations"`
}

func (p *MarketPayload) SubjectType() SubjectType { return SubjectTenderMarketAnalysis }
func (p *MarketPayload) Base() *Assessment        { return &p.Assessment }
func (p *MarketPayload) PrimaryField() string     { return "competition_level" }
func (p *MarketPayload) Primary() string          { return p.CompetitionLevel }
func (p *MarketPayload) SetPrimary(v string)      { p.CompetitionLevel = v }

func (p *MarketPayload) Normalize() {
	normalizeAssessment(&p.Assessment)
	if p.KeyRisks == nil {
		p.KeyRisks = []string{}
	}
	if p.Recommendations == nil {
		p.Recommendations = []string{}
	}
}

func normalizeAssessment(a *Assessment) {
	if a.AnomalyReasons == nil {
		a.AnomalyReasons = []AnomalyReason{}
	}
}

// NewPayload returns an empty, normalized payload for the subject type.
func NewPayload(st SubjectType) (Payload, error) {
	var p Payload
	switch st {
	case SubjectExpenseCategorization:
		p = &ExpensePayload{}
	case SubjectInventoryOptimization:
		p = &InventoryPayload{}
	case SubjectTenderPricing:
		p = &PricingPayload{}
	case SubjectTenderMarketAnalysis:
		p = &MarketPayload{}
	default:
		return nil, eris.Errorf("model: no payload for subject type %q", st)
	}
	p.Normalize()
	return p, nil
}

// DecodePayload unmarshals a stored payload into its concrete type.
func DecodePayload(st SubjectType, raw []byte) (Payload, error) {
	p, err := NewPayload(st)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, eris.Wrapf(err, "model: decode %s payload", st)
	}
	p.Normalize()
	return p, nil
}
