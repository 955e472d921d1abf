package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// SubjectType identifies which decision is being computed.
type SubjectType string

const (
	SubjectExpenseCategorization SubjectType = "EXPENSE_CATEGORIZATION"
	SubjectInventoryOptimization SubjectType = "INVENTORY_OPTIMIZATION"
	SubjectTenderPricing         SubjectType = "TENDER_PRICING"
	SubjectTenderMarketAnalysis  SubjectType = "TENDER_MARKET_ANALYSIS"
)

// SubjectTypes lists every supported subject type in a stable order.
var SubjectTypes = []SubjectType{
	SubjectExpenseCategorization,
	SubjectInventoryOptimization,
	SubjectTenderPricing,
	SubjectTenderMarketAnalysis,
}

// Valid reports whether t is a known subject type.
func (t SubjectType) Valid() bool {
	for _, known := range SubjectTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Slug returns the URL form, e.g. "expense-categorization".
func (t SubjectType) Slug() string {
	return strings.ReplaceAll(strings.ToLower(string(t)), "_", "-")
}

// ParseSubjectType accepts the canonical name in any case with either
// underscores or hyphens as separators.
func ParseSubjectType(s string) (SubjectType, error) {
	norm := SubjectType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if !norm.Valid() {
		return "", eris.Errorf("model: unknown subject type %q", s)
	}
	return norm, nil
}

// SourceKind records which path produced a result.
type SourceKind string

const (
	SourceAI       SourceKind = "AI"
	SourceFallback SourceKind = "STATISTICAL_FALLBACK"
)

// FallbackProviderID is stored as the provider for fallback results.
const FallbackProviderID = "fallback"

// Severity grades an anomaly reason.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Severities lists the accepted severity values, lowest first.
var Severities = []string{string(SeverityLow), string(SeverityMedium), string(SeverityHigh)}

// Rank orders severities so they can be compared. Unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Anomaly reason types produced by the statistical baseline.
const (
	AnomalyAmountOutlier = "amount_outlier"
	AnomalyDuplicateRisk = "duplicate_risk"
	AnomalyDemandSpike   = "demand_spike"
	AnomalyPriceOutlier  = "price_outlier"
)

// AnomalyReason explains why a subject was flagged.
type AnomalyReason struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}
