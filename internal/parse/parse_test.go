package parse

import (
	"errors"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/advisor/internal/model"
)

const expenseJSON = `{
  "category": "Office_Supplies",
  "alternatives": [{"category": "hardware", "confidence": 12}],
  "duplicate_of": [],
  "confidence": 86,
  "reasoning": "chairs {and} desks",
  "is_anomaly": false,
  "anomaly_reasons": [],
  "vendor_guess": "ignored"
}`

func TestParse_Expense(t *testing.T) {
	p, err := Parse(model.SubjectExpenseCategorization, nil, expenseJSON)
	require.NoError(t, err)

	exp, ok := p.(*model.ExpensePayload)
	require.True(t, ok)
	assert.Equal(t, "office_supplies", exp.Category)
	assert.Equal(t, []model.CategoryScore{{Category: "hardware", Confidence: 12}}, exp.Alternatives)
	assert.Equal(t, 86.0, exp.Confidence)
	assert.Equal(t, "chairs {and} desks", exp.Reasoning)
	assert.NotNil(t, exp.DuplicateOf)
}

func TestParse_StripsWrappers(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"fenced json", "```json\n" + expenseJSON + "\n```"},
		{"bare fence", "```\n" + expenseJSON + "\n```"},
		{"leading prose", "Sure! Here is the analysis:\n\n" + expenseJSON + "\n\nLet me know if you need more."},
		{"prose and fence", "Result:\n```json\n" + expenseJSON + "\n```\nThanks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(model.SubjectExpenseCategorization, nil, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, "office_supplies", p.Primary())
		})
	}
}

func TestParse_Inventory(t *testing.T) {
	raw := `{"predicted_demand": 40, "trend": "INCREASING", "reorder_point": 20,
		"suggested_order_qty": 80, "urgency": "high", "confidence": 0.72,
		"reasoning": "r", "is_anomaly": true,
		"anomaly_reasons": [{"type": "demand_spike", "severity": "High", "message": "m"}]}`

	p, err := Parse(model.SubjectInventoryOptimization, nil, raw)
	require.NoError(t, err)
	inv := p.(*model.InventoryPayload)
	assert.Equal(t, model.TrendIncreasing, inv.Trend)
	assert.InDelta(t, 72, inv.Confidence, 1e-9)
	require.Len(t, inv.AnomalyReasons, 1)
	assert.Equal(t, model.SeverityHigh, inv.AnomalyReasons[0].Severity)
}

func TestParse_OptionalFieldsDefaultEmpty(t *testing.T) {
	raw := `{"category": "travel", "confidence": 70, "reasoning": "r", "is_anomaly": false}`
	p, err := Parse(model.SubjectExpenseCategorization, nil, raw)
	require.NoError(t, err)
	exp := p.(*model.ExpensePayload)
	assert.Empty(t, exp.Alternatives)
	assert.NotNil(t, exp.Alternatives)
	assert.NotNil(t, exp.AnomalyReasons)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		st     model.SubjectType
		raw    string
		field  string
		reason string
	}{
		{"no object", model.SubjectTenderPricing, "I cannot help with that.", "", "no JSON object"},
		{"unbalanced", model.SubjectTenderPricing, `{"recommended_price": 1`, "", "no JSON object"},
		{"invalid json", model.SubjectTenderPricing, `{"recommended_price": 1,}`, "", "invalid JSON"},
		{"missing required", model.SubjectTenderPricing,
			`{"recommended_price": 1, "price_range_min": 1, "price_range_max": 2, "win_probability": 50, "confidence": 60, "reasoning": "r", "is_anomaly": false}`,
			"strategy", "required field missing"},
		{"bad enum", model.SubjectTenderPricing,
			`{"recommended_price": 1, "price_range_min": 1, "price_range_max": 2, "win_probability": 50, "strategy": "yolo", "confidence": 60, "reasoning": "r", "is_anomaly": false}`,
			"strategy", "not one of"},
		{"wrong type", model.SubjectTenderPricing,
			`{"recommended_price": "1000", "price_range_min": 1, "price_range_max": 2, "win_probability": 50, "strategy": "balanced", "confidence": 60, "reasoning": "r", "is_anomaly": false}`,
			"recommended_price", "expected number"},
		{"negative price", model.SubjectTenderPricing,
			`{"recommended_price": -5, "price_range_min": 1, "price_range_max": 2, "win_probability": 50, "strategy": "balanced", "confidence": 60, "reasoning": "r", "is_anomaly": false}`,
			"recommended_price", "below minimum"},
		{"win probability above maximum", model.SubjectTenderPricing,
			`{"recommended_price": 100, "price_range_min": 80, "price_range_max": 120, "win_probability": 250, "strategy": "balanced", "confidence": 60, "reasoning": "r", "is_anomaly": false}`,
			"win_probability", "above maximum"},
		{"inverted price range", model.SubjectTenderPricing,
			`{"recommended_price": 100, "price_range_min": 120, "price_range_max": 80, "win_probability": 50, "strategy": "balanced", "confidence": 60, "reasoning": "r", "is_anomaly": false}`,
			"price_range_min", "exceeds price_range_max"},
		{"recommended outside range", model.SubjectTenderPricing,
			`{"recommended_price": 150, "price_range_min": 80, "price_range_max": 120, "win_probability": 50, "strategy": "premium", "confidence": 60, "reasoning": "r", "is_anomaly": false}`,
			"recommended_price", "outside the range"},
		{"alternative confidence above maximum", model.SubjectExpenseCategorization,
			`{"category": "travel", "alternatives": [{"category": "hardware", "confidence": 140}], "confidence": 60, "reasoning": "r", "is_anomaly": false}`,
			"alternatives[0].confidence", "above maximum"},
		{"category outside taxonomy", model.SubjectExpenseCategorization,
			`{"category": "furniture", "confidence": 60, "reasoning": "r", "is_anomaly": false}`,
			"category", "not one of"},
		{"nested item", model.SubjectExpenseCategorization,
			`{"category": "travel", "confidence": 60, "reasoning": "r", "is_anomaly": true, "anomaly_reasons": [{"type": "x", "severity": "extreme", "message": "m"}]}`,
			"anomaly_reasons[0].severity", "not one of"},
		{"list element type", model.SubjectTenderMarketAnalysis,
			`{"competition_level": "low", "market_trend": "stable", "average_award_value": 10, "key_risks": [1], "recommendations": [], "confidence": 60, "reasoning": "r", "is_anomaly": false}`,
			"key_risks[0]", "expected string"},
		{"bool as string", model.SubjectTenderMarketAnalysis,
			`{"competition_level": "low", "market_trend": "stable", "average_award_value": 10, "key_risks": [], "recommendations": [], "confidence": 60, "reasoning": "r", "is_anomaly": "no"}`,
			"is_anomaly", "expected boolean"},
		{"unknown type", model.SubjectType("NOPE"), expenseJSON, "", "unknown subject type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.st, nil, tt.raw)
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.field, pe.Field)
			assert.Contains(t, pe.Reason, tt.reason)
			assert.Equal(t, tt.st, pe.SubjectType)
		})
	}
}

func TestParse_NegativeConfidenceKeptForScorer(t *testing.T) {
	raw := `{"category": "travel", "confidence": -20, "reasoning": "r", "is_anomaly": false}`
	p, err := Parse(model.SubjectExpenseCategorization, nil, raw)
	require.NoError(t, err)
	assert.Equal(t, -20.0, p.Base().Confidence)
}

func TestParse_OverMaxConfidenceKeptForScorer(t *testing.T) {
	raw := `{"category": "travel", "confidence": 130, "reasoning": "r", "is_anomaly": false}`
	p, err := Parse(model.SubjectExpenseCategorization, nil, raw)
	require.NoError(t, err)
	assert.Equal(t, 130.0, p.Base().Confidence)
}

func TestParse_TenderPricingWithinRange(t *testing.T) {
	raw := `{"recommended_price": 100, "price_range_min": 100, "price_range_max": 120, "win_probability": 100, "strategy": "balanced", "confidence": 60, "reasoning": "r", "is_anomaly": false}`
	p, err := Parse(model.SubjectTenderPricing, nil, raw)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyBalanced, p.Primary())
}

func TestParseError_TruncatesRaw(t *testing.T) {
	raw := strings.Repeat("x", 2000)
	_, err := Parse(model.SubjectTenderPricing, nil, raw)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Len(t, pe.Raw, maxRawInError+3)
	assert.Contains(t, pe.Error(), "parse: TENDER_PRICING")
}

func TestIsParseError(t *testing.T) {
	_, err := Parse(model.SubjectTenderPricing, nil, "nothing")
	assert.True(t, IsParseError(eris.Wrap(err, "wrapped")))
	assert.False(t, IsParseError(errors.New("other")))
}

func TestFirstObject(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`x {"a": {"b": 1}} y {"c": 2}`, `{"a": {"b": 1}}`, true},
		{`{"s": "brace } inside"}`, `{"s": "brace } inside"}`, true},
		{`{"s": "quote \" and }"}`, `{"s": "quote \" and }"}`, true},
		{`{ open {"ok": true}`, `{"ok": true}`, true},
		{`none`, ``, false},
	}
	for _, tt := range tests {
		got, ok := FirstObject(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
