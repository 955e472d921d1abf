// Package schema declares the field-level shape of every decision payload.
// The prompt builder renders it as instructions and the parser validates
// provider output against it.
package schema

import (
	"strings"

	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/taxonomy"
)

// Kind is the JSON type of a field.
type Kind string

const (
	KindString     Kind = "string"
	KindNumber     Kind = "number"
	KindBool       Kind = "boolean"
	KindStringList Kind = "array of strings"
	KindObjectList Kind = "array of objects"
)

// Field describes one payload field.
type Field struct {
	Name        string
	Kind        Kind
	Required    bool
	Enum        []string
	Min, Max    *float64
	Description string
	// Items describes object list elements.
	Items []Field
}

// Accepts resolves v against the field's enum, case-insensitively, and
// returns the canonical spelling. Fields without an enum accept anything.
func (f Field) Accepts(v string) (string, bool) {
	if len(f.Enum) == 0 {
		return v, true
	}
	for _, e := range f.Enum {
		if strings.EqualFold(strings.TrimSpace(v), e) {
			return e, true
		}
	}
	return "", false
}

// Shape is the full field list for one subject type.
type Shape struct {
	SubjectType model.SubjectType
	Fields      []Field
}

// Field looks up a field by name.
func (s Shape) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func bound(v float64) *float64 { return &v }

var assessmentFields = []Field{
	{Name: "confidence", Kind: KindNumber, Required: true, Min: bound(0), Max: bound(100),
		Description: "your confidence in this recommendation from 0 to 100"},
	{Name: "reasoning", Kind: KindString, Required: true,
		Description: "one or two sentences explaining the recommendation"},
	{Name: "is_anomaly", Kind: KindBool, Required: true,
		Description: "true if anything about the subject looks irregular"},
	{Name: "anomaly_reasons", Kind: KindObjectList,
		Description: "why the subject looks irregular; empty when is_anomaly is false",
		Items: []Field{
			{Name: "type", Kind: KindString, Required: true, Description: "short snake_case label"},
			{Name: "severity", Kind: KindString, Required: true, Enum: model.Severities},
			{Name: "message", Kind: KindString, Required: true},
		}},
}

// For returns the shape for st. The expense category enum comes from tax.
func For(st model.SubjectType, tax *taxonomy.Taxonomy) Shape {
	var fields []Field
	switch st {
	case model.SubjectExpenseCategorization:
		names := tax.Names()
		fields = []Field{
			{Name: "category", Kind: KindString, Required: true, Enum: names,
				Description: "the best matching expense category"},
			{Name: "alternatives", Kind: KindObjectList,
				Description: "up to three other plausible categories",
				Items: []Field{
					{Name: "category", Kind: KindString, Required: true, Enum: names},
					{Name: "confidence", Kind: KindNumber, Required: true, Min: bound(0), Max: bound(100)},
				}},
			{Name: "duplicate_of", Kind: KindStringList,
				Description: "ids of historical expenses this one likely duplicates"},
		}
	case model.SubjectInventoryOptimization:
		fields = []Field{
			{Name: "predicted_demand", Kind: KindNumber, Required: true, Min: bound(0),
				Description: "expected units consumed next month"},
			{Name: "trend", Kind: KindString, Required: true, Enum: model.Trends},
			{Name: "reorder_point", Kind: KindNumber, Required: true, Min: bound(0),
				Description: "stock level at which to reorder"},
			{Name: "suggested_order_qty", Kind: KindNumber, Required: true, Min: bound(0),
				Description: "units to order now"},
			{Name: "urgency", Kind: KindString, Required: true, Enum: model.Urgencies},
		}
	case model.SubjectTenderPricing:
		fields = []Field{
			{Name: "recommended_price", Kind: KindNumber, Required: true, Min: bound(0)},
			{Name: "price_range_min", Kind: KindNumber, Required: true, Min: bound(0)},
			{Name: "price_range_max", Kind: KindNumber, Required: true, Min: bound(0)},
			{Name: "win_probability", Kind: KindNumber, Required: true, Min: bound(0), Max: bound(100),
				Description: "estimated chance of winning from 0 to 100"},
			{Name: "strategy", Kind: KindString, Required: true, Enum: model.Strategies},
		}
	case model.SubjectTenderMarketAnalysis:
		fields = []Field{
			{Name: "competition_level", Kind: KindString, Required: true, Enum: model.CompetitionLevels},
			{Name: "market_trend", Kind: KindString, Required: true, Enum: model.Trends,
				Description: "direction of award values in this category"},
			{Name: "average_award_value", Kind: KindNumber, Required: true, Min: bound(0)},
			{Name: "key_risks", Kind: KindStringList, Required: true},
			{Name: "recommendations", Kind: KindStringList, Required: true},
		}
	}
	return Shape{SubjectType: st, Fields: append(fields, assessmentFields...)}
}
