package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/advisor/internal/baseline"
	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/store"
)

// Strategy holds the subject-specific steps of the pipeline. The state
// machine in Service is shared by every subject type.
type Strategy interface {
	// Load reads the subject entity.
	Load(ctx context.Context, r store.DomainReader, id string) (baseline.Input, error)
	// Apply overlays query parameters onto the loaded subject and returns
	// the parameter map rendered into the prompt.
	Apply(in *baseline.Input, params map[string]any) (map[string]any, error)
	// History loads related records, oldest first.
	History(ctx context.Context, r store.DomainReader, in baseline.Input, limit int) (model.HistoricalContext, error)
}

func strategyFor(st model.SubjectType) (Strategy, bool) {
	switch st {
	case model.SubjectExpenseCategorization:
		return expenseStrategy{}, true
	case model.SubjectInventoryOptimization:
		return inventoryStrategy{}, true
	case model.SubjectTenderPricing, model.SubjectTenderMarketAnalysis:
		return tenderStrategy{}, true
	default:
		return nil, false
	}
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return eris.Wrapf(ErrSubjectNotFound, "%s %q", kind, id)
	}
	return eris.Wrapf(err, "decision: load %s %s", kind, id)
}

type expenseStrategy struct{}

func (expenseStrategy) Load(ctx context.Context, r store.DomainReader, id string) (baseline.Input, error) {
	e, err := r.GetExpense(ctx, id)
	if err != nil {
		return baseline.Input{}, notFound(err, "expense", id)
	}
	return baseline.Input{Expense: e}, nil
}

func (expenseStrategy) Apply(in *baseline.Input, params map[string]any) (map[string]any, error) {
	e := in.Expense
	extra, err := overlay(params, map[string]setter{
		"description": stringField(&e.Description),
		"vendor":      stringField(&e.Vendor),
		"category":    stringField(&e.Category),
		"amount":      numberField(&e.Amount),
		"date":        dateField(&e.Date),
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"expense_id":  e.ID,
		"description": e.Description,
		"amount":      e.Amount,
		"vendor":      e.Vendor,
		"date":        e.Date.Format(time.DateOnly),
	}
	if e.Category != "" {
		out["current_category"] = e.Category
	}
	return merge(out, extra), nil
}

func (expenseStrategy) History(ctx context.Context, r store.DomainReader, in baseline.Input, limit int) (model.HistoricalContext, error) {
	e := in.Expense
	hist := model.HistoricalContext{Scope: "vendor=" + e.Vendor}
	rows, err := r.ExpenseHistory(ctx, e.Vendor, e.ID, limit)
	if err != nil {
		return hist, eris.Wrap(err, "decision: expense history")
	}
	for _, x := range rows {
		hist.Records = append(hist.Records, model.HistoryRecord{
			ID:          x.ID,
			Amount:      x.Amount,
			Date:        x.Date,
			Label:       x.Label(),
			Description: x.Description,
		})
	}
	return hist, nil
}

type inventoryStrategy struct{}

func (inventoryStrategy) Load(ctx context.Context, r store.DomainReader, id string) (baseline.Input, error) {
	p, err := r.GetProduct(ctx, id)
	if err != nil {
		return baseline.Input{}, notFound(err, "product", id)
	}
	return baseline.Input{Product: p}, nil
}

func (inventoryStrategy) Apply(in *baseline.Input, params map[string]any) (map[string]any, error) {
	p := in.Product
	extra, err := overlay(params, map[string]setter{
		"current_stock":   numberField(&p.CurrentStock),
		"min_stock_level": numberField(&p.MinStockLevel),
		"max_stock_level": numberField(&p.MaxStockLevel),
		"reorder_point":   numberField(&p.ReorderPoint),
		"unit_cost":       numberField(&p.UnitCost),
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"product_id":      p.ID,
		"name":            p.Name,
		"current_stock":   p.CurrentStock,
		"min_stock_level": p.MinStockLevel,
		"max_stock_level": p.MaxStockLevel,
		"reorder_point":   p.ReorderPoint,
	}
	if p.SKU != "" {
		out["sku"] = p.SKU
	}
	if p.Category != "" {
		out["category"] = p.Category
	}
	if p.UnitCost > 0 {
		out["unit_cost"] = p.UnitCost
	}
	return merge(out, extra), nil
}

func (inventoryStrategy) History(ctx context.Context, r store.DomainReader, in baseline.Input, limit int) (model.HistoricalContext, error) {
	p := in.Product
	hist := model.HistoricalContext{Scope: "product=" + p.ID}
	rows, err := r.ProductMovements(ctx, p.ID, limit)
	if err != nil {
		return hist, eris.Wrap(err, "decision: product movements")
	}
	for _, m := range rows {
		hist.Records = append(hist.Records, model.HistoryRecord{
			ID:     m.ID,
			Amount: m.Quantity,
			Date:   m.Date,
			Label:  m.Direction,
		})
	}
	return hist, nil
}

// tenderStrategy serves both pricing and market analysis; they differ only
// in payload shape and baseline rules.
type tenderStrategy struct{}

func (tenderStrategy) Load(ctx context.Context, r store.DomainReader, id string) (baseline.Input, error) {
	t, err := r.GetTender(ctx, id)
	if err != nil {
		return baseline.Input{}, notFound(err, "tender", id)
	}
	return baseline.Input{Tender: t}, nil
}

func (tenderStrategy) Apply(in *baseline.Input, params map[string]any) (map[string]any, error) {
	t := in.Tender
	extra, err := overlay(params, map[string]setter{
		"title":           stringField(&t.Title),
		"category":        stringField(&t.Category),
		"authority":       stringField(&t.Authority),
		"description":     stringField(&t.Description),
		"estimated_value": numberField(&t.EstimatedValue),
		"submitted_price": numberField(&t.SubmittedPrice),
		"status":          statusField(&t.Status),
	})
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"tender_id":       t.ID,
		"title":           t.Title,
		"category":        t.Category,
		"estimated_value": t.EstimatedValue,
		"status":          string(t.Status),
	}
	if t.Authority != "" {
		out["authority"] = t.Authority
	}
	if t.Description != "" {
		out["description"] = t.Description
	}
	if t.SubmittedPrice > 0 {
		out["submitted_price"] = t.SubmittedPrice
	}
	if t.Deadline != nil {
		out["deadline"] = t.Deadline.Format(time.DateOnly)
	}
	return merge(out, extra), nil
}

func (tenderStrategy) History(ctx context.Context, r store.DomainReader, in baseline.Input, limit int) (model.HistoricalContext, error) {
	t := in.Tender
	hist := model.HistoricalContext{Scope: "category=" + t.Category}
	rows, err := r.TenderHistory(ctx, t.Category, t.ID, limit)
	if err != nil {
		return hist, eris.Wrap(err, "decision: tender history")
	}
	for _, x := range rows {
		hist.Records = append(hist.Records, model.HistoryRecord{
			ID:          x.ID,
			Amount:      x.Price(),
			Date:        x.CreatedAt,
			Label:       string(x.Status),
			Description: x.Title,
		})
	}
	return hist, nil
}

// setter applies one typed parameter to the loaded subject.
type setter func(v any) error

// overlay applies known parameters through their setters and returns the
// remaining ones, which reach the prompt unchanged.
func overlay(params map[string]any, known map[string]setter) (map[string]any, error) {
	extra := make(map[string]any)
	for k, v := range params {
		set, ok := known[k]
		if !ok {
			extra[k] = v
			continue
		}
		if err := set(v); err != nil {
			return nil, invalidf("parameter %q: %v", k, err)
		}
	}
	return extra, nil
}

func merge(base, extra map[string]any) map[string]any {
	for k, v := range extra {
		if _, ok := base[k]; !ok {
			base[k] = v
		}
	}
	return base
}

func stringField(dst *string) setter {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", v)
		}
		*dst = strings.TrimSpace(s)
		return nil
	}
}

func numberField(dst *float64) setter {
	return func(v any) error {
		f, ok := number(v)
		if !ok {
			return fmt.Errorf("want number, got %T", v)
		}
		if f < 0 {
			return fmt.Errorf("must not be negative")
		}
		*dst = f
		return nil
	}
}

func dateField(dst *time.Time) setter {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("want date string, got %T", v)
		}
		for _, layout := range []string{time.DateOnly, time.RFC3339} {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				*dst = t.UTC()
				return nil
			}
		}
		return fmt.Errorf("%q is not a date", s)
	}
}

func statusField(dst *model.TenderStatus) setter {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", v)
		}
		st := model.TenderStatus(strings.ToLower(strings.TrimSpace(s)))
		switch st {
		case model.TenderDraft, model.TenderInProgress, model.TenderSubmitted,
			model.TenderWon, model.TenderLost, model.TenderCancelled:
			*dst = st
			return nil
		}
		return fmt.Errorf("unknown tender status %q", s)
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// validateParameters rejects non-scalar values.
func validateParameters(params map[string]any) error {
	for k, v := range params {
		if strings.TrimSpace(k) == "" {
			return invalidf("empty parameter name")
		}
		switch v.(type) {
		case string, bool, float64, float32, int, int64, json.Number:
		default:
			return invalidf("parameter %q: %T is not a scalar", k, v)
		}
	}
	return nil
}
