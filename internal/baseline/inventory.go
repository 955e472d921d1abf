package baseline

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sells-group/advisor/internal/model"
)

// MonthlyTotals sums outbound quantities per calendar month, oldest first.
// Records labelled "in" are receipts and are skipped.
func MonthlyTotals(records []model.HistoryRecord) []float64 {
	totals := make(map[time.Time]float64)
	for _, r := range records {
		if r.Label == model.DirectionIn {
			continue
		}
		d := r.Date.UTC()
		totals[time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)] += r.Amount
	}
	months := make([]time.Time, 0, len(totals))
	for m := range totals {
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	out := make([]float64, len(months))
	for i, m := range months {
		out[i] = totals[m]
	}
	return out
}

// HalvesTrend compares the means of the first and second halves of series.
// An odd middle element is left out.
func HalvesTrend(series []float64, threshold float64) string {
	if len(series) < 2 {
		return model.TrendStable
	}
	half := len(series) / 2
	first := Mean(series[:half])
	second := Mean(series[len(series)-half:])
	if first == 0 {
		if second > 0 {
			return model.TrendIncreasing
		}
		return model.TrendStable
	}
	return classifyChange((second-first)/first, threshold)
}

func (e *Engine) inventory(prod model.Product, hist model.HistoricalContext) Result {
	p := &model.InventoryPayload{}
	res := Result{Payload: p, Summary: Summarize(hist)}

	monthly := MonthlyTotals(hist.Records)
	if len(monthly) == 0 {
		p.PredictedDemand = math.Round(prod.CurrentStock * e.cfg.EmptyHistoryStockFraction)
		p.Trend = model.TrendStable
		p.Confidence = 25
		res.Notes = append(res.Notes, "no outbound movement history; demand estimated from current stock")
	} else {
		p.PredictedDemand = math.Round(Mean(monthly))
		p.Trend = HalvesTrend(monthly, e.cfg.TrendThreshold)
		// More months of history make the average more trustworthy.
		p.Confidence = math.Min(80, 40+5*float64(len(monthly)))
	}

	p.ReorderPoint = math.Max(prod.ReorderPoint, prod.MinStockLevel)
	p.SuggestedOrderQty = math.Max(prod.MaxStockLevel-prod.CurrentStock, prod.MinStockLevel)

	switch {
	case prod.CurrentStock <= 0:
		p.Urgency = model.UrgencyCritical
	case prod.CurrentStock < e.cfg.HighUrgencyFraction*prod.MinStockLevel:
		p.Urgency = model.UrgencyHigh
	default:
		p.Urgency = model.UrgencyMedium
	}

	p.Reasoning = fmt.Sprintf("stock %.0f against minimum %.0f; %d month(s) of outbound history averaging %.0f units, trend %s",
		prod.CurrentStock, prod.MinStockLevel, len(monthly), p.PredictedDemand, p.Trend)

	if len(monthly) >= 3 {
		last := monthly[len(monthly)-1]
		if reason, ok := e.Outlier(model.AnomalyDemandSpike, last, monthly[:len(monthly)-1]); ok {
			res.Anomalies = append(res.Anomalies, reason)
		}
	}
	return res
}
