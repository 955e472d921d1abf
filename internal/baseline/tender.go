package baseline

import (
	"fmt"
	"math"

	"github.com/sells-group/advisor/internal/model"
)

// Tender history records carry the outcome ("won" or "lost") as the label.
func tenderOutcomes(tender model.Tender, records []model.HistoryRecord) (won, all []float64, decided int) {
	for _, r := range records {
		if r.ID == tender.ID {
			continue
		}
		status := model.TenderStatus(r.Label)
		if !status.Decided() {
			continue
		}
		decided++
		all = append(all, r.Amount)
		if status == model.TenderWon {
			won = append(won, r.Amount)
		}
	}
	return won, all, decided
}

func (e *Engine) pricing(tender model.Tender, hist model.HistoricalContext) Result {
	p := &model.PricingPayload{}
	res := Result{Payload: p, Summary: Summarize(hist)}

	won, all, decided := tenderOutcomes(tender, hist.Records)

	switch {
	case len(won) > 0:
		p.RecommendedPrice = Mean(won)
		p.Reasoning = fmt.Sprintf("mean of %d winning bids in %s", len(won), scopeOr(hist.Scope, "this category"))
	case len(all) > 0:
		p.RecommendedPrice = Mean(all)
		p.Reasoning = fmt.Sprintf("no wins on record; mean of %d decided bids", len(all))
	default:
		p.RecommendedPrice = tender.EstimatedValue
		p.Reasoning = "no decided tenders in this category; using the estimated value"
		res.Notes = append(res.Notes, "no decided tender history")
	}

	series := won
	if len(series) == 0 {
		series = all
	}
	sigma := StdDev(series)
	if sigma == 0 {
		sigma = 0.1 * p.RecommendedPrice
	}
	p.PriceRangeMin = math.Max(0, p.RecommendedPrice-sigma)
	p.PriceRangeMax = p.RecommendedPrice + sigma

	if decided > 0 {
		p.WinProbability = math.Round(100 * float64(len(won)) / float64(decided))
		p.Confidence = math.Min(75, 35+5*float64(decided))
	} else {
		p.WinProbability = 50
		p.Confidence = 25
	}

	p.Strategy = model.StrategyBalanced
	if est := tender.EstimatedValue; est > 0 {
		switch {
		case p.RecommendedPrice < 0.95*est:
			p.Strategy = model.StrategyAggressive
		case p.RecommendedPrice > 1.05*est:
			p.Strategy = model.StrategyPremium
		}
	}

	p.RecommendedPrice = round2(p.RecommendedPrice)
	p.PriceRangeMin = round2(p.PriceRangeMin)
	p.PriceRangeMax = round2(p.PriceRangeMax)

	if tender.SubmittedPrice > 0 {
		if reason, ok := e.Outlier(model.AnomalyPriceOutlier, tender.SubmittedPrice, all); ok {
			res.Anomalies = append(res.Anomalies, reason)
		}
	}
	return res
}

func (e *Engine) market(tender model.Tender, hist model.HistoricalContext) Result {
	p := &model.MarketPayload{}
	res := Result{Payload: p, Summary: Summarize(hist)}

	won, all, decided := tenderOutcomes(tender, hist.Records)

	winRate := 0.0
	if decided > 0 {
		winRate = float64(len(won)) / float64(decided)
	}
	switch {
	case decided == 0:
		p.CompetitionLevel = model.CompetitionMedium
	case winRate < 0.3:
		p.CompetitionLevel = model.CompetitionHigh
	case winRate < 0.6:
		p.CompetitionLevel = model.CompetitionMedium
	default:
		p.CompetitionLevel = model.CompetitionLow
	}

	if len(won) > 0 {
		p.AverageAwardValue = round2(Mean(won))
	} else {
		p.AverageAwardValue = round2(Mean(all))
	}

	p.MarketTrend = model.TrendStable
	if mu := Mean(hist.Amounts()); hist.Len() >= 2 && mu > 0 {
		slope, _ := LinearTrend(daysSince(hist.Records), hist.Amounts())
		span := hist.Records[hist.Len()-1].Date.Sub(hist.Records[0].Date).Hours() / 24
		p.MarketTrend = classifyChange(slope*span/mu, e.cfg.TrendThreshold)
	}

	if decided == 0 {
		p.Confidence = 20
		p.KeyRisks = append(p.KeyRisks, "no decided tenders in this category to learn from")
		p.Recommendations = append(p.Recommendations, "bid selectively and record outcomes to build history")
		res.Notes = append(res.Notes, "no decided tender history")
	} else {
		p.Confidence = math.Min(70, 30+5*float64(decided))
	}

	if p.CompetitionLevel == model.CompetitionHigh {
		p.KeyRisks = append(p.KeyRisks, fmt.Sprintf("low historical win rate (%.0f%%)", 100*winRate))
		p.Recommendations = append(p.Recommendations, "differentiate on quality or delivery rather than price alone")
	}
	if p.MarketTrend == model.TrendDecreasing {
		p.KeyRisks = append(p.KeyRisks, "award values are falling")
		p.Recommendations = append(p.Recommendations, "review cost base before committing to a price")
	}
	if p.MarketTrend == model.TrendIncreasing {
		p.Recommendations = append(p.Recommendations, "room to price closer to the upper range")
	}
	if est := tender.EstimatedValue; est > 0 && p.AverageAwardValue > 0 && est > 1.5*p.AverageAwardValue {
		p.KeyRisks = append(p.KeyRisks, "estimated value is well above typical awards")
	}
	if len(p.Recommendations) == 0 {
		p.Recommendations = append(p.Recommendations, "price near the historical average award")
	}

	p.Reasoning = fmt.Sprintf("%d of %d decided tenders won; award values %s", len(won), decided, p.MarketTrend)
	return res
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
