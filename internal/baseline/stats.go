package baseline

import (
	"math"
	"time"

	"github.com/sells-group/advisor/internal/model"
)

// Mean returns the arithmetic mean, or 0 for an empty series.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev returns the population standard deviation.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mu := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - mu
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// MovingAverage returns the simple moving average with the given window.
// The output has len(xs)-window+1 points; a window larger than the series
// collapses to the overall mean.
func MovingAverage(xs []float64, window int) []float64 {
	if len(xs) == 0 {
		return nil
	}
	if window <= 1 {
		out := make([]float64, len(xs))
		copy(out, xs)
		return out
	}
	if window > len(xs) {
		return []float64{Mean(xs)}
	}
	out := make([]float64, 0, len(xs)-window+1)
	var sum float64
	for i, x := range xs {
		sum += x
		if i >= window {
			sum -= xs[i-window]
		}
		if i >= window-1 {
			out = append(out, sum/float64(window))
		}
	}
	return out
}

// LinearTrend fits y = slope*x + intercept by least squares. Degenerate
// inputs yield a flat line through the mean of ys.
func LinearTrend(xs, ys []float64) (slope, intercept float64) {
	n := len(xs)
	if n != len(ys) || n == 0 {
		return 0, 0
	}
	mx, my := Mean(xs), Mean(ys)
	var num, den float64
	for i := range xs {
		dx := xs[i] - mx
		num += dx * (ys[i] - my)
		den += dx * dx
	}
	if den == 0 {
		return 0, my
	}
	slope = num / den
	return slope, my - slope*mx
}

// Summary condenses a history series for prompts and reasoning text.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	// RecentAverage is the last point of a 3-record moving average.
	RecentAverage float64 `json:"recent_average"`
	// SlopePer30d is the fitted change in amount per 30 days.
	SlopePer30d float64   `json:"slope_per_30d"`
	First       time.Time `json:"first"`
	Last        time.Time `json:"last"`
}

// Summarize computes a Summary over the amounts of hist.
func Summarize(hist model.HistoricalContext) Summary {
	n := hist.Len()
	if n == 0 {
		return Summary{}
	}
	amounts := hist.Amounts()
	s := Summary{
		Count:  n,
		Mean:   Mean(amounts),
		StdDev: StdDev(amounts),
		Min:    amounts[0],
		Max:    amounts[0],
		First:  hist.Records[0].Date,
		Last:   hist.Records[n-1].Date,
	}
	for _, a := range amounts {
		s.Min = math.Min(s.Min, a)
		s.Max = math.Max(s.Max, a)
	}
	if ma := MovingAverage(amounts, 3); len(ma) > 0 {
		s.RecentAverage = ma[len(ma)-1]
	}
	slope, _ := LinearTrend(daysSince(hist.Records), amounts)
	s.SlopePer30d = slope * 30
	return s
}

func daysSince(records []model.HistoryRecord) []float64 {
	out := make([]float64, len(records))
	if len(records) == 0 {
		return out
	}
	origin := records[0].Date
	for i, r := range records {
		out[i] = r.Date.Sub(origin).Hours() / 24
	}
	return out
}

// classifyChange maps a relative change to a trend label.
func classifyChange(change, threshold float64) string {
	switch {
	case change >= threshold:
		return model.TrendIncreasing
	case change <= -threshold:
		return model.TrendDecreasing
	default:
		return model.TrendStable
	}
}
