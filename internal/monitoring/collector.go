package monitoring

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/store"
)

// maxSnapshotResults bounds how many results one snapshot reads.
const maxSnapshotResults = 10000

// MetricsSnapshot holds a point-in-time view of decision health.
type MetricsSnapshot struct {
	// Results computed within the lookback window.
	Total         int            `json:"total"`
	AI            int            `json:"ai"`
	Fallback      int            `json:"fallback"`
	FallbackRate  float64        `json:"fallback_rate"`
	Anomalies     int            `json:"anomalies"`
	AnomalyRate   float64        `json:"anomaly_rate"`
	Confirmed     int            `json:"confirmed"`
	Overridden    int            `json:"overridden"`
	AvgConfidence float64        `json:"avg_confidence"`
	BySubjectType map[string]int `json:"by_subject_type"`
	ByProvider    map[string]int `json:"by_provider"`

	// CostUSD is provider spend observed by this process since start.
	CostUSD float64 `json:"cost_usd"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// ResultLister is the store method the collector needs.
type ResultLister interface {
	ListResults(ctx context.Context, filter store.ResultFilter) ([]model.DecisionResult, error)
}

// CostSource reports accumulated provider spend.
type CostSource interface {
	TotalCostUSD() float64
}

// Collector gathers snapshots from stored results.
type Collector struct {
	results ResultLister
	costs   CostSource
	now     func() time.Time
}

// NewCollector creates a collector. costs may be nil.
func NewCollector(results ResultLister, costs CostSource) *Collector {
	return &Collector{results: results, costs: costs, now: time.Now}
}

// Collect summarizes results computed in the last lookbackHours.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		BySubjectType: make(map[string]int),
		ByProvider:    make(map[string]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	results, err := c.results.ListResults(ctx, store.ResultFilter{
		Since: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit: maxSnapshotResults,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list results")
	}

	var confidence float64
	for _, r := range results {
		snap.Total++
		switch r.SourceKind {
		case model.SourceAI:
			snap.AI++
		case model.SourceFallback:
			snap.Fallback++
		}
		if r.IsAnomaly {
			snap.Anomalies++
		}
		if r.IsConfirmed {
			snap.Confirmed++
		}
		if r.Override != nil {
			snap.Overridden++
		}
		confidence += r.ConfidenceScore
		snap.BySubjectType[r.SubjectType.Slug()]++
		snap.ByProvider[r.ProviderID]++
	}

	if snap.Total > 0 {
		n := float64(snap.Total)
		snap.FallbackRate = float64(snap.Fallback) / n
		snap.AnomalyRate = float64(snap.Anomalies) / n
		snap.AvgConfidence = math.Round(confidence/n*100) / 100
	}
	if c.costs != nil {
		snap.CostUSD = c.costs.TotalCostUSD()
	}
	return snap, nil
}
