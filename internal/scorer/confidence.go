// Package scorer normalizes confidence and merges anomaly signals for
// decision payloads, whichever path produced them.
package scorer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/advisor/internal/config"
	"github.com/sells-group/advisor/internal/model"
)

// DefaultScorerConfig returns a config.ScorerConfig with sensible defaults.
func DefaultScorerConfig() config.ScorerConfig {
	return config.ScorerConfig{
		FallbackCeiling: 50,
	}
}

// ValidateConfig checks that a ScorerConfig is internally consistent.
func ValidateConfig(c config.ScorerConfig) error {
	var errs []string
	if c.FallbackCeiling <= 0 || c.FallbackCeiling > 100 {
		errs = append(errs, fmt.Sprintf("fallback_ceiling must be in (0, 100], got %g", c.FallbackCeiling))
	}
	if len(errs) > 0 {
		return eris.New("scorer: invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}

// Score is the normalized assessment of a payload.
type Score struct {
	Confidence float64
	IsAnomaly  bool
	Reasons    []model.AnomalyReason
}

// Scorer applies confidence bounds and anomaly merging.
type Scorer struct {
	cfg config.ScorerConfig
}

// New creates a Scorer. A zero ceiling uses the default.
func New(cfg config.ScorerConfig) *Scorer {
	if cfg.FallbackCeiling <= 0 {
		cfg.FallbackCeiling = DefaultScorerConfig().FallbackCeiling
	}
	return &Scorer{cfg: cfg}
}

// FallbackCeiling returns the confidence cap for fallback results.
func (s *Scorer) FallbackCeiling() float64 { return s.cfg.FallbackCeiling }

// Score clamps the payload confidence to [0,100], caps fallback results at
// the ceiling and ORs the payload's own anomaly flag with the baseline
// reasons. The result is written back into the payload.
func (s *Scorer) Score(p model.Payload, kind model.SourceKind, baseline []model.AnomalyReason) Score {
	base := p.Base()

	conf := Clamp(base.Confidence, 0, 100)
	if kind == model.SourceFallback {
		conf = math.Min(conf, s.cfg.FallbackCeiling)
	}
	conf = math.Round(conf*100) / 100

	reasons := MergeReasons(base.AnomalyReasons, baseline)
	out := Score{
		Confidence: conf,
		IsAnomaly:  base.IsAnomaly || len(reasons) > 0,
		Reasons:    reasons,
	}

	base.Confidence = out.Confidence
	base.IsAnomaly = out.IsAnomaly
	base.AnomalyReasons = out.Reasons
	return out
}

// Clamp bounds v to [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// MergeReasons unions reason lists, keeping one reason per type with the
// highest severity. Output is ordered by severity, then type.
func MergeReasons(lists ...[]model.AnomalyReason) []model.AnomalyReason {
	byType := make(map[string]model.AnomalyReason)
	for _, list := range lists {
		for _, r := range list {
			key := strings.ToLower(strings.TrimSpace(r.Type))
			if key == "" {
				key = "unspecified"
				r.Type = key
			}
			if prev, ok := byType[key]; !ok || r.Severity.Rank() > prev.Severity.Rank() {
				byType[key] = r
			}
		}
	}
	out := make([]model.AnomalyReason, 0, len(byType))
	for _, r := range byType {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		return out[i].Type < out[j].Type
	})
	return out
}
