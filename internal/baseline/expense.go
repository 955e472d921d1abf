package baseline

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/taxonomy"
)

var fold = cases.Fold()

func (e *Engine) expense(exp model.Expense, hist model.HistoricalContext) Result {
	records := make([]model.HistoryRecord, 0, hist.Len())
	for _, r := range hist.Records {
		if r.ID != exp.ID {
			records = append(records, r)
		}
	}

	p := &model.ExpensePayload{}
	res := Result{Payload: p, Summary: Summarize(model.HistoricalContext{Scope: hist.Scope, Records: records})}

	counts := make(map[string]int)
	var order []string
	for _, r := range records {
		name, ok := e.tax.Canonical(r.Label)
		if !ok {
			continue
		}
		if counts[name] == 0 {
			order = append(order, name)
		}
		counts[name]++
	}
	sort.SliceStable(order, func(a, b int) bool { return counts[order[a]] > counts[order[b]] })

	labelled := 0
	for _, n := range counts {
		labelled += n
	}

	switch {
	case labelled > 0:
		p.Category = order[0]
		share := float64(counts[p.Category]) / float64(labelled)
		p.Confidence = math.Round(40 + 50*share)
		p.Reasoning = fmt.Sprintf("%d of %d prior categorized expenses in %s were %s",
			counts[p.Category], labelled, scopeOr(hist.Scope, "history"), p.Category)
		for _, name := range order[1:] {
			if len(p.Alternatives) == 3 {
				break
			}
			p.Alternatives = append(p.Alternatives, model.CategoryScore{
				Category:   name,
				Confidence: math.Round(100 * float64(counts[name]) / float64(labelled)),
			})
		}
	default:
		matches := e.tax.KeywordMatch(exp.Description + " " + exp.Vendor)
		if len(matches) > 0 {
			p.Category = matches[0].Category
			p.Confidence = keywordOnlyConfidence
			p.Reasoning = fmt.Sprintf("no categorized history; description matches %d %s keyword(s)",
				matches[0].Hits, p.Category)
			total := 0
			for _, m := range matches {
				total += m.Hits
			}
			for _, m := range matches[1:] {
				if len(p.Alternatives) == 3 {
					break
				}
				p.Alternatives = append(p.Alternatives, model.CategoryScore{
					Category:   m.Category,
					Confidence: math.Round(100 * float64(m.Hits) / float64(total)),
				})
			}
		} else if name, ok := e.tax.Canonical(exp.Category); ok {
			p.Category = name
			p.Confidence = keywordOnlyConfidence
			p.Reasoning = "no categorized history; keeping the recorded category"
		} else {
			p.Category = taxonomy.Other
			p.Confidence = noHistoryConfidence
			p.Reasoning = "no categorized history and no keyword match"
		}
		res.Notes = append(res.Notes, "no categorized history for this vendor; category inferred without statistics")
	}

	if len(records) == 0 {
		res.Notes = append(res.Notes, "no historical expenses available")
	}

	if reason, ok := e.Outlier(model.AnomalyAmountOutlier, exp.Amount, sameLabelAmounts(exp, records)); ok {
		res.Anomalies = append(res.Anomalies, reason)
	}

	p.DuplicateOf = e.Duplicates(exp, records)
	if len(p.DuplicateOf) > 0 {
		res.Anomalies = append(res.Anomalies, model.AnomalyReason{
			Type:     model.AnomalyDuplicateRisk,
			Severity: model.SeverityMedium,
			Message: fmt.Sprintf("same amount, label and description as %s within %d days",
				strings.Join(p.DuplicateOf, ", "), e.cfg.DuplicateWindowDays),
		})
	}
	return res
}

// sameLabelAmounts returns the amounts sharing the expense's label, or all
// amounts when fewer than two share it.
func sameLabelAmounts(exp model.Expense, records []model.HistoryRecord) []float64 {
	label := fold.String(exp.Label())
	var same, all []float64
	for _, r := range records {
		all = append(all, r.Amount)
		if fold.String(r.Label) == label {
			same = append(same, r.Amount)
		}
	}
	if len(same) >= 2 {
		return same
	}
	return all
}

// Duplicates returns the ids of records that look like the same expense:
// equal amount and label, overlapping description prefix, and dated within
// the duplicate window.
func (e *Engine) Duplicates(exp model.Expense, records []model.HistoryRecord) []string {
	label := fold.String(strings.TrimSpace(exp.Label()))
	prefix := e.descriptionPrefix(exp.Description)
	window := float64(e.cfg.DuplicateWindowDays)
	var out []string
	for _, r := range records {
		if r.ID == exp.ID || math.Abs(r.Amount-exp.Amount) >= 0.005 {
			continue
		}
		if fold.String(strings.TrimSpace(r.Label)) != label {
			continue
		}
		other := e.descriptionPrefix(r.Description)
		if prefix == "" || other == "" {
			continue
		}
		if !strings.HasPrefix(prefix, other) && !strings.HasPrefix(other, prefix) {
			continue
		}
		if math.Abs(exp.Date.Sub(r.Date).Hours()/24) > window {
			continue
		}
		out = append(out, r.ID)
	}
	return out
}

func (e *Engine) descriptionPrefix(s string) string {
	s = strings.Join(strings.Fields(fold.String(s)), " ")
	if utf8.RuneCountInString(s) <= e.cfg.DuplicatePrefixLen {
		return s
	}
	return string([]rune(s)[:e.cfg.DuplicatePrefixLen])
}

func scopeOr(scope, def string) string {
	if scope == "" {
		return def
	}
	return scope
}
