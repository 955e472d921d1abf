// Package prompt renders decision requests into provider prompts.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/advisor/internal/baseline"
	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/schema"
	"github.com/sells-group/advisor/internal/taxonomy"
)

// DefaultHistoryLimit is how many recent history records a prompt shows.
const DefaultHistoryLimit = 10

// Text is a rendered prompt.
type Text struct {
	System string
	User   string
}

// Builder renders prompts. It performs no I/O.
type Builder struct {
	tax          *taxonomy.Taxonomy
	historyLimit int
}

// NewBuilder creates a builder. historyLimit <= 0 uses DefaultHistoryLimit.
func NewBuilder(tax *taxonomy.Taxonomy, historyLimit int) *Builder {
	if tax == nil {
		tax = taxonomy.Default()
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Builder{tax: tax, historyLimit: historyLimit}
}

const systemSuffix = " Base your answer on the data provided. Respond with exactly one JSON object and nothing else: no markdown, no code fences, no commentary."

var personas = map[model.SubjectType]string{
	model.SubjectExpenseCategorization: "You are a senior bookkeeper who categorizes business expenses and spots irregular or duplicate spending.",
	model.SubjectInventoryOptimization: "You are an inventory planner who forecasts product demand and recommends reorder quantities.",
	model.SubjectTenderPricing:         "You are a bid manager who prices public procurement tenders to balance margin against win probability.",
	model.SubjectTenderMarketAnalysis:  "You are a procurement market analyst who assesses competition and award trends for a tender category.",
}

var tasks = map[model.SubjectType]string{
	model.SubjectExpenseCategorization: "Categorize the expense below, list plausible alternative categories, and flag it if the amount is unusual or it looks like a duplicate of a historical expense.",
	model.SubjectInventoryOptimization: "Forecast next month's demand for the product below and recommend a reorder point, order quantity and urgency.",
	model.SubjectTenderPricing:         "Recommend a bid price and range for the tender below and estimate the probability of winning.",
	model.SubjectTenderMarketAnalysis:  "Assess the market for the tender category below: competition level, award value trend, key risks and recommendations.",
}

// Build renders the prompt for st. Parameters are rendered in key order so
// the output is deterministic.
func (b *Builder) Build(st model.SubjectType, params map[string]any, hist model.HistoricalContext, summary baseline.Summary) Text {
	var u strings.Builder
	u.WriteString(tasks[st])
	u.WriteString("\n\n")

	u.WriteString("--- Subject ---\n")
	u.WriteString(FormatParameters(params))

	u.WriteString("\n--- Historical Summary ---\n")
	u.WriteString(FormatSummary(hist.Scope, summary))

	u.WriteString("\n--- Recent History ---\n")
	u.WriteString(FormatHistory(hist.Recent(b.historyLimit)))

	u.WriteString("\n--- Response Format ---\n")
	u.WriteString("Return only a JSON object with these fields:\n")
	u.WriteString(FormatShape(schema.For(st, b.tax)))

	return Text{System: personas[st] + systemSuffix, User: u.String()}
}

// FormatParameters renders subject parameters as "key: value" lines.
func FormatParameters(params map[string]any) string {
	if len(params) == 0 {
		return "(no subject data)\n"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, formatValue(params[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case float64:
		return fmt.Sprintf("%g", x)
	case map[string]any, []any, []string:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(raw)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// FormatSummary renders the statistical summary of the history.
func FormatSummary(scope string, s baseline.Summary) string {
	if s.Count == 0 {
		return "No historical records are available.\n"
	}
	var b strings.Builder
	if scope != "" {
		fmt.Fprintf(&b, "Scope: %s\n", scope)
	}
	fmt.Fprintf(&b, "Records: %d (%s to %s)\n", s.Count, s.First.Format("2006-01-02"), s.Last.Format("2006-01-02"))
	fmt.Fprintf(&b, "Mean: %.2f\n", s.Mean)
	fmt.Fprintf(&b, "Standard deviation: %.2f\n", s.StdDev)
	fmt.Fprintf(&b, "Min / Max: %.2f / %.2f\n", s.Min, s.Max)
	fmt.Fprintf(&b, "Recent 3-record average: %.2f\n", s.RecentAverage)
	fmt.Fprintf(&b, "Linear trend: %+.2f per 30 days\n", s.SlopePer30d)
	return b.String()
}

// FormatHistory renders history records one per line, oldest first.
func FormatHistory(records []model.HistoryRecord) string {
	if len(records) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for _, r := range records {
		fmt.Fprintf(&b, "- %s | %.2f | %s", r.Date.Format("2006-01-02"), r.Amount, r.Label)
		if r.Description != "" {
			fmt.Fprintf(&b, " | %s", r.Description)
		}
		if r.ID != "" {
			fmt.Fprintf(&b, " (id %s)", r.ID)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatShape spells out the fields of a payload shape.
func FormatShape(shape schema.Shape) string {
	var b strings.Builder
	writeFields(&b, shape.Fields, "")
	return b.String()
}

func writeFields(b *strings.Builder, fields []schema.Field, indent string) {
	for _, f := range fields {
		req := "optional"
		if f.Required {
			req = "required"
		}
		fmt.Fprintf(b, "%s- %s (%s, %s", indent, f.Name, f.Kind, req)
		if len(f.Enum) > 0 {
			fmt.Fprintf(b, ", one of: %s", strings.Join(f.Enum, " | "))
		}
		switch {
		case f.Min != nil && f.Max != nil:
			fmt.Fprintf(b, ", %g to %g", *f.Min, *f.Max)
		case f.Min != nil:
			fmt.Fprintf(b, ", at least %g", *f.Min)
		}
		b.WriteString(")")
		if f.Description != "" {
			b.WriteString(": " + f.Description)
		}
		b.WriteString("\n")
		if len(f.Items) > 0 {
			fmt.Fprintf(b, "%s  each item has:\n", indent)
			writeFields(b, f.Items, indent+"    ")
		}
	}
}
