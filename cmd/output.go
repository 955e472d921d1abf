package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sells-group/advisor/internal/decision"
	"github.com/sells-group/advisor/internal/gateway"
	"github.com/sells-group/advisor/internal/importer"
	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/monitoring"
)

var outputJSON bool

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatResult prints one decision result for humans.
func formatResult(out io.Writer, r *model.DecisionResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Subject:\t%s %s\n", r.SubjectType.Slug(), r.SubjectID)
	fmt.Fprintf(w, "Decision:\t%s = %s\n", r.Payload.PrimaryField(), r.Payload.Primary())
	fmt.Fprintf(w, "Confidence:\t%.0f\n", r.ConfidenceScore)
	fmt.Fprintf(w, "Source:\t%s (%s)\n", r.SourceKind, providerLabel(r))
	fmt.Fprintf(w, "Computed:\t%s\n", r.ComputedAt.Format(time.RFC3339))
	if r.IsConfirmed {
		fmt.Fprintf(w, "Valid until:\tconfirmed\n")
	} else {
		fmt.Fprintf(w, "Valid until:\t%s\n", r.ValidUntil.Format(time.RFC3339))
	}
	if r.Cached {
		fmt.Fprintf(w, "Cached:\tyes\n")
	}
	if r.IsAnomaly {
		var reasons []string
		for _, a := range r.AnomalyDetail {
			reasons = append(reasons, fmt.Sprintf("%s (%s)", a.Type, a.Severity))
		}
		fmt.Fprintf(w, "Anomaly:\t%s\n", strings.Join(reasons, ", "))
	}
	if r.IsConfirmed {
		fmt.Fprintf(w, "Confirmed by:\t%s\n", r.ConfirmedBy)
	}
	if r.Override != nil {
		fmt.Fprintf(w, "Override:\t%s %s -> %s\n", r.Override.Field, r.Override.From, r.Override.To)
	}
	for _, n := range r.Notes {
		fmt.Fprintf(w, "Note:\t%s\n", n)
	}
	w.Flush() //nolint:errcheck

	if raw, err := json.MarshalIndent(r.Payload, "", "  "); err == nil {
		fmt.Fprintf(out, "\nPayload:\n%s\n", raw)
	}
}

func providerLabel(r *model.DecisionResult) string {
	if r.Model != "" {
		return r.ProviderID + "/" + r.Model
	}
	return r.ProviderID
}

// formatResultList prints one line per result.
func formatResultList(out io.Writer, results []model.DecisionResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tSUBJECT\tDECISION\tCONF\tSOURCE\tANOMALY\tCONFIRMED\tCOMPUTED")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%s\t%s\t%s\t%s\n",
			r.SubjectType.Slug(),
			r.SubjectID,
			r.Payload.Primary(),
			r.ConfidenceScore,
			r.SourceKind,
			yesNo(r.IsAnomaly),
			yesNo(r.IsConfirmed),
			r.ComputedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush() //nolint:errcheck
}

func formatBatchSummary(out io.Writer, s decision.BatchSummary) {
	fmt.Fprintf(out, "total=%d ai=%d fallback=%d cached=%d failed=%d duration=%s\n",
		s.Total, s.AI, s.Fallback, s.Cached, s.Failed, s.Duration.Round(time.Millisecond))
}

func formatProviders(out io.Writer, providers []gateway.ProviderStatus, probes map[string]string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := "NAME\tMODEL\tPRIORITY\tCIRCUIT"
	if probes != nil {
		header += "\tPROBE"
	}
	fmt.Fprintln(w, header)
	for _, p := range providers {
		line := fmt.Sprintf("%s\t%s\t%d\t%s", p.Name, p.Model, p.Priority, p.Circuit)
		if probes != nil {
			line += "\t" + probes[p.Name]
		}
		fmt.Fprintln(w, line)
	}
	w.Flush() //nolint:errcheck
}

func formatStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Window:\t%dh\n", s.LookbackHours)
	fmt.Fprintf(w, "Results:\t%d\n", s.Total)
	fmt.Fprintf(w, "AI:\t%d\n", s.AI)
	fmt.Fprintf(w, "Fallback:\t%d (%.1f%%)\n", s.Fallback, s.FallbackRate*100)
	fmt.Fprintf(w, "Anomalies:\t%d (%.1f%%)\n", s.Anomalies, s.AnomalyRate*100)
	fmt.Fprintf(w, "Confirmed:\t%d\n", s.Confirmed)
	fmt.Fprintf(w, "Overridden:\t%d\n", s.Overridden)
	fmt.Fprintf(w, "Avg confidence:\t%.2f\n", s.AvgConfidence)
	for _, st := range model.SubjectTypes {
		if n := s.BySubjectType[st.Slug()]; n > 0 {
			fmt.Fprintf(w, "  %s:\t%d\n", st.Slug(), n)
		}
	}
	w.Flush() //nolint:errcheck
}

func formatImport(out io.Writer, path string, s *importer.Stats) {
	fmt.Fprintf(out, "%s: %s rows=%d saved=%d skipped=%d\n", path, s.Kind, s.Rows, s.Saved, s.Skipped)
	for _, e := range s.Errors {
		fmt.Fprintf(out, "  %s\n", e)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
