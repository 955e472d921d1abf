package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/advisor/internal/decision"
	"github.com/sells-group/advisor/internal/gateway"
	"github.com/sells-group/advisor/internal/importer"
	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/monitoring"
)

func sampleResult() *model.DecisionResult {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	p := &model.ExpensePayload{Category: "travel"}
	return &model.DecisionResult{
		SubjectType:     model.SubjectExpenseCategorization,
		SubjectID:       "exp-1",
		Payload:         p,
		ConfidenceScore: 82,
		IsAnomaly:       true,
		AnomalyDetail: []model.AnomalyReason{
			{Type: "amount_outlier", Severity: "high", Message: "3x vendor mean"},
		},
		SourceKind: model.SourceAI,
		ProviderID: "anthropic",
		Model:      "claude-haiku",
		ComputedAt: now,
		ValidUntil: now.Add(24 * time.Hour),
	}
}

func TestFormatResult(t *testing.T) {
	var buf bytes.Buffer
	formatResult(&buf, sampleResult())

	out := buf.String()
	assert.Contains(t, out, "expense-categorization exp-1")
	assert.Contains(t, out, "category = travel")
	assert.Contains(t, out, "82")
	assert.Contains(t, out, "anthropic/claude-haiku")
	assert.Contains(t, out, "amount_outlier (high)")
	assert.Contains(t, out, "2025-06-16T10:30:00Z")
	assert.Contains(t, out, "Payload:")
	assert.NotContains(t, out, "Confirmed by")
}

func TestFormatResult_Confirmed(t *testing.T) {
	r := sampleResult()
	r.IsAnomaly = false
	r.IsConfirmed = true
	r.ConfirmedBy = "reviewer-7"
	r.Override = &model.Override{Field: "category", From: "travel", To: "meals"}
	r.SourceKind = model.SourceFallback
	r.ProviderID = model.FallbackProviderID
	r.Model = ""

	var buf bytes.Buffer
	formatResult(&buf, r)

	out := buf.String()
	assert.Contains(t, out, "confirmed")
	assert.Contains(t, out, "reviewer-7")
	assert.Contains(t, out, "category travel -> meals")
	assert.Contains(t, out, "(fallback)")
	assert.NotContains(t, out, "Anomaly:")
}

func TestFormatResultList(t *testing.T) {
	r := sampleResult()

	var buf bytes.Buffer
	formatResultList(&buf, []model.DecisionResult{*r})

	out := buf.String()
	assert.Contains(t, out, "TYPE")
	assert.Contains(t, out, "DECISION")
	assert.Contains(t, out, "travel")
	assert.Contains(t, out, "2025-06-15 10:30")
	assert.Contains(t, out, "yes")
}

func TestFormatBatchSummary(t *testing.T) {
	var buf bytes.Buffer
	formatBatchSummary(&buf, decision.BatchSummary{Total: 5, AI: 2, Fallback: 1, Cached: 1, Failed: 1, Duration: 1234567 * time.Microsecond})
	assert.Equal(t, "total=5 ai=2 fallback=1 cached=1 failed=1 duration=1.235s\n", buf.String())
}

func TestFormatProviders(t *testing.T) {
	list := []gateway.ProviderStatus{
		{Name: "anthropic", Model: "claude-haiku", Priority: 1, Circuit: "closed"},
		{Name: "openai", Model: "gpt-4o-mini", Priority: 2, Circuit: "open"},
	}

	var buf bytes.Buffer
	formatProviders(&buf, list, nil)
	assert.NotContains(t, buf.String(), "PROBE")
	assert.Contains(t, buf.String(), "gpt-4o-mini")

	buf.Reset()
	formatProviders(&buf, list, map[string]string{"anthropic": "ok 120ms"})
	assert.Contains(t, buf.String(), "PROBE")
	assert.Contains(t, buf.String(), "ok 120ms")
}

func TestFormatStats(t *testing.T) {
	var buf bytes.Buffer
	formatStats(&buf, &monitoring.MetricsSnapshot{
		Total:         10,
		AI:            6,
		Fallback:      4,
		FallbackRate:  0.4,
		Anomalies:     1,
		AnomalyRate:   0.1,
		BySubjectType: map[string]int{"tender-pricing": 10},
		LookbackHours: 24,
	})

	out := buf.String()
	assert.Contains(t, out, "24h")
	assert.Contains(t, out, "4 (40.0%)")
	assert.Contains(t, out, "tender-pricing")
}

func TestFormatImport(t *testing.T) {
	var buf bytes.Buffer
	formatImport(&buf, "expenses.csv", &importer.Stats{
		Kind: importer.KindExpenses, Rows: 3, Saved: 2, Skipped: 1,
		Errors: []string{"row 3: amount is required"},
	})

	out := buf.String()
	assert.Contains(t, out, "expenses.csv: expenses rows=3 saved=2 skipped=1")
	assert.Contains(t, out, "row 3: amount is required")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, sampleResult()))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "exp-1", got["subject_id"])
	assert.Equal(t, "travel", got["payload"].(map[string]any)["category"])
}
