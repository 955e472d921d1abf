package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// DecisionQuery is the input to the decision pipeline.
type DecisionQuery struct {
	SubjectType  SubjectType    `json:"subject_type"`
	SubjectID    string         `json:"subject_id"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	ForceRefresh bool           `json:"force_refresh,omitempty"`
	// Provider optionally pins the text-generation provider by name.
	Provider string `json:"provider,omitempty"`
}

// Override records a reviewer replacing the primary field of a payload.
type Override struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// DecisionResult is the current result for one subject.
type DecisionResult struct {
	SubjectType     SubjectType     `json:"subject_type"`
	SubjectID       string          `json:"subject_id"`
	Payload         Payload         `json:"payload"`
	ConfidenceScore float64         `json:"confidence_score"`
	IsAnomaly       bool            `json:"is_anomaly"`
	AnomalyDetail   []AnomalyReason `json:"anomaly_detail"`
	SourceKind      SourceKind      `json:"source_kind"`
	ProviderID      string          `json:"provider_id"`
	Model           string          `json:"model,omitempty"`
	ComputedAt      time.Time       `json:"computed_at"`
	ValidUntil      time.Time       `json:"valid_until"`
	IsConfirmed     bool            `json:"is_confirmed"`
	ConfirmedBy     string          `json:"confirmed_by,omitempty"`
	ConfirmedAt     *time.Time      `json:"confirmed_at,omitempty"`
	Override        *Override       `json:"override,omitempty"`
	Notes           []string        `json:"notes,omitempty"`

	// Cached is set on responses served from the store. Never persisted.
	Cached bool `json:"cached"`
}

// Servable reports whether a stored result may be returned without
// recomputation: confirmed results never expire.
func (r *DecisionResult) Servable(now time.Time) bool {
	return r.IsConfirmed || now.Before(r.ValidUntil)
}

// Clone returns a deep copy through the JSON representation.
func (r *DecisionResult) Clone() (*DecisionResult, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, eris.Wrap(err, "model: clone result")
	}
	var out DecisionResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrap(err, "model: clone result")
	}
	return &out, nil
}

// UnmarshalJSON decodes the payload into its concrete type using the
// subject_type field.
func (r *DecisionResult) UnmarshalJSON(data []byte) error {
	type alias DecisionResult
	var aux struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = DecisionResult(aux.alias)
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		r.Payload = nil
		return nil
	}
	p, err := DecodePayload(r.SubjectType, aux.Payload)
	if err != nil {
		return err
	}
	r.Payload = p
	return nil
}

// HistoryRecord is one past domain record reduced to what the statistical
// baseline needs.
type HistoryRecord struct {
	ID          string    `json:"id"`
	Amount      float64   `json:"amount"`
	Date        time.Time `json:"date"`
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`
}

// HistoricalContext is a bounded, oldest-first series of related records.
type HistoricalContext struct {
	// Scope describes how records were selected, e.g. "vendor=Acme".
	Scope   string          `json:"scope"`
	Records []HistoryRecord `json:"records"`
}

// Len returns the number of records.
func (h HistoricalContext) Len() int { return len(h.Records) }

// Amounts returns the amount series.
func (h HistoricalContext) Amounts() []float64 {
	out := make([]float64, len(h.Records))
	for i, r := range h.Records {
		out[i] = r.Amount
	}
	return out
}

// Recent returns the newest n records, still oldest first.
func (h HistoricalContext) Recent(n int) []HistoryRecord {
	if n <= 0 || n >= len(h.Records) {
		return h.Records
	}
	return h.Records[len(h.Records)-n:]
}
