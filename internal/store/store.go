package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/advisor/internal/model"
)

// ErrNotFound is returned when a domain record or result row does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrConflict is returned when a result was recomputed after it was read.
var ErrConflict = eris.New("store: result changed since read")

// ResultFilter specifies criteria for listing decision results.
type ResultFilter struct {
	SubjectType     model.SubjectType `json:"subject_type,omitempty"`
	SourceKind      model.SourceKind  `json:"source_kind,omitempty"`
	AnomaliesOnly   bool              `json:"anomalies_only,omitempty"`
	UnconfirmedOnly bool              `json:"unconfirmed_only,omitempty"`
	// Since keeps results computed at or after this time.
	Since  time.Time `json:"since,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// DomainReader loads the business records the pipeline decides about.
// History queries return at most limit records, oldest first.
type DomainReader interface {
	GetExpense(ctx context.Context, id string) (*model.Expense, error)
	// ExpenseHistory returns prior expenses from the same vendor.
	ExpenseHistory(ctx context.Context, vendor, excludeID string, limit int) ([]model.Expense, error)
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ProductMovements(ctx context.Context, productID string, limit int) ([]model.StockMovement, error)
	GetTender(ctx context.Context, id string) (*model.Tender, error)
	// TenderHistory returns other tenders in the same category.
	TenderHistory(ctx context.Context, category, excludeID string, limit int) ([]model.Tender, error)
	// SubjectIDs lists the ids of the records a subject type decides about,
	// newest first.
	SubjectIDs(ctx context.Context, st model.SubjectType, limit int) ([]string, error)
}

// DomainWriter bulk-loads domain records, replacing rows with the same id.
type DomainWriter interface {
	SaveExpenses(ctx context.Context, rows []model.Expense) (int64, error)
	SaveProducts(ctx context.Context, rows []model.Product) (int64, error)
	SaveMovements(ctx context.Context, rows []model.StockMovement) (int64, error)
	SaveTenders(ctx context.Context, rows []model.Tender) (int64, error)
}

// ResultStore persists one current result per (subject type, subject id).
type ResultStore interface {
	// GetResult returns nil, nil when no result exists.
	GetResult(ctx context.Context, st model.SubjectType, id string) (*model.DecisionResult, error)
	// MarkRequested records requestID as the latest request for a subject.
	MarkRequested(ctx context.Context, st model.SubjectType, id, requestID string) error
	// UpsertResult replaces the current result only while requestID is
	// still the latest request for the subject. applied is false when a
	// newer request superseded it.
	UpsertResult(ctx context.Context, r *model.DecisionResult, requestID string) (applied bool, err error)
	// SaveConfirmation overwrites an existing result with its confirmed
	// form, provided the stored row still has r.ComputedAt. ErrNotFound
	// when the subject has no result, ErrConflict when it was recomputed.
	SaveConfirmation(ctx context.Context, r *model.DecisionResult) error
	ListResults(ctx context.Context, filter ResultFilter) ([]model.DecisionResult, error)
}

// Store defines the persistence interface for the decision pipeline.
type Store interface {
	DomainReader
	DomainWriter
	ResultStore

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// prepareResult returns the JSON document stored for r. The cached flag
// describes a response, not the row, so it is always cleared.
func prepareResult(r *model.DecisionResult) (*model.DecisionResult, error) {
	if r == nil || r.Payload == nil {
		return nil, eris.New("store: result has no payload")
	}
	out, err := r.Clone()
	if err != nil {
		return nil, err
	}
	out.Cached = false
	out.ComputedAt = out.ComputedAt.UTC()
	out.ValidUntil = out.ValidUntil.UTC()
	if out.ConfirmedAt != nil {
		at := out.ConfirmedAt.UTC()
		out.ConfirmedAt = &at
	}
	return out, nil
}

// reverse flips a newest-first page into oldest-first order.
func reverse[T any](xs []T) []T {
	for i, j := 0, len(xs)-1; i < j; i, j = i+1, j-1 {
		xs[i], xs[j] = xs[j], xs[i]
	}
	return xs
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

// dialect captures what differs between the SQL backends.
type dialect struct {
	// ph renders the n-th bind placeholder.
	ph func(n int) string
	// ts converts a time for binding.
	ts func(time.Time) any
	// noLimit is the LIMIT value meaning "all rows", required before OFFSET.
	noLimit string
}

// listResultsQuery builds the filtered SELECT shared by the SQL backends.
func listResultsQuery(f ResultFilter, d dialect) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, d.ph(len(args))))
	}
	if f.SubjectType != "" {
		add("subject_type = %s", string(f.SubjectType))
	}
	if f.SourceKind != "" {
		add("source_kind = %s", string(f.SourceKind))
	}
	if f.AnomaliesOnly {
		where = append(where, "is_anomaly")
	}
	if f.UnconfirmedOnly {
		where = append(where, "NOT is_confirmed")
	}
	if !f.Since.IsZero() {
		add("computed_at >= %s", d.ts(f.Since))
	}

	var b strings.Builder
	b.WriteString("SELECT result FROM decision_results")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY computed_at DESC, subject_id DESC")
	switch {
	case f.Limit > 0:
		args = append(args, f.Limit)
		b.WriteString(" LIMIT " + d.ph(len(args)))
	case f.Offset > 0:
		b.WriteString(" LIMIT " + d.noLimit)
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		b.WriteString(" OFFSET " + d.ph(len(args)))
	}
	return b.String(), args
}
