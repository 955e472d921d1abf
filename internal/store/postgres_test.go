package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/advisor/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS decision_results`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnError(eris.New("connection refused"))

	err := s.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: ping")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetExpense(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, description, amount, vendor, category, date FROM expenses WHERE id = \$1`).
		WithArgs("e1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "description", "amount", "vendor", "category", "date"}).
			AddRow("e1", "Desk chairs", 450.0, "Acme", "Office Supplies", day0))

	e, err := s.GetExpense(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", e.Vendor)
	assert.InDelta(t, 450, e.Amount, 0.001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetExpense_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM expenses WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetExpense(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetProduct_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM products WHERE id = \$1`).
		WithArgs("p1").
		WillReturnError(eris.New("conn busy"))

	_, err := s.GetProduct(context.Background(), "p1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "postgres: get product p1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExpenseHistory_OldestFirst(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cols := []string{"id", "description", "amount", "vendor", "category", "date"}
	mock.ExpectQuery(`FROM expenses WHERE vendor = \$1 AND id <> \$2 ORDER BY date DESC, id DESC LIMIT \$3`).
		WithArgs("Acme", "e9", 50).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("e2", "Chair mats", 80.0, "Acme", "", day0.AddDate(0, 0, 3)).
			AddRow("e1", "Desk chairs", 450.0, "Acme", "Office Supplies", day0))

	hist, err := s.ExpenseHistory(context.Background(), "Acme", "e9", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "e1", hist[0].ID)
	assert.Equal(t, "e2", hist[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TenderHistory(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	var noDeadline *time.Time
	cols := []string{"id", "title", "category", "authority", "description", "estimated_value", "submitted_price", "status", "deadline", "created_at"}
	mock.ExpectQuery(`FROM tenders WHERE category = \$1 AND id <> \$2`).
		WithArgs("civil", "t3", 10).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("t2", "Bridge", "civil", "", "", 2000.0, 0.0, "lost", noDeadline, day0.AddDate(0, 1, 0)).
			AddRow("t1", "Road", "civil", "", "", 1000.0, 980.0, "won", noDeadline, day0))

	hist, err := s.TenderHistory(context.Background(), "civil", "t3", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, model.TenderWon, hist[0].Status)
	assert.InDelta(t, 980, hist[0].Price(), 0.001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetResult(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	stored, err := prepareResult(sampleResult(model.SubjectExpenseCategorization, "e1", day0))
	require.NoError(t, err)
	raw, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT result FROM decision_results WHERE subject_type = \$1 AND subject_id = \$2`).
		WithArgs("EXPENSE_CATEGORIZATION", "e1").
		WillReturnRows(pgxmock.NewRows([]string{"result"}).AddRow(raw))

	got, err := s.GetResult(context.Background(), model.SubjectExpenseCategorization, "e1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Office Supplies", got.Payload.Primary())
	assert.False(t, got.Cached)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetResult_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT result FROM decision_results`).
		WithArgs("TENDER_PRICING", "t1").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetResult(context.Background(), model.SubjectTenderPricing, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkRequested(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO decision_requests`).
		WithArgs("TENDER_PRICING", "t1", "req-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.MarkRequested(context.Background(), model.SubjectTenderPricing, "t1", "req-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertResult(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"current request", 1, true},
		{"superseded", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPostgresStore(t)
			r := sampleResult(model.SubjectExpenseCategorization, "e1", day0)

			mock.ExpectExec(`(?s)INSERT INTO decision_results .* WHERE EXISTS .* ON CONFLICT \(subject_type, subject_id\) DO UPDATE`).
				WithArgs("EXPENSE_CATEGORIZATION", "e1", pgxmock.AnyArg(), "AI", "anthropic",
					72.0, false, false, pgxmock.AnyArg(), pgxmock.AnyArg(), "req-1").
				WillReturnResult(pgxmock.NewResult("INSERT", tt.affected))

			applied, err := s.UpsertResult(context.Background(), r, "req-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, applied)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_SaveConfirmation(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		exists   *bool
		want     error
	}{
		{"applied", 1, nil, nil},
		{"no result", 0, ptr(false), ErrNotFound},
		{"recomputed", 0, ptr(true), ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPostgresStore(t)
			r := sampleResult(model.SubjectTenderPricing, "t1", day0)

			mock.ExpectExec(`UPDATE decision_results SET result = \$1 .* AND computed_at = \$7`).
				WithArgs(pgxmock.AnyArg(), false, 72.0, false, "TENDER_PRICING", "t1", day0.UTC()).
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.affected))
			if tt.exists != nil {
				mock.ExpectQuery(`SELECT EXISTS`).
					WithArgs("TENDER_PRICING", "t1").
					WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(*tt.exists))
			}

			err := s.SaveConfirmation(context.Background(), r)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestPostgresStore_ListResults(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	stored, err := prepareResult(sampleResult(model.SubjectInventoryOptimization, "p1", day0))
	require.NoError(t, err)
	raw, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT result FROM decision_results WHERE source_kind = \$1 ORDER BY computed_at DESC, subject_id DESC LIMIT \$2`).
		WithArgs("AI", 25).
		WillReturnRows(pgxmock.NewRows([]string{"result"}).AddRow(raw))

	got, err := s.ListResults(context.Background(), ResultFilter{SourceKind: model.SourceAI, Limit: 25})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.UrgencyHigh, got[0].Payload.Primary())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveExpenses_StagedMerge(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_expenses"},
		[]string{"id", "description", "amount", "vendor", "category", "date"}).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "expenses"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.SaveExpenses(context.Background(), []model.Expense{
		{ID: "e1", Amount: 10, Vendor: "Acme", Date: day0},
		{ID: "e2", Amount: 20, Vendor: "Acme", Date: day0},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SubjectIDs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id FROM tenders ORDER BY created_at DESC, id DESC LIMIT \$1`).
		WithArgs(1000).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("t2").AddRow("t1"))

	ids, err := s.SubjectIDs(context.Background(), model.SubjectTenderMarketAnalysis, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
