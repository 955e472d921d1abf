package decision

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/advisor/internal/config"
	"github.com/sells-group/advisor/internal/gateway"
	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/prompt"
	"github.com/sells-group/advisor/internal/resilience"
	"github.com/sells-group/advisor/internal/store"
	"github.com/sells-group/advisor/internal/taxonomy"
)

var day0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

const expenseReply = `Here you go:
{"category": "office_supplies", "alternatives": [], "duplicate_of": [],
 "confidence": 86, "reasoning": "Chairs match prior office purchases.",
 "is_anomaly": false, "anomaly_reasons": []}`

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeInvoker struct {
	mu      sync.Mutex
	calls   int
	prompts []prompt.Text
	pinned  []string
	respond func(ctx context.Context, call int) (*gateway.RawResponse, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, text prompt.Text, c gateway.Constraints) (*gateway.RawResponse, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.prompts = append(f.prompts, text)
	f.pinned = append(f.pinned, c.Provider)
	f.mu.Unlock()
	return f.respond(ctx, n)
}

func (f *fakeInvoker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func replying(text string) *fakeInvoker {
	return &fakeInvoker{respond: func(context.Context, int) (*gateway.RawResponse, error) {
		return &gateway.RawResponse{Text: text, Provider: "anthropic", Model: "claude-test"}, nil
	}}
}

func failing(err error) *fakeInvoker {
	return &fakeInvoker{respond: func(context.Context, int) (*gateway.RawResponse, error) {
		return nil, err
	}}
}

type recorder struct {
	mu      sync.Mutex
	entries []string
	err     error
}

func (r *recorder) LogUpdate(_ context.Context, kind, id string, before, after any, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, kind+":"+id+":"+actor)
	return r.err
}

type outcomes struct {
	mu  sync.Mutex
	all []Outcome
}

func (o *outcomes) DecisionServed(x Outcome) {
	o.mu.Lock()
	o.all = append(o.all, x)
	o.mu.Unlock()
}

func newService(t *testing.T, inv Invoker, opts ...Option) (*Service, *store.MemoryStore, *clock) {
	t.Helper()
	st := store.NewMemory()
	clk := &clock{t: day0.AddDate(0, 3, 0)}
	svc := New(st, inv, append([]Option{WithClock(clk.Now)}, opts...)...)
	return svc, st, clk
}

// seedExpenses stores four office purchases and one hardware purchase from
// vendor X plus the subject "new".
func seedExpenses(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	amounts := []float64{132, 148, 140, 132, 148}
	var rows []model.Expense
	for i, a := range amounts {
		cat := "office_supplies"
		if i == 4 {
			cat = "hardware"
		}
		rows = append(rows, model.Expense{
			ID:          "h" + string(rune('a'+i)),
			Description: "Supplies order " + string(rune('A'+i)),
			Amount:      a,
			Vendor:      "X",
			Category:    cat,
			Date:        day0.AddDate(0, 0, i*10),
		})
	}
	rows = append(rows, model.Expense{
		ID: "new", Description: "Office chairs", Amount: 150, Vendor: "X", Date: day0.AddDate(0, 2, 0),
	})
	_, err := st.SaveExpenses(context.Background(), rows)
	require.NoError(t, err)
}

func expenseQuery() model.DecisionQuery {
	return model.DecisionQuery{SubjectType: model.SubjectExpenseCategorization, SubjectID: "new"}
}

func TestDecide_ExpenseFromProvider(t *testing.T) {
	inv := replying(expenseReply)
	obs := &outcomes{}
	svc, st, clk := newService(t, inv, WithObserver(obs))
	seedExpenses(t, st)
	ctx := context.Background()

	r, err := svc.Decide(ctx, expenseQuery())
	require.NoError(t, err)

	assert.Equal(t, model.SourceAI, r.SourceKind)
	assert.Equal(t, "anthropic", r.ProviderID)
	assert.Equal(t, "claude-test", r.Model)
	assert.Equal(t, "office_supplies", r.Payload.Primary())
	assert.InDelta(t, 86, r.ConfidenceScore, 1e-9)
	assert.False(t, r.IsAnomaly)
	assert.False(t, r.Cached)
	assert.False(t, r.IsConfirmed)
	assert.Equal(t, clk.Now(), r.ComputedAt)
	assert.Equal(t, clk.Now().Add(7*24*time.Hour), r.ValidUntil)

	require.Len(t, inv.prompts, 1)
	assert.Contains(t, inv.prompts[0].User, "Scope: vendor=X")
	assert.Contains(t, inv.prompts[0].User, "Office chairs")

	stored, err := st.GetResult(ctx, model.SubjectExpenseCategorization, "new")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "office_supplies", stored.Payload.Primary())

	require.Len(t, obs.all, 1)
	assert.True(t, obs.all[0].Persisted)
	assert.Empty(t, obs.all[0].FallbackReason)
}

func TestDecide_ProviderFailureFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		inv    Invoker
		reason string
	}{
		{"status", failing(gateway.StatusError("anthropic", 503, eris.New("overloaded"))), "provider:status"},
		{"circuit open", failing(&gateway.ProviderError{Provider: "anthropic", Kind: gateway.KindCircuitOpen}), "provider:circuit_open"},
		{"unparseable", replying("I cannot help with that."), "parse"},
		{"invalid field", replying(`{"category": "snacks", "confidence": 90, "reasoning": "x", "is_anomaly": false}`), "parse"},
		{"no provider", nil, "no provider configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &outcomes{}
			svc, st, _ := newService(t, tt.inv, WithObserver(obs))
			seedExpenses(t, st)

			r, err := svc.Decide(context.Background(), expenseQuery())
			require.NoError(t, err)

			assert.Equal(t, model.SourceFallback, r.SourceKind)
			assert.Equal(t, model.FallbackProviderID, r.ProviderID)
			assert.Equal(t, "office_supplies", r.Payload.Primary())
			assert.LessOrEqual(t, r.ConfidenceScore, 50.0)
			assert.Contains(t, r.Notes, "statistical fallback: "+tt.reason)
			require.Len(t, obs.all, 1)
			assert.Equal(t, tt.reason, obs.all[0].FallbackReason)
		})
	}
}

func payloadKeys(t *testing.T, p model.Payload) []string {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestDecide_FallbackShapeMatchesProvider(t *testing.T) {
	ai, st, _ := newService(t, replying(expenseReply))
	seedExpenses(t, st)
	fromAI, err := ai.Decide(context.Background(), expenseQuery())
	require.NoError(t, err)

	fb, st2, _ := newService(t, nil)
	seedExpenses(t, st2)
	fromFallback, err := fb.Decide(context.Background(), expenseQuery())
	require.NoError(t, err)

	assert.Equal(t, payloadKeys(t, fromAI.Payload), payloadKeys(t, fromFallback.Payload))
}

func TestDecide_CacheHitIsIdempotent(t *testing.T) {
	inv := replying(expenseReply)
	svc, st, clk := newService(t, inv)
	seedExpenses(t, st)
	ctx := context.Background()

	first, err := svc.Decide(ctx, expenseQuery())
	require.NoError(t, err)

	clk.Advance(time.Hour)
	second, err := svc.Decide(ctx, expenseQuery())
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Payload, second.Payload)
	assert.True(t, first.ComputedAt.Equal(second.ComputedAt))
	assert.Equal(t, 1, inv.Calls())

	clk.Advance(7 * 24 * time.Hour)
	third, err := svc.Decide(ctx, expenseQuery())
	require.NoError(t, err)
	assert.False(t, third.Cached, "expired results are recomputed")
	assert.Equal(t, 2, inv.Calls())

	q := expenseQuery()
	q.ForceRefresh = true
	_, err = svc.Decide(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 3, inv.Calls())
}

func TestDecide_InventoryCriticalScenario(t *testing.T) {
	svc, st, _ := newService(t, nil)
	_, err := st.SaveProducts(context.Background(), []model.Product{
		{ID: "p1", Name: "Paper", CurrentStock: 0, MinStockLevel: 20, MaxStockLevel: 15, ReorderPoint: 10},
	})
	require.NoError(t, err)

	r, err := svc.Decide(context.Background(), model.DecisionQuery{
		SubjectType: model.SubjectInventoryOptimization, SubjectID: "p1",
	})
	require.NoError(t, err)

	p, ok := r.Payload.(*model.InventoryPayload)
	require.True(t, ok)
	assert.Equal(t, model.UrgencyCritical, p.Urgency)
	assert.GreaterOrEqual(t, p.SuggestedOrderQty, 20.0)
	assert.LessOrEqual(t, r.ConfidenceScore, 40.0)
}

func TestDecide_DuplicateRiskOverridesProvider(t *testing.T) {
	svc, st, _ := newService(t, replying(expenseReply))
	_, err := st.SaveExpenses(context.Background(), []model.Expense{
		{ID: "e1", Description: "Office chairs", Amount: 89.99, Vendor: "Acme", Category: "office_supplies", Date: day0},
		{ID: "e2", Description: "Office chairs x2", Amount: 89.99, Vendor: "Acme", Category: "office_supplies", Date: day0.AddDate(0, 0, 3)},
	})
	require.NoError(t, err)

	r, err := svc.Decide(context.Background(), model.DecisionQuery{
		SubjectType: model.SubjectExpenseCategorization, SubjectID: "e2",
	})
	require.NoError(t, err)

	assert.Equal(t, model.SourceAI, r.SourceKind)
	assert.True(t, r.IsAnomaly, "baseline reasons are ORed into the provider verdict")
	var types []string
	for _, a := range r.AnomalyDetail {
		types = append(types, a.Type)
	}
	assert.Contains(t, types, model.AnomalyDuplicateRisk)
}

func TestDecide_TenderTypesShareSubject(t *testing.T) {
	svc, st, _ := newService(t, nil)
	ctx := context.Background()
	_, err := st.SaveTenders(ctx, []model.Tender{
		{ID: "t1", Title: "Road", Category: "civil", EstimatedValue: 1000, SubmittedPrice: 980, Status: model.TenderWon, CreatedAt: day0},
		{ID: "t2", Title: "Bridge", Category: "civil", EstimatedValue: 2000, Status: model.TenderLost, CreatedAt: day0.AddDate(0, 1, 0)},
		{ID: "t3", Title: "Tunnel", Category: "civil", EstimatedValue: 1500, Status: model.TenderDraft, CreatedAt: day0.AddDate(0, 2, 0)},
	})
	require.NoError(t, err)

	pricing, err := svc.Decide(ctx, model.DecisionQuery{SubjectType: model.SubjectTenderPricing, SubjectID: "t3"})
	require.NoError(t, err)
	market, err := svc.Decide(ctx, model.DecisionQuery{SubjectType: model.SubjectTenderMarketAnalysis, SubjectID: "t3"})
	require.NoError(t, err)

	assert.IsType(t, &model.PricingPayload{}, pricing.Payload)
	assert.IsType(t, &model.MarketPayload{}, market.Payload)

	got, err := st.ListResults(ctx, store.ResultFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2, "one current result per subject type")
}

func TestDecide_ParametersReachPrompt(t *testing.T) {
	inv := replying(expenseReply)
	svc, st, _ := newService(t, inv)
	seedExpenses(t, st)

	q := expenseQuery()
	q.Parameters = map[string]any{"amount": 5000.0, "note": "urgent", "reimbursable": true}
	q.Provider = "openai"
	r, err := svc.Decide(context.Background(), q)
	require.NoError(t, err)

	user := inv.prompts[0].User
	assert.Contains(t, user, "amount: 5000")
	assert.Contains(t, user, "note: urgent")
	assert.Contains(t, user, "reimbursable: true")
	assert.Equal(t, []string{"openai"}, inv.pinned)
	assert.True(t, r.IsAnomaly, "overridden amount is checked against history")

	stored, err := st.GetExpense(context.Background(), "new")
	require.NoError(t, err)
	assert.InDelta(t, 150, stored.Amount, 1e-9, "parameters never write back to the subject")
}

func TestDecide_InvalidQueries(t *testing.T) {
	svc, st, _ := newService(t, nil)
	seedExpenses(t, st)

	tests := []struct {
		name string
		q    model.DecisionQuery
	}{
		{"unknown type", model.DecisionQuery{SubjectType: "BUDGET", SubjectID: "new"}},
		{"empty id", model.DecisionQuery{SubjectType: model.SubjectExpenseCategorization, SubjectID: "  "}},
		{"non-scalar parameter", model.DecisionQuery{
			SubjectType: model.SubjectExpenseCategorization, SubjectID: "new",
			Parameters: map[string]any{"tags": []any{"a"}},
		}},
		{"mistyped known parameter", model.DecisionQuery{
			SubjectType: model.SubjectExpenseCategorization, SubjectID: "new",
			Parameters: map[string]any{"amount": "lots"},
		}},
		{"negative number", model.DecisionQuery{
			SubjectType: model.SubjectExpenseCategorization, SubjectID: "new",
			Parameters: map[string]any{"amount": -1.0},
		}},
		{"bad date", model.DecisionQuery{
			SubjectType: model.SubjectExpenseCategorization, SubjectID: "new",
			Parameters: map[string]any{"date": "soon"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Decide(context.Background(), tt.q)
			assert.ErrorIs(t, err, ErrInvalidQuery)
		})
	}
}

func TestDecide_SubjectNotFound(t *testing.T) {
	svc, _, _ := newService(t, nil)
	_, err := svc.Decide(context.Background(), model.DecisionQuery{
		SubjectType: model.SubjectTenderPricing, SubjectID: "missing",
	})
	assert.ErrorIs(t, err, ErrSubjectNotFound)
}

type brokenHistory struct {
	*store.MemoryStore
}

func (brokenHistory) ExpenseHistory(context.Context, string, string, int) ([]model.Expense, error) {
	return nil, eris.New("replica lagging")
}

func TestDecide_HistoryFailureDegrades(t *testing.T) {
	mem := store.NewMemory()
	seedExpenses(t, mem)
	svc := New(brokenHistory{mem}, nil, WithClock((&clock{t: day0}).Now))

	r, err := svc.Decide(context.Background(), expenseQuery())
	require.NoError(t, err)
	assert.Equal(t, model.SourceFallback, r.SourceKind)
	assert.LessOrEqual(t, r.ConfidenceScore, 40.0)
}

func TestDecide_CancelledNotPersisted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &fakeInvoker{respond: func(context.Context, int) (*gateway.RawResponse, error) {
		cancel()
		return nil, &gateway.ProviderError{Provider: "anthropic", Kind: gateway.KindCancelled, Err: context.Canceled}
	}}
	svc, st, _ := newService(t, inv)
	seedExpenses(t, st)

	_, err := svc.Decide(ctx, expenseQuery())
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := st.GetResult(context.Background(), model.SubjectExpenseCategorization, "new")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestDecide_SupersededResultReturnedNotStored(t *testing.T) {
	st := store.NewMemory()
	seedExpenses(t, st)
	inv := &fakeInvoker{respond: func(ctx context.Context, _ int) (*gateway.RawResponse, error) {
		// A second caller marks the subject while this call is in flight.
		require.NoError(t, st.MarkRequested(ctx, model.SubjectExpenseCategorization, "new", "newer"))
		return &gateway.RawResponse{Text: expenseReply, Provider: "anthropic"}, nil
	}}
	obs := &outcomes{}
	svc := New(st, inv, WithObserver(obs), WithRequestIDs(func() string { return "older" }))

	r, err := svc.Decide(context.Background(), expenseQuery())
	require.NoError(t, err)
	assert.Equal(t, model.SourceAI, r.SourceKind)

	stored, err := st.GetResult(context.Background(), model.SubjectExpenseCategorization, "new")
	require.NoError(t, err)
	assert.Nil(t, stored)
	require.Len(t, obs.all, 1)
	assert.False(t, obs.all[0].Persisted)
}

func TestDecide_RetriesTransientProviderErrors(t *testing.T) {
	inv := &fakeInvoker{respond: func(_ context.Context, call int) (*gateway.RawResponse, error) {
		if call == 1 {
			return nil, gateway.StatusError("anthropic", 503, eris.New("overloaded"))
		}
		return &gateway.RawResponse{Text: expenseReply, Provider: "anthropic"}, nil
	}}
	svc, st, _ := newService(t, inv, WithRetry(resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}))
	seedExpenses(t, st)

	r, err := svc.Decide(context.Background(), expenseQuery())
	require.NoError(t, err)
	assert.Equal(t, model.SourceAI, r.SourceKind)
	assert.Equal(t, 2, inv.Calls())
}

func TestConfirm_SurvivesExpiry(t *testing.T) {
	inv := replying(expenseReply)
	audit := &recorder{}
	svc, st, clk := newService(t, inv, WithAudit(audit))
	seedExpenses(t, st)
	ctx := context.Background()

	_, err := svc.Decide(ctx, expenseQuery())
	require.NoError(t, err)

	override := "Travel"
	confirmed, err := svc.Confirm(ctx, ConfirmRequest{
		SubjectType: model.SubjectExpenseCategorization,
		SubjectID:   "new",
		Reviewer:    "alice",
		Override:    &override,
		Note:        "booked for the offsite",
	})
	require.NoError(t, err)
	assert.True(t, confirmed.IsConfirmed)
	assert.Equal(t, "alice", confirmed.ConfirmedBy)
	require.NotNil(t, confirmed.ConfirmedAt)
	assert.Equal(t, &model.Override{Field: "category", From: "office_supplies", To: "travel"}, confirmed.Override)
	assert.Equal(t, "travel", confirmed.Payload.Primary())
	assert.Equal(t, []string{"decision_result:EXPENSE_CATEGORIZATION/new:alice"}, audit.entries)

	clk.Advance(30 * 24 * time.Hour)
	r, err := svc.Decide(ctx, expenseQuery())
	require.NoError(t, err)
	assert.True(t, r.Cached)
	assert.True(t, r.IsConfirmed)
	assert.Equal(t, "travel", r.Payload.Primary())
	assert.Equal(t, 1, inv.Calls())

	q := expenseQuery()
	q.ForceRefresh = true
	r, err = svc.Decide(ctx, q)
	require.NoError(t, err)
	assert.False(t, r.IsConfirmed, "a forced refresh replaces the confirmed result")
}

// recomputeOnSave runs hook just before the confirmation is written, the
// window in which a concurrent forced refresh can land.
type recomputeOnSave struct {
	*store.MemoryStore
	hook func()
}

func (s *recomputeOnSave) SaveConfirmation(ctx context.Context, r *model.DecisionResult) error {
	if hook := s.hook; hook != nil {
		s.hook = nil
		hook()
	}
	return s.MemoryStore.SaveConfirmation(ctx, r)
}

func TestConfirm_RecomputedDuringReview(t *testing.T) {
	mem := store.NewMemory()
	seedExpenses(t, mem)
	rs := &recomputeOnSave{MemoryStore: mem}
	clk := &clock{t: day0}
	svc := New(rs, replying(expenseReply), WithClock(clk.Now))
	ctx := context.Background()

	_, err := svc.Decide(ctx, expenseQuery())
	require.NoError(t, err)

	rs.hook = func() {
		clk.Advance(time.Minute)
		q := expenseQuery()
		q.ForceRefresh = true
		_, err := svc.Decide(ctx, q)
		require.NoError(t, err)
	}
	override := "travel"
	_, err = svc.Confirm(ctx, ConfirmRequest{
		SubjectType: model.SubjectExpenseCategorization, SubjectID: "new", Reviewer: "alice", Override: &override,
	})
	assert.ErrorIs(t, err, ErrResultChanged)

	stored, err := mem.GetResult(ctx, model.SubjectExpenseCategorization, "new")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.IsConfirmed, "the recomputed result must not inherit the review")
	assert.Nil(t, stored.Override)
	assert.True(t, stored.ComputedAt.Equal(day0.Add(time.Minute)))
}

func TestConfirm_WithoutOverride(t *testing.T) {
	svc, st, _ := newService(t, nil, WithAudit(&recorder{err: eris.New("kafka down")}))
	seedExpenses(t, st)
	ctx := context.Background()
	_, err := svc.Decide(ctx, expenseQuery())
	require.NoError(t, err)

	same := "OFFICE_SUPPLIES"
	r, err := svc.Confirm(ctx, ConfirmRequest{
		SubjectType: model.SubjectExpenseCategorization, SubjectID: "new", Reviewer: "bob", Override: &same,
	})
	require.NoError(t, err, "audit failures are logged, not returned")
	assert.True(t, r.IsConfirmed)
	assert.Nil(t, r.Override, "confirming the current value is not an override")
}

func TestConfirm_Errors(t *testing.T) {
	svc, st, _ := newService(t, nil)
	seedExpenses(t, st)
	ctx := context.Background()
	_, err := svc.Decide(ctx, expenseQuery())
	require.NoError(t, err)

	bad := "snacks"
	tests := []struct {
		name string
		req  ConfirmRequest
		want error
	}{
		{"missing reviewer", ConfirmRequest{SubjectType: model.SubjectExpenseCategorization, SubjectID: "new"}, ErrInvalidQuery},
		{"bad override", ConfirmRequest{SubjectType: model.SubjectExpenseCategorization, SubjectID: "new", Reviewer: "a", Override: &bad}, ErrInvalidQuery},
		{"unknown type", ConfirmRequest{SubjectType: "X", SubjectID: "new", Reviewer: "a"}, ErrInvalidQuery},
		{"no result", ConfirmRequest{SubjectType: model.SubjectTenderPricing, SubjectID: "t9", Reviewer: "a"}, ErrResultNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Confirm(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCurrent(t *testing.T) {
	svc, st, clk := newService(t, nil)
	seedExpenses(t, st)
	ctx := context.Background()

	_, err := svc.Current(ctx, model.SubjectExpenseCategorization, "new")
	assert.ErrorIs(t, err, ErrResultNotFound)

	_, err = svc.Decide(ctx, expenseQuery())
	require.NoError(t, err)
	clk.Advance(365 * 24 * time.Hour)

	r, err := svc.Current(ctx, model.SubjectExpenseCategorization, "new")
	require.NoError(t, err)
	assert.False(t, r.Servable(clk.Now()), "returned regardless of age")
}

func TestDecideBatch(t *testing.T) {
	svc, st, _ := newService(t, replying(expenseReply))
	seedExpenses(t, st)

	queries := []model.DecisionQuery{
		expenseQuery(),
		{SubjectType: model.SubjectExpenseCategorization, SubjectID: "ha"},
		{SubjectType: model.SubjectExpenseCategorization, SubjectID: "missing"},
		{SubjectType: "NOPE", SubjectID: "x"},
	}
	items := svc.DecideBatch(context.Background(), queries, 2)
	require.Len(t, items, 4)

	assert.NoError(t, items[0].Err)
	assert.Equal(t, "new", items[0].Result.SubjectID)
	assert.NoError(t, items[1].Err)
	assert.Equal(t, "ha", items[1].Result.SubjectID)
	assert.ErrorIs(t, items[2].Err, ErrSubjectNotFound)
	assert.ErrorIs(t, items[3].Err, ErrInvalidQuery)

	sum := Summarize(items)
	assert.Equal(t, BatchSummary{Total: 4, AI: 2, Failed: 2}, sum)
}

func TestRecompute(t *testing.T) {
	svc, st, _ := newService(t, nil)
	ctx := context.Background()
	var tenders []model.Tender
	for i, id := range []string{"t1", "t2", "t3"} {
		tenders = append(tenders, model.Tender{
			ID: id, Title: "Works " + id, Category: "civil", EstimatedValue: float64(1000 * (i + 1)),
			Status: model.TenderDraft, CreatedAt: day0.AddDate(0, 0, i),
		})
	}
	_, err := st.SaveTenders(ctx, tenders)
	require.NoError(t, err)

	sum, err := svc.Recompute(ctx, model.SubjectTenderPricing, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Fallback)

	got, err := svc.List(ctx, store.ResultFilter{SubjectType: model.SubjectTenderPricing})
	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := []string{got[0].SubjectID, got[1].SubjectID}
	assert.ElementsMatch(t, []string{"t3", "t2"}, ids, "newest subjects first")

	_, err = svc.Recompute(ctx, "BOGUS", 0, 1)
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestList_RejectsUnknownType(t *testing.T) {
	svc, _, _ := newService(t, nil)
	_, err := svc.List(context.Background(), store.ResultFilter{SubjectType: "NOPE"})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestConfigOptions(t *testing.T) {
	cfg := &config.Config{}
	cfg.Decision.DefaultValidityHours = 48
	cfg.Decision.ValidityHours = map[string]int{"tender-pricing": 6, "bogus": 1}
	cfg.Decision.HistoryLimit = 5
	cfg.Decision.BatchConcurrency = 3
	cfg.Scorer.FallbackCeiling = 30
	cfg.AI.MaxTokens = 256
	cfg.AI.TimeoutSecs = 10

	tax, err := taxonomy.New([]taxonomy.Category{{Name: "fleet"}, {Name: "other"}})
	require.NoError(t, err)

	svc := New(store.NewMemory(), nil, ConfigOptions(cfg, tax)...)
	assert.Same(t, tax, svc.tax)
	assert.Equal(t, 48*time.Hour, svc.Window(model.SubjectExpenseCategorization))
	assert.Equal(t, 6*time.Hour, svc.Window(model.SubjectTenderPricing))
	assert.Equal(t, 5, svc.historyLimit)
	assert.Equal(t, 3, svc.concurrency)
	assert.Equal(t, 256, svc.maxTokens)
	assert.Equal(t, 10*time.Second, svc.timeout)
	assert.InDelta(t, 30, svc.scorer.FallbackCeiling(), 1e-9)
}
