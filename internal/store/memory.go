package store

import (
	"context"
	"sort"
	"sync"

	"github.com/sells-group/advisor/internal/model"
)

type subjectKey struct {
	st model.SubjectType
	id string
}

// MemoryStore implements Store in process memory. Results are kept as
// clones so callers cannot mutate stored state.
type MemoryStore struct {
	mu        sync.RWMutex
	expenses  map[string]model.Expense
	products  map[string]model.Product
	movements map[string]model.StockMovement
	tenders   map[string]model.Tender
	results   map[subjectKey]*model.DecisionResult
	requests  map[subjectKey]string
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		expenses:  make(map[string]model.Expense),
		products:  make(map[string]model.Product),
		movements: make(map[string]model.StockMovement),
		tenders:   make(map[string]model.Tender),
		results:   make(map[subjectKey]*model.DecisionResult),
		requests:  make(map[subjectKey]string),
	}
}

func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) GetExpense(_ context.Context, id string) (*model.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.expenses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryStore) ExpenseHistory(_ context.Context, vendor, excludeID string, limit int) ([]model.Expense, error) {
	s.mu.RLock()
	var out []model.Expense
	for _, e := range s.expenses {
		if e.Vendor == vendor && e.ID != excludeID {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return newer(out[i].Date.UnixNano(), out[j].Date.UnixNano(), out[i].ID, out[j].ID) })
	return reverse(truncate(out, clampLimit(limit, 50))), nil
}

func (s *MemoryStore) GetProduct(_ context.Context, id string) (*model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) ProductMovements(_ context.Context, productID string, limit int) ([]model.StockMovement, error) {
	s.mu.RLock()
	var out []model.StockMovement
	for _, m := range s.movements {
		if m.ProductID == productID {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return newer(out[i].Date.UnixNano(), out[j].Date.UnixNano(), out[i].ID, out[j].ID) })
	return reverse(truncate(out, clampLimit(limit, 50))), nil
}

func (s *MemoryStore) GetTender(_ context.Context, id string) (*model.Tender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *MemoryStore) TenderHistory(_ context.Context, category, excludeID string, limit int) ([]model.Tender, error) {
	s.mu.RLock()
	var out []model.Tender
	for _, t := range s.tenders {
		if t.Category == category && t.ID != excludeID {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].CreatedAt.UnixNano(), out[j].CreatedAt.UnixNano(), out[i].ID, out[j].ID)
	})
	return reverse(truncate(out, clampLimit(limit, 50))), nil
}

func (s *MemoryStore) SubjectIDs(_ context.Context, st model.SubjectType, limit int) ([]string, error) {
	if _, err := subjectIDsQuery(st); err != nil {
		return nil, err
	}
	type dated struct {
		id string
		at int64
	}
	s.mu.RLock()
	var rows []dated
	switch st {
	case model.SubjectExpenseCategorization:
		for _, e := range s.expenses {
			rows = append(rows, dated{e.ID, e.Date.UnixNano()})
		}
	case model.SubjectInventoryOptimization:
		for _, p := range s.products {
			rows = append(rows, dated{p.ID, 0})
		}
	case model.SubjectTenderPricing, model.SubjectTenderMarketAnalysis:
		for _, t := range s.tenders {
			rows = append(rows, dated{t.ID, t.CreatedAt.UnixNano()})
		}
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return newer(rows[i].at, rows[j].at, rows[i].id, rows[j].id) })
	rows = truncate(rows, clampLimit(limit, 1000))
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.id
	}
	return ids, nil
}

func (s *MemoryStore) SaveExpenses(_ context.Context, rows []model.Expense) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		r.Date = r.Date.UTC()
		s.expenses[r.ID] = r
	}
	return int64(len(rows)), nil
}

func (s *MemoryStore) SaveProducts(_ context.Context, rows []model.Product) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.products[r.ID] = r
	}
	return int64(len(rows)), nil
}

func (s *MemoryStore) SaveMovements(_ context.Context, rows []model.StockMovement) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		r.Date = r.Date.UTC()
		s.movements[r.ID] = r
	}
	return int64(len(rows)), nil
}

func (s *MemoryStore) SaveTenders(_ context.Context, rows []model.Tender) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		r.CreatedAt = r.CreatedAt.UTC()
		s.tenders[r.ID] = r
	}
	return int64(len(rows)), nil
}

func (s *MemoryStore) GetResult(_ context.Context, st model.SubjectType, id string) (*model.DecisionResult, error) {
	s.mu.RLock()
	r, ok := s.results[subjectKey{st, id}]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return r.Clone()
}

func (s *MemoryStore) MarkRequested(_ context.Context, st model.SubjectType, id, requestID string) error {
	s.mu.Lock()
	s.requests[subjectKey{st, id}] = requestID
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpsertResult(_ context.Context, r *model.DecisionResult, requestID string) (bool, error) {
	stored, err := prepareResult(r)
	if err != nil {
		return false, err
	}
	key := subjectKey{stored.SubjectType, stored.SubjectID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requests[key] != requestID {
		return false, nil
	}
	s.results[key] = stored
	return true, nil
}

func (s *MemoryStore) SaveConfirmation(_ context.Context, r *model.DecisionResult) error {
	stored, err := prepareResult(r)
	if err != nil {
		return err
	}
	key := subjectKey{stored.SubjectType, stored.SubjectID}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.results[key]
	if !ok {
		return ErrNotFound
	}
	if !cur.ComputedAt.Equal(stored.ComputedAt) {
		return ErrConflict
	}
	s.results[key] = stored
	return nil
}

func (s *MemoryStore) ListResults(_ context.Context, filter ResultFilter) ([]model.DecisionResult, error) {
	s.mu.RLock()
	var out []model.DecisionResult
	for _, r := range s.results {
		if !matches(r, filter) {
			continue
		}
		c, err := r.Clone()
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		out = append(out, *c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return newer(out[i].ComputedAt.UnixNano(), out[j].ComputedAt.UnixNano(), out[i].SubjectID, out[j].SubjectID)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	return truncate(out, filter.Limit), nil
}

func matches(r *model.DecisionResult, f ResultFilter) bool {
	switch {
	case f.SubjectType != "" && r.SubjectType != f.SubjectType:
		return false
	case f.SourceKind != "" && r.SourceKind != f.SourceKind:
		return false
	case f.AnomaliesOnly && !r.IsAnomaly:
		return false
	case f.UnconfirmedOnly && r.IsConfirmed:
		return false
	case !f.Since.IsZero() && r.ComputedAt.Before(f.Since):
		return false
	}
	return true
}

// newer orders by timestamp descending, then id descending, matching the
// SQL backends' ORDER BY.
func newer(a, b int64, aID, bID string) bool {
	if a != b {
		return a > b
	}
	return aID > bID
}

func truncate[T any](xs []T, limit int) []T {
	if limit > 0 && len(xs) > limit {
		return xs[:limit]
	}
	return xs
}
