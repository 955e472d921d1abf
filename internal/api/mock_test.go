package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/advisor/internal/decision"
	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/monitoring"
	"github.com/sells-group/advisor/internal/ratelimit"
	"github.com/sells-group/advisor/internal/store"
)

type mockDecider struct {
	mock.Mock
}

func (m *mockDecider) Decide(ctx context.Context, q model.DecisionQuery) (*model.DecisionResult, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DecisionResult), args.Error(1)
}

func (m *mockDecider) Current(ctx context.Context, st model.SubjectType, id string) (*model.DecisionResult, error) {
	args := m.Called(ctx, st, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DecisionResult), args.Error(1)
}

func (m *mockDecider) Confirm(ctx context.Context, req decision.ConfirmRequest) (*model.DecisionResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DecisionResult), args.Error(1)
}

func (m *mockDecider) DecideBatch(ctx context.Context, queries []model.DecisionQuery, concurrency int) []decision.BatchItem {
	args := m.Called(ctx, queries, concurrency)
	return args.Get(0).([]decision.BatchItem)
}

func (m *mockDecider) List(ctx context.Context, f store.ResultFilter) ([]model.DecisionResult, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.DecisionResult), args.Error(1)
}

type mockStats struct {
	mock.Mock
}

func (m *mockStats) Collect(ctx context.Context, hours int) (*monitoring.MetricsSnapshot, error) {
	args := m.Called(ctx, hours)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*monitoring.MetricsSnapshot), args.Error(1)
}

type mockLimiter struct {
	mock.Mock
}

func (m *mockLimiter) Allow(ctx context.Context, key string) (ratelimit.Result, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(ratelimit.Result), args.Error(1)
}

func (m *mockLimiter) Close() error { return nil }
