package decision

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/advisor/internal/model"
)

// BatchItem is the outcome of one query in a batch.
type BatchItem struct {
	Query  model.DecisionQuery    `json:"query"`
	Result *model.DecisionResult `json:"result,omitempty"`
	Err    error                  `json:"-"`
}

// BatchSummary counts batch outcomes.
type BatchSummary struct {
	Total    int           `json:"total"`
	AI       int           `json:"ai"`
	Fallback int           `json:"fallback"`
	Cached   int           `json:"cached"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Summarize counts items by outcome.
func Summarize(items []BatchItem) BatchSummary {
	sum := BatchSummary{Total: len(items)}
	for _, it := range items {
		switch {
		case it.Err != nil:
			sum.Failed++
		case it.Result.Cached:
			sum.Cached++
		case it.Result.SourceKind == model.SourceFallback:
			sum.Fallback++
		default:
			sum.AI++
		}
	}
	return sum
}

// DecideBatch runs the queries in parallel. Items keep the input order and
// carry their own errors; one failure never stops the others. A
// concurrency below 1 uses the configured default.
func (s *Service) DecideBatch(ctx context.Context, queries []model.DecisionQuery, concurrency int) []BatchItem {
	if concurrency < 1 {
		concurrency = s.concurrency
	}
	items := make([]BatchItem, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, q := range queries {
		items[i].Query = q
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				items[i].Err = err
				return nil
			}
			r, err := s.Decide(gctx, q)
			items[i].Result, items[i].Err = r, err
			if err != nil {
				zap.L().Warn("batch item failed",
					zap.String("subject_type", string(q.SubjectType)),
					zap.String("subject_id", q.SubjectID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return items
}

// Recompute force-refreshes up to limit subjects of one type, newest first.
func (s *Service) Recompute(ctx context.Context, st model.SubjectType, limit, concurrency int) (BatchSummary, error) {
	start := s.now()
	if !st.Valid() {
		return BatchSummary{}, invalidf("unknown subject type %q", st)
	}
	ids, err := s.store.SubjectIDs(ctx, st, limit)
	if err != nil {
		return BatchSummary{}, eris.Wrap(err, "decision: list subjects")
	}

	queries := make([]model.DecisionQuery, len(ids))
	for i, id := range ids {
		queries[i] = model.DecisionQuery{SubjectType: st, SubjectID: id, ForceRefresh: true}
	}
	sum := Summarize(s.DecideBatch(ctx, queries, concurrency))
	sum.Duration = s.now().Sub(start)

	zap.L().Info("recompute complete",
		zap.String("subject_type", string(st)),
		zap.Int("total", sum.Total),
		zap.Int("ai", sum.AI),
		zap.Int("fallback", sum.Fallback),
		zap.Int("failed", sum.Failed),
		zap.Duration("duration", sum.Duration),
	)
	return sum, ctx.Err()
}
