// Package decision runs the decision pipeline: cache check, subject and
// history loading, baseline computation, the provider call with parsing,
// statistical fallback, scoring and persistence.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/advisor/internal/baseline"
	"github.com/sells-group/advisor/internal/config"
	"github.com/sells-group/advisor/internal/gateway"
	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/parse"
	"github.com/sells-group/advisor/internal/prompt"
	"github.com/sells-group/advisor/internal/resilience"
	"github.com/sells-group/advisor/internal/schema"
	"github.com/sells-group/advisor/internal/scorer"
	"github.com/sells-group/advisor/internal/store"
	"github.com/sells-group/advisor/internal/taxonomy"
)

// maxRawInLog bounds the provider text attached to parse-failure logs.
const maxRawInLog = 500

// Store is the persistence the orchestrator needs.
type Store interface {
	store.DomainReader
	store.ResultStore
}

// Invoker sends a prompt to a text-generation provider.
type Invoker interface {
	Invoke(ctx context.Context, text prompt.Text, c gateway.Constraints) (*gateway.RawResponse, error)
}

// Recorder receives audit entries for reviewer actions.
type Recorder interface {
	LogUpdate(ctx context.Context, entityKind, id string, before, after any, actorID string) error
}

// Outcome describes one served decision.
type Outcome struct {
	SubjectType model.SubjectType
	SourceKind  model.SourceKind
	Provider    string
	Cached      bool
	Persisted   bool
	IsAnomaly   bool
	// FallbackReason is empty for AI results, e.g. "provider:timeout" or
	// "parse".
	FallbackReason string
	Duration       time.Duration
}

// Observer receives an Outcome per Decide call that produced a result.
type Observer interface {
	DecisionServed(o Outcome)
}

// ConfirmRequest is a reviewer accepting or correcting a result.
type ConfirmRequest struct {
	SubjectType model.SubjectType `json:"subject_type"`
	SubjectID   string            `json:"subject_id"`
	Reviewer    string            `json:"reviewer"`
	// Override replaces the payload's primary value when set.
	Override *string `json:"override,omitempty"`
	Note     string  `json:"note,omitempty"`
}

// Service is the decision orchestrator.
type Service struct {
	store    Store
	invoker  Invoker
	tax      *taxonomy.Taxonomy
	engine   *baseline.Engine
	prompts  *prompt.Builder
	scorer   *scorer.Scorer
	audit    Recorder
	observer Observer

	retry         resilience.RetryConfig
	windows       map[model.SubjectType]time.Duration
	defaultWindow time.Duration
	historyLimit  int
	maxTokens     int
	timeout       time.Duration
	concurrency   int

	now   func() time.Time
	newID func() string
}

// Option configures a Service.
type Option func(*Service)

// WithTaxonomy sets the expense category list.
func WithTaxonomy(t *taxonomy.Taxonomy) Option {
	return func(s *Service) {
		if t != nil {
			s.tax = t
		}
	}
}

// WithEngine sets the baseline engine.
func WithEngine(e *baseline.Engine) Option {
	return func(s *Service) { s.engine = e }
}

// WithPromptBuilder sets the prompt builder.
func WithPromptBuilder(b *prompt.Builder) Option {
	return func(s *Service) { s.prompts = b }
}

// WithScorer sets the confidence scorer.
func WithScorer(sc *scorer.Scorer) Option {
	return func(s *Service) { s.scorer = sc }
}

// WithAudit sets the audit recorder for confirmations.
func WithAudit(r Recorder) Option {
	return func(s *Service) { s.audit = r }
}

// WithObserver sets the outcome observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithRetry sets the orchestrator-level retry of transient provider errors.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *Service) { s.retry = cfg }
}

// WithValidity sets the default validity window and per-type overrides.
func WithValidity(def time.Duration, perType map[model.SubjectType]time.Duration) Option {
	return func(s *Service) {
		if def > 0 {
			s.defaultWindow = def
		}
		for st, d := range perType {
			if d > 0 {
				s.windows[st] = d
			}
		}
	}
}

// WithHistoryLimit bounds the history loaded per decision.
func WithHistoryLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithGatewayLimits sets the per-call token and time bounds. Zero values
// defer to the gateway defaults.
func WithGatewayLimits(maxTokens int, timeout time.Duration) Option {
	return func(s *Service) {
		s.maxTokens = maxTokens
		s.timeout = timeout
	}
}

// WithBatchConcurrency sets the default parallelism of batches.
func WithBatchConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRequestIDs overrides the request marker generator.
func WithRequestIDs(next func() string) Option {
	return func(s *Service) { s.newID = next }
}

// New creates a Service. A nil invoker sends every decision to the
// statistical fallback.
func New(st Store, inv Invoker, opts ...Option) *Service {
	s := &Service{
		store:         st,
		invoker:       inv,
		tax:           taxonomy.Default(),
		retry:         resilience.RetryConfig{MaxAttempts: 1},
		windows:       make(map[model.SubjectType]time.Duration),
		defaultWindow: 7 * 24 * time.Hour,
		historyLimit:  50,
		concurrency:   4,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	if s.engine == nil {
		s.engine = baseline.New(baseline.DefaultConfig(), s.tax)
	}
	if s.prompts == nil {
		s.prompts = prompt.NewBuilder(s.tax, 10)
	}
	if s.scorer == nil {
		s.scorer = scorer.New(scorer.DefaultScorerConfig())
	}
	return s
}

// ConfigOptions translates configuration into options. A nil taxonomy uses
// the built-in categories.
func ConfigOptions(cfg *config.Config, tax *taxonomy.Taxonomy) []Option {
	if tax == nil {
		tax = taxonomy.Default()
	}
	perType := make(map[model.SubjectType]time.Duration)
	for slug, h := range cfg.Decision.ValidityHours {
		if st, err := model.ParseSubjectType(slug); err == nil {
			perType[st] = time.Duration(h) * time.Hour
		}
	}
	return []Option{
		WithTaxonomy(tax),
		WithEngine(baseline.New(cfg.Baseline, tax)),
		WithPromptBuilder(prompt.NewBuilder(tax, cfg.Decision.PromptHistory)),
		WithScorer(scorer.New(cfg.Scorer)),
		WithRetry(resilience.FromRetryConfig(cfg.AI.Retry)),
		WithValidity(time.Duration(cfg.Decision.DefaultValidityHours)*time.Hour, perType),
		WithHistoryLimit(cfg.Decision.HistoryLimit),
		WithGatewayLimits(cfg.AI.MaxTokens, time.Duration(cfg.AI.TimeoutSecs)*time.Second),
		WithBatchConcurrency(cfg.Decision.BatchConcurrency),
	}
}

// Window returns the validity window for st.
func (s *Service) Window(st model.SubjectType) time.Duration {
	if d, ok := s.windows[st]; ok {
		return d
	}
	return s.defaultWindow
}

func (s *Service) validate(q model.DecisionQuery) (Strategy, error) {
	strat, ok := strategyFor(q.SubjectType)
	if !ok {
		return nil, invalidf("unknown subject type %q", q.SubjectType)
	}
	if strings.TrimSpace(q.SubjectID) == "" {
		return nil, invalidf("subject id is required")
	}
	if err := validateParameters(q.Parameters); err != nil {
		return nil, err
	}
	return strat, nil
}

// Decide returns the current decision for the query's subject, computing
// and persisting a fresh one when nothing servable is stored.
func (s *Service) Decide(ctx context.Context, q model.DecisionQuery) (*model.DecisionResult, error) {
	start := s.now()
	strat, err := s.validate(q)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(
		zap.String("subject_type", string(q.SubjectType)),
		zap.String("subject_id", q.SubjectID),
	)

	if !q.ForceRefresh {
		cached, err := s.store.GetResult(ctx, q.SubjectType, q.SubjectID)
		if err != nil {
			return nil, eris.Wrap(err, "decision: cache lookup")
		}
		if cached != nil && cached.Servable(start) {
			cached.Cached = true
			log.Debug("serving stored result", zap.Bool("confirmed", cached.IsConfirmed))
			s.observe(Outcome{
				SubjectType: q.SubjectType,
				SourceKind:  cached.SourceKind,
				Provider:    cached.ProviderID,
				Cached:      true,
				IsAnomaly:   cached.IsAnomaly,
				Duration:    s.now().Sub(start),
			})
			return cached, nil
		}
	}

	in, err := strat.Load(ctx, s.store, q.SubjectID)
	if err != nil {
		return nil, err
	}
	params, err := strat.Apply(&in, q.Parameters)
	if err != nil {
		return nil, err
	}

	requestID := s.newID()
	if err := s.store.MarkRequested(ctx, q.SubjectType, q.SubjectID, requestID); err != nil {
		return nil, eris.Wrap(err, "decision: mark request")
	}
	log = log.With(zap.String("request_id", requestID))

	hist, err := strat.History(ctx, s.store, in, s.historyLimit)
	if err != nil {
		log.Warn("history unavailable, continuing without it", zap.Error(err))
		hist.Records = nil
	}

	base := s.engine.Compute(q.SubjectType, in, hist)
	text := s.prompts.Build(q.SubjectType, params, hist, base.Summary)

	gen := s.generate(ctx, log, q, text, base)
	if err := ctx.Err(); err != nil {
		log.Info("decision cancelled, result discarded")
		return nil, err
	}

	score := s.scorer.Score(gen.payload, gen.source, base.Anomalies)
	now := s.now()
	result := &model.DecisionResult{
		SubjectType:     q.SubjectType,
		SubjectID:       q.SubjectID,
		Payload:         gen.payload,
		ConfidenceScore: score.Confidence,
		IsAnomaly:       score.IsAnomaly,
		AnomalyDetail:   score.Reasons,
		SourceKind:      gen.source,
		ProviderID:      gen.provider,
		Model:           gen.model,
		ComputedAt:      now,
		ValidUntil:      now.Add(s.Window(q.SubjectType)),
		Notes:           gen.notes,
	}

	applied, err := s.store.UpsertResult(ctx, result, requestID)
	if err != nil {
		return nil, eris.Wrap(err, "decision: save result")
	}
	if !applied {
		log.Info("newer request in flight, result not persisted")
	}

	log.Info("decision computed",
		zap.String("source_kind", string(result.SourceKind)),
		zap.String("provider", result.ProviderID),
		zap.Float64("confidence", result.ConfidenceScore),
		zap.Bool("anomaly", result.IsAnomaly),
		zap.Int("history", hist.Len()),
	)
	s.observe(Outcome{
		SubjectType:    q.SubjectType,
		SourceKind:     result.SourceKind,
		Provider:       result.ProviderID,
		Persisted:      applied,
		IsAnomaly:      result.IsAnomaly,
		FallbackReason: gen.reason,
		Duration:       s.now().Sub(start),
	})
	return result, nil
}

type generated struct {
	payload  model.Payload
	source   model.SourceKind
	provider string
	model    string
	notes    []string
	reason   string
}

// generate calls the provider and parses its answer, falling back to the
// baseline payload on any provider or parse failure.
func (s *Service) generate(ctx context.Context, log *zap.Logger, q model.DecisionQuery, text prompt.Text, base baseline.Result) generated {
	fallback := func(reason string) generated {
		return generated{
			payload:  base.Payload,
			source:   model.SourceFallback,
			provider: model.FallbackProviderID,
			notes:    append(append([]string(nil), base.Notes...), "statistical fallback: "+reason),
			reason:   reason,
		}
	}
	if s.invoker == nil {
		return fallback("no provider configured")
	}

	retry := s.retry
	retry.OnRetry = resilience.RetryLogger("decision.invoke",
		zap.String("subject_type", string(q.SubjectType)),
		zap.String("subject_id", q.SubjectID),
	)
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*gateway.RawResponse, error) {
		return s.invoker.Invoke(ctx, text, gateway.Constraints{
			MaxTokens: s.maxTokens,
			Timeout:   s.timeout,
			Provider:  q.Provider,
		})
	})
	if err != nil {
		var pe *gateway.ProviderError
		if errors.As(err, &pe) {
			log.Warn("provider failed, using statistical fallback",
				zap.String("provider", pe.Provider),
				zap.String("kind", string(pe.Kind)),
				zap.Int("status", pe.StatusCode),
				zap.Error(err),
			)
			return fallback("provider:" + string(pe.Kind))
		}
		log.Warn("provider call failed, using statistical fallback", zap.Error(err))
		return fallback("provider:error")
	}

	payload, err := parse.Parse(q.SubjectType, s.tax, resp.Text)
	if err != nil {
		fields := []zap.Field{
			zap.String("provider", resp.Provider),
			zap.String("raw", excerpt(resp.Text, maxRawInLog)),
			zap.Error(err),
		}
		var pe *parse.ParseError
		if errors.As(err, &pe) {
			fields = append(fields, zap.String("field", pe.Field), zap.String("reason", pe.Reason))
		}
		log.Warn("unparseable provider output, using statistical fallback", fields...)
		return fallback("parse")
	}
	return generated{
		payload:  payload,
		source:   model.SourceAI,
		provider: resp.Provider,
		model:    resp.Model,
		notes:    base.Notes,
	}
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (s *Service) observe(o Outcome) {
	if s.observer != nil {
		s.observer.DecisionServed(o)
	}
}

// Current returns the stored result regardless of its age.
func (s *Service) Current(ctx context.Context, st model.SubjectType, id string) (*model.DecisionResult, error) {
	if !st.Valid() {
		return nil, invalidf("unknown subject type %q", st)
	}
	r, err := s.store.GetResult(ctx, st, id)
	if err != nil {
		return nil, eris.Wrap(err, "decision: get result")
	}
	if r == nil {
		return nil, eris.Wrapf(ErrResultNotFound, "%s %q", st, id)
	}
	r.Cached = true
	return r, nil
}

// Confirm marks the stored result as reviewed, optionally replacing its
// primary value. Confirmed results are served until recomputed with
// ForceRefresh.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*model.DecisionResult, error) {
	if !req.SubjectType.Valid() {
		return nil, invalidf("unknown subject type %q", req.SubjectType)
	}
	if strings.TrimSpace(req.Reviewer) == "" {
		return nil, invalidf("reviewer is required")
	}

	current, err := s.Current(ctx, req.SubjectType, req.SubjectID)
	if err != nil {
		return nil, err
	}
	before, err := current.Clone()
	if err != nil {
		return nil, eris.Wrap(err, "decision: snapshot result")
	}
	before.Cached = false

	r := current
	r.Cached = false
	if req.Override != nil {
		name := r.Payload.PrimaryField()
		field, ok := schema.For(req.SubjectType, s.tax).Field(name)
		if !ok {
			return nil, eris.Errorf("decision: %s has no %s field", req.SubjectType, name)
		}
		value, ok := field.Accepts(*req.Override)
		if !ok || strings.TrimSpace(value) == "" {
			return nil, invalidf("override %q is not a valid %s", *req.Override, name)
		}
		if from := r.Payload.Primary(); from != value {
			r.Override = &model.Override{Field: name, From: from, To: value}
			r.Payload.SetPrimary(value)
		}
	}
	now := s.now()
	r.IsConfirmed = true
	r.ConfirmedBy = req.Reviewer
	r.ConfirmedAt = &now
	if req.Note != "" {
		r.Notes = append(r.Notes, fmt.Sprintf("review: %s", req.Note))
	}

	if err := s.store.SaveConfirmation(ctx, r); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, eris.Wrapf(ErrResultNotFound, "%s %q", req.SubjectType, req.SubjectID)
		case errors.Is(err, store.ErrConflict):
			return nil, eris.Wrapf(ErrResultChanged, "%s %q computed at %s", req.SubjectType, req.SubjectID,
				current.ComputedAt.Format(time.RFC3339Nano))
		}
		return nil, eris.Wrap(err, "decision: save confirmation")
	}

	if s.audit != nil {
		id := string(req.SubjectType) + "/" + req.SubjectID
		if err := s.audit.LogUpdate(ctx, "decision_result", id, before, r, req.Reviewer); err != nil {
			zap.L().Warn("audit entry not recorded",
				zap.String("subject_type", string(req.SubjectType)),
				zap.String("subject_id", req.SubjectID),
				zap.Error(err),
			)
		}
	}
	zap.L().Info("decision confirmed",
		zap.String("subject_type", string(req.SubjectType)),
		zap.String("subject_id", req.SubjectID),
		zap.String("reviewer", req.Reviewer),
		zap.Bool("overridden", r.Override != nil),
	)
	return r, nil
}

// List returns stored results, newest first.
func (s *Service) List(ctx context.Context, f store.ResultFilter) ([]model.DecisionResult, error) {
	if f.SubjectType != "" && !f.SubjectType.Valid() {
		return nil, invalidf("unknown subject type %q", f.SubjectType)
	}
	out, err := s.store.ListResults(ctx, f)
	return out, eris.Wrap(err, "decision: list results")
}
