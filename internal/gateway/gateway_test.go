package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/advisor/internal/prompt"
	"github.com/sells-group/advisor/internal/resilience"
)

type fakeProvider struct {
	name  string
	model string
	text  string
	err   error
	delay time.Duration

	mu    sync.Mutex
	calls int
	last  Request
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Model() string { return f.model }

func (f *fakeProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Completion{Text: f.text, InputTokens: 1000, OutputTokens: 200}, nil
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingObserver struct {
	mu    sync.Mutex
	stats []CallStats
}

func (r *recordingObserver) ProviderCall(s CallStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, s)
}

var text = prompt.Text{System: "persona", User: "subject"}

func requireKind(t *testing.T, err error, kind ErrorKind) *ProviderError {
	t.Helper()
	var pe *ProviderError
	require.True(t, errors.As(err, &pe), "expected *ProviderError, got %T: %v", err, err)
	assert.Equal(t, kind, pe.Kind)
	return pe
}

func TestInvoke_UsesPriorityOrder(t *testing.T) {
	primary := &fakeProvider{name: "primary", model: "claude-haiku-4-5-20251001", text: `{"ok":true}`}
	backup := &fakeProvider{name: "backup", model: "gpt-4o-mini", text: `{}`}
	obs := &recordingObserver{}

	g := New(WithObserver(obs), WithMaxTokens(256))
	g.Register(backup, 2)
	g.Register(primary, 1)

	resp, err := g.Invoke(context.Background(), text, Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Provider)
	assert.Equal(t, "claude-haiku-4-5-20251001", resp.Model)
	assert.Equal(t, `{"ok":true}`, resp.Text)
	assert.Equal(t, 1000, resp.InputTokens)
	assert.InDelta(t, 0.0016, resp.CostUSD, 1e-9)
	assert.Equal(t, 0, backup.Calls())
	assert.Equal(t, 256, primary.last.MaxTokens)
	assert.Equal(t, "persona", primary.last.System)

	require.Len(t, obs.stats, 1)
	assert.Equal(t, "ok", obs.stats[0].Outcome)

	names := []string{}
	for _, s := range g.Providers() {
		names = append(names, s.Name)
		assert.Equal(t, "closed", s.Circuit)
	}
	assert.Equal(t, []string{"primary", "backup"}, names)
}

func TestInvoke_PinnedProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", text: "a"}
	backup := &fakeProvider{name: "backup", text: "b"}
	g := New()
	g.Register(primary, 1)
	g.Register(backup, 2)

	resp, err := g.Invoke(context.Background(), text, Constraints{Provider: "backup", MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Provider)
	assert.Equal(t, 64, backup.last.MaxTokens)

	_, err = g.Invoke(context.Background(), text, Constraints{Provider: "missing"})
	pe := requireKind(t, err, KindNoProvider)
	assert.Equal(t, "missing", pe.Provider)
}

func TestInvoke_NoProviders(t *testing.T) {
	_, err := New().Invoke(context.Background(), text, Constraints{})
	requireKind(t, err, KindNoProvider)
	assert.False(t, resilience.IsTransient(err))
}

func TestInvoke_ErrorKinds(t *testing.T) {
	tests := []struct {
		name      string
		provider  *fakeProvider
		timeout   time.Duration
		kind      ErrorKind
		status    int
		transient bool
	}{
		{
			name:      "transport",
			provider:  &fakeProvider{name: "p", err: eris.New("dial tcp: connection refused")},
			kind:      KindTransport,
			transient: true,
		},
		{
			name:      "status 503",
			provider:  &fakeProvider{name: "p", err: StatusError("", http.StatusServiceUnavailable, eris.New("overloaded"))},
			kind:      KindStatus,
			status:    503,
			transient: true,
		},
		{
			name:     "status 401",
			provider: &fakeProvider{name: "p", err: StatusError("", http.StatusUnauthorized, eris.New("bad key"))},
			kind:     KindStatus,
			status:   401,
		},
		{
			name:     "empty",
			provider: &fakeProvider{name: "p", text: "  \n"},
			kind:     KindEmptyResponse,
		},
		{
			name:      "timeout",
			provider:  &fakeProvider{name: "p", text: "late", delay: time.Second},
			timeout:   20 * time.Millisecond,
			kind:      KindTimeout,
			transient: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			g.Register(tt.provider, 1)
			_, err := g.Invoke(context.Background(), text, Constraints{Timeout: tt.timeout})
			pe := requireKind(t, err, tt.kind)
			assert.Equal(t, "p", pe.Provider)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
			assert.True(t, IsProviderError(err))
		})
	}
}

func TestInvoke_CallerCancellation(t *testing.T) {
	p := &fakeProvider{name: "p", text: "x", delay: time.Second}
	g := New(WithBreakers(NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})))
	g.Register(p, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := g.Invoke(ctx, text, Constraints{})
	requireKind(t, err, KindCancelled)

	// Cancellation does not count against the provider.
	assert.Equal(t, "closed", g.Providers()[0].Circuit)

	_, err = g.Invoke(ctx, text, Constraints{})
	requireKind(t, err, KindCancelled)
	assert.Equal(t, 1, p.Calls(), "already-cancelled context never reaches the provider")
}

func TestInvoke_CircuitOpensAndSkips(t *testing.T) {
	failing := &fakeProvider{name: "primary", err: StatusError("", 500, eris.New("boom"))}
	backup := &fakeProvider{name: "backup", text: "{}"}
	g := New(WithBreakers(NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})))
	g.Register(failing, 1)
	g.Register(backup, 2)

	for i := 0; i < 2; i++ {
		_, err := g.Invoke(context.Background(), text, Constraints{})
		requireKind(t, err, KindStatus)
	}

	resp, err := g.Invoke(context.Background(), text, Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Provider)
	assert.Equal(t, 2, failing.Calls())

	_, err = g.Invoke(context.Background(), text, Constraints{Provider: "primary"})
	requireKind(t, err, KindCircuitOpen)
	assert.Equal(t, "open", g.Providers()[0].Circuit)
}

func TestInvoke_ClientErrorsDoNotTrip(t *testing.T) {
	p := &fakeProvider{name: "p", err: StatusError("", 400, eris.New("bad request"))}
	g := New(WithBreakers(NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})))
	g.Register(p, 1)

	for i := 0; i < 3; i++ {
		_, err := g.Invoke(context.Background(), text, Constraints{})
		requireKind(t, err, KindStatus)
	}
	assert.Equal(t, 3, p.Calls())
}

func TestInvoke_AllCircuitsOpen(t *testing.T) {
	p := &fakeProvider{name: "only", err: eris.New("connection reset by peer")}
	g := New(WithBreakers(NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})))
	g.Register(p, 1)

	_, err := g.Invoke(context.Background(), text, Constraints{})
	requireKind(t, err, KindTransport)

	_, err = g.Invoke(context.Background(), text, Constraints{})
	pe := requireKind(t, err, KindCircuitOpen)
	assert.Equal(t, "only", pe.Provider)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestProviderError_Message(t *testing.T) {
	err := StatusError("anthropic", 429, eris.New("slow down"))
	assert.Contains(t, err.Error(), `provider "anthropic": status (status 429): slow down`)
}
