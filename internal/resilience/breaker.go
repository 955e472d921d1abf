// Package resilience guards text-generation provider calls with per-provider
// circuit breakers and retries transient failures with backoff.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the position of a provider breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrCircuitOpen rejects a call without reaching the provider.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls when a breaker opens and how it recovers.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive tripping failures open the breaker.
	FailureThreshold int
	// ResetTimeout is how long an open breaker waits before letting one
	// probe through.
	ResetTimeout time.Duration
	// ShouldTrip decides which errors count as failures. Nil counts every
	// non-nil error.
	ShouldTrip func(err error) bool
}

// DefaultCircuitBreakerConfig opens after 5 failures and probes after 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

func (c CircuitBreakerConfig) normalized() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.ShouldTrip == nil {
		c.ShouldTrip = func(err error) bool { return err != nil }
	}
	return c
}

// StateListener observes breaker transitions for a named provider.
type StateListener func(name string, from, to CircuitState)

// Breaker guards one provider. While half-open it admits a single probe at
// a time; the probe's outcome closes or reopens it.
type Breaker struct {
	name   string
	cfg    CircuitBreakerConfig
	notify func(name string, from, to CircuitState)
	now    func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(name string, cfg CircuitBreakerConfig, notify func(string, CircuitState, CircuitState)) *Breaker {
	return &Breaker{name: name, cfg: cfg.normalized(), notify: notify, now: time.Now}
}

// State reports the breaker position. An open breaker whose reset timeout
// has elapsed reports half-open.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.cooled() {
		return CircuitHalfOpen
	}
	return b.state
}

// Failures returns the current run of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) cooled() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout
}

// acquire admits or rejects a call. probe is true when the call is the
// half-open probe.
func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen {
		if !b.cooled() {
			return false, ErrCircuitOpen
		}
		b.moveTo(CircuitHalfOpen)
	}
	if b.state == CircuitHalfOpen {
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) release(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}
	if !b.cfg.ShouldTrip(err) {
		b.failures = 0
		if b.state == CircuitHalfOpen {
			b.moveTo(CircuitClosed)
		}
		return
	}

	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.now()
		if b.state != CircuitOpen {
			b.moveTo(CircuitOpen)
		}
	}
}

// moveTo must be called with mu held.
func (b *Breaker) moveTo(to CircuitState) {
	from := b.state
	b.state = to
	if b.notify != nil && from != to {
		b.notify(b.name, from, to)
	}
}

// Execute runs fn unless the breaker rejects the call.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for calls that return a value.
func ExecuteVal[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	probe, err := b.acquire()
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := fn(ctx)
	b.release(probe, err)
	return v, err
}

// ServiceBreakers holds one breaker per provider name, created on first use.
type ServiceBreakers struct {
	cfg CircuitBreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker

	// lmu guards listener separately; breakers emit while holding their
	// own lock.
	lmu      sync.Mutex
	listener StateListener
}

// NewServiceBreakers creates an empty registry sharing cfg.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// OnStateChange sets the listener for every breaker in the registry,
// including those already created.
func (sb *ServiceBreakers) OnStateChange(l StateListener) {
	sb.lmu.Lock()
	sb.listener = l
	sb.lmu.Unlock()
}

func (sb *ServiceBreakers) emit(name string, from, to CircuitState) {
	sb.lmu.Lock()
	l := sb.listener
	sb.lmu.Unlock()
	if l != nil {
		l(name, from, to)
	}
}

// Get returns the breaker for name.
func (sb *ServiceBreakers) Get(name string) *Breaker {
	sb.mu.RLock()
	b := sb.breakers[name]
	sb.mu.RUnlock()
	if b != nil {
		return b
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if b = sb.breakers[name]; b == nil {
		b = newBreaker(name, sb.cfg, sb.emit)
		sb.breakers[name] = b
	}
	return b
}

// Open reports whether calls to name are currently rejected. Unknown names
// are closed.
func (sb *ServiceBreakers) Open(name string) bool {
	sb.mu.RLock()
	b := sb.breakers[name]
	sb.mu.RUnlock()
	return b != nil && b.State() == CircuitOpen
}

// States snapshots every known breaker.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make(map[string]CircuitState, len(sb.breakers))
	for name, b := range sb.breakers {
		out[name] = b.State()
	}
	return out
}
