// Package retry implements the §4.5 Retry Governor: per-share failure
// counting, the exponential-backoff delay formula (built on
// cenkalti/backoff's envelope, clamped to the spec's caps), and the
// circuit breaker that suppresses retries after 5 consecutive failures
// until a 5-minute cool-down elapses.
package retry

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sharewatch/sharewatchd/pkg/share"
)

// StrategyParams is the {base, multiplier, maxAttempts} envelope for one
// of the built-in RetryStrategy values.
type StrategyParams struct {
	Base        time.Duration
	Multiplier  float64
	MaxAttempts int
}

// Defaults holds the §4.5 strategy defaults.
var Defaults = map[share.RetryStrategy]StrategyParams{
	share.Aggressive:   {Base: 5 * time.Second, Multiplier: 1.5, MaxAttempts: 10},
	share.Normal:       {Base: 30 * time.Second, Multiplier: 2.0, MaxAttempts: 5},
	share.Conservative: {Base: 300 * time.Second, Multiplier: 3.0, MaxAttempts: 3},
	share.Manual:       {Base: 0, Multiplier: 1.0, MaxAttempts: 1},
}

const (
	circuitBreakerThreshold = 5
	circuitBreakerCooldown  = 5 * time.Minute

	cappedDelayCustom  = 120 * time.Second
	cappedDelayDefault = 600 * time.Second
)

// Governor tracks one share's consecutive-failure counter and computes
// retry delays. It is safe for concurrent use; the spec's actor model
// maps to an internal mutex since a Governor instance is addressed only
// through the evaluator running on that share's serial queue, but tests
// and the health-probe fan-out may still read it concurrently.
type Governor struct {
	mu sync.Mutex

	failures      int
	lastFailureAt time.Time
	attempts      int
	lastSuccessAt time.Time

	// now is overridable in tests; nil means time.Now.
	now func() time.Time
}

// NewGovernor returns a fresh Governor with zeroed counters.
func NewGovernor() *Governor {
	return &Governor{}
}

// SetClockForTest overrides the Governor's time source; tests use it to
// exercise the circuit breaker's 5-minute cooldown without sleeping.
func (g *Governor) SetClockForTest(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

func (g *Governor) clock() time.Time {
	if g.now != nil {
		return g.now()
	}
	return time.Now()
}

// ShouldRetry implements the circuit breaker: true iff failures < 5, or
// the cooldown has elapsed since the last failure (in which case
// failures is reset to 0 as a side effect, per §8's circuit-breaker
// property).
func (g *Governor) ShouldRetry() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failures < circuitBreakerThreshold {
		return true
	}
	if !g.lastFailureAt.IsZero() && g.clock().Sub(g.lastFailureAt) > circuitBreakerCooldown {
		g.failures = 0
		return true
	}
	return false
}

// RecordSuccess resets the failure counter and stamps lastSuccessAt.
func (g *Governor) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.attempts = 0
	g.lastSuccessAt = g.clock()
}

// RecordFailure increments the consecutive-failure counter and stamps
// lastFailureAt.
func (g *Governor) RecordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	g.attempts++
	g.lastFailureAt = g.clock()
}

// Reset clears the failure and attempt counters and lastFailureAt;
// Registry.ClearAll calls it for every share on a network change.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.attempts = 0
	g.lastFailureAt = time.Time{}
}

// Failures returns the current consecutive-failure count, for tests and
// observers.
func (g *Governor) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

// WasRecentlySuccessful reports whether the last success happened within
// the last withinSeconds seconds.
func (g *Governor) WasRecentlySuccessful(withinSeconds float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastSuccessAt.IsZero() {
		return false
	}
	return g.clock().Sub(g.lastSuccessAt) <= time.Duration(withinSeconds*float64(time.Second))
}

// jitter applies a cenkalti/backoff ExponentialBackOff as a one-shot
// randomizer: NextBackOff() on a freshly Reset backoff returns a value
// uniformly distributed in [interval*(1-rf), interval*(1+rf)], which is
// exactly the §4.5 jitter envelope (rf=0.2 ⇒ U[0.8,1.2], rf=0.1 ⇒
// U[0.9,1.1]). The library's own interval growth (Multiplier) is left at
// 1 since the exponent is already folded into interval by the caller.
func jitter(interval time.Duration, randomizationFactor float64, cap time.Duration) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     interval,
		RandomizationFactor: randomizationFactor,
		Multiplier:          1,
		MaxInterval:         cap,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := b.NextBackOff()
	if d < 0 || d == backoff.Stop {
		d = 0
	}
	if d > cap {
		d = cap
	}
	return d
}

// NextDelay computes the retry delay per §4.5: linear with a custom
// interval (jitter ×U[0.9,1.1], capped at 120s), otherwise exponential
// off the strategy's base/multiplier (jitter ×U[0.8,1.2], capped at
// 600s). Manual always returns (0, false) meaning "no auto-retry".
func (g *Governor) NextDelay(strategy share.RetryStrategy, customInterval *time.Duration) (time.Duration, bool) {
	if strategy == share.Manual {
		return 0, false
	}
	params, ok := Defaults[strategy]
	if !ok {
		params = Defaults[share.Normal]
	}

	g.mu.Lock()
	failures := g.failures
	g.mu.Unlock()

	if customInterval != nil {
		mult := float64(failures + 1)
		if mult > 3 {
			mult = 3
		}
		base := time.Duration(float64(*customInterval) * mult)
		return jitter(base, 0.1, cappedDelayCustom), true
	}

	exp := failures
	if exp > 4 {
		exp = 4
	}
	base := time.Duration(float64(params.Base) * pow(params.Multiplier, exp))
	return jitter(base, 0.2, cappedDelayDefault), true
}

// MaxAttempts resolves the effective attempt cap for a strategy, honoring
// a per-share override.
func MaxAttempts(strategy share.RetryStrategy, override *int) int {
	if override != nil && *override > 0 {
		return *override
	}
	if p, ok := Defaults[strategy]; ok {
		return p.MaxAttempts
	}
	return Defaults[share.Normal].MaxAttempts
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Registry is the Coordinator's set of per-share Governors, keyed by
// share ID. ClearAll implements the §4.4/§4.5 interaction: a
// NetworkChanged event resets every share's retry counters since the
// governor is optimistic after topology changes.
type Registry struct {
	mu         sync.Mutex
	governors  map[string]*Governor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{governors: make(map[string]*Governor)}
}

// Get returns the Governor for shareID, creating one lazily.
func (r *Registry) Get(shareID string) *Governor {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.governors[shareID]
	if !ok {
		g = NewGovernor()
		r.governors[shareID] = g
	}
	return g
}

// ClearAll resets every known share's Governor.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	gs := make([]*Governor, 0, len(r.governors))
	for _, g := range r.governors {
		gs = append(gs, g)
	}
	r.mu.Unlock()
	for _, g := range gs {
		g.Reset()
	}
}

// Delete removes a share's Governor entirely, used on share deletion.
func (r *Registry) Delete(shareID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.governors, shareID)
}
