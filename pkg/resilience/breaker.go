package resilience

import (
	"context"
	"sync"
	"time"

	"cloudlunacy/frontdoor/pkg/errdefs"
)

// State represents a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs and state-change callbacks.
	Name string

	// FailureThreshold is the consecutive failures before the breaker opens.
	// Default: 5
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before admitting a
	// half-open probe. Default: 30s
	ResetTimeout time.Duration

	// RateClasses caps admissions per operation class, independent of the
	// state machine. Optional.
	RateClasses map[string]RateClass

	// HealthCheck, when set, is consulted by CheckHealth: a healthy report
	// moves an open breaker to half-open ahead of the reset timer.
	HealthCheck func(ctx context.Context) bool

	// OnStateChange is invoked after every transition. Optional.
	OnStateChange func(name string, from, to State)
}

// Breaker is a three-state circuit breaker with per-operation-class rate
// limits. State transitions are serialized per instance.
type Breaker struct {
	cfg   BreakerConfig
	rates *rateLimiter

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
}

// NewBreaker creates a circuit breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		cfg:   cfg,
		rates: newRateLimiter(cfg.RateClasses),
		state: StateClosed,
	}
}

// State returns the current state, accounting for a due half-open probe.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveStateLocked()
}

// Failures returns the consecutive-failure counter.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RateUsage returns the current admission count for an operation class.
func (b *Breaker) RateUsage(class string) int64 {
	return b.rates.Usage(class)
}

// Execute runs fn for the given operation class under breaker protection.
//
// Admission failures are returned without invoking fn: CIRCUIT_OPEN when the
// breaker is open, RATE_LIMITED when the class budget is exhausted. A rate
// rejection does not count as a failure toward the threshold.
func (b *Breaker) Execute(ctx context.Context, class string, fn func(ctx context.Context) error) error {
	if err := b.admit(class); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err == nil)
	return err
}

// admit applies the state machine and the rate caps.
func (b *Breaker) admit(class string) error {
	b.mu.Lock()
	state := b.effectiveStateLocked()
	if state == StateOpen {
		b.mu.Unlock()
		return errdefs.Newf(errdefs.KindCircuitOpen,
			"%s breaker is open (%d consecutive failures)", b.cfg.Name, b.failures)
	}
	b.mu.Unlock()

	// Rate caps are independent of the state machine and never count as
	// breaker failures.
	if !b.rates.Admit(class) {
		return errdefs.Newf(errdefs.KindRateLimited,
			"%s operation class %q budget exhausted", b.cfg.Name, class)
	}
	return nil
}

// record feeds the call outcome back into the state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.effectiveStateLocked()

	if success {
		b.failures = 0
		if state != StateClosed {
			b.transitionLocked(StateClosed)
		}
		return
	}

	b.failures++
	b.lastFailure = time.Now()

	switch state {
	case StateHalfOpen:
		// Probe failed: back to open, schedule the next probe.
		b.transitionLocked(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	}
}

// CheckHealth consults the injected health check. When the breaker is open
// and the check reports healthy, the breaker moves to half-open so the next
// call probes the real path. Intended to be driven by a background loop.
func (b *Breaker) CheckHealth(ctx context.Context) {
	if b.cfg.HealthCheck == nil {
		return
	}

	b.mu.Lock()
	open := b.effectiveStateLocked() == StateOpen
	b.mu.Unlock()
	if !open {
		return
	}

	if b.cfg.HealthCheck(ctx) {
		b.mu.Lock()
		if b.state == StateOpen {
			b.transitionLocked(StateHalfOpen)
		}
		b.mu.Unlock()
	}
}

// Reset forces the breaker closed and clears the failure counter. Used by
// the recovery escalator after a successful escalation.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
}

// effectiveStateLocked folds the reset timer into the stored state: an open
// breaker whose timer has elapsed reports half-open. Caller holds the lock.
func (b *Breaker) effectiveStateLocked() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.transitionLocked(StateHalfOpen)
	}
	return b.state
}

// transitionLocked applies a state change. Caller holds the lock.
func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to == StateOpen {
		b.openedAt = time.Now()
	}

	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
