// Package breaker implements the process-wide circuit breaker gating each
// protected operation family. While a family's breaker is open, every
// request is rejected immediately with CIRCUIT_BREAKER_OPEN and no external
// call is attempted. The breaker is independent of idempotency: a breaker
// rejection never marks an idempotency key completed.
package breaker

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
)

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the breaker thresholds (FAILURE_THRESHOLD, WINDOW_MS,
// COOLDOWN_MS on the config surface).
type Config struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

// DefaultConfig trips after five failures in a one-minute window and cools
// down for thirty seconds.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Window: time.Minute, Cooldown: 30 * time.Second}
}

// Breaker is the per-family state machine. All transitions happen under the
// mutex; callers interact through Allow / Success / Failure.
type Breaker struct {
	mu    sync.Mutex
	cfg   Config
	clock func() time.Time

	state         State
	failureCount  int
	windowStarted time.Time
	openedAt      time.Time
	trialInFlight bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, clock: time.Now, state: StateClosed}
}

// WithClock overrides the clock for deterministic testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// State returns the current state, advancing open → half_open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.clock())
	return b.state
}

// Allow reports whether a request may proceed. In half_open, exactly one
// trial is admitted; concurrent requests during the trial are rejected.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	b.advance(now)

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

// Success records a successful call. A half-open trial success closes the
// breaker and clears the failure window.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.trialInFlight = false
	}
	b.failureCount = 0
	b.windowStarted = time.Time{}
}

// Failure records a failed call. Threshold failures within the rolling
// window open the breaker; a half-open trial failure re-opens it and
// restarts the cooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = now
		b.trialInFlight = false
		return
	}
	if b.state == StateOpen {
		return
	}

	// Rolling window: the count resets once the window elapses.
	if b.windowStarted.IsZero() || now.Sub(b.windowStarted) > b.cfg.Window {
		b.windowStarted = now
		b.failureCount = 0
	}
	b.failureCount++
	if b.failureCount >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

// Cancel abandons an admitted call without recording an outcome. A
// half-open trial that is rejected locally, before any upstream call is
// made, frees the trial slot so the next request can probe.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

// advance moves open → half_open after the cooldown. Called under the mutex.
func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
		b.trialInFlight = false
	}
}

// Snapshot reports the externally visible breaker state.
type Snapshot struct {
	State         State     `json:"state"`
	FailureCount  int       `json:"failureCount"`
	WindowStarted time.Time `json:"windowStartedAt,omitempty"`
	OpenedAt      time.Time `json:"openedAt,omitempty"`
}

// Snapshot returns the current counters for diagnostics and audit events.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.clock())
	return Snapshot{
		State:         b.state,
		FailureCount:  b.failureCount,
		WindowStarted: b.windowStarted,
		OpenedAt:      b.openedAt,
	}
}

// Registry holds one breaker per protected operation family.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
	clock    func() time.Time
}

// NewRegistry creates a registry applying cfg to every family.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker), clock: time.Now}
}

// WithClock overrides the clock used for breakers created after the call.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// For returns the breaker for a family, creating it on first use.
func (r *Registry) For(family string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[family]
	if !ok {
		b = New(r.cfg).WithClock(r.clock)
		r.breakers[family] = b
	}
	return b
}

// Admit is the gateway-facing check: it returns a CIRCUIT_BREAKER_OPEN
// error when the family's breaker rejects the request.
func (r *Registry) Admit(family string) error {
	b := r.For(family)
	if !b.Allow() {
		snap := b.Snapshot()
		return errcode.Newf(errcode.CodeBreakerOpen,
			"circuit breaker open for family %q", family).
			WithDetail("state", string(snap.State)).
			WithDetail("openedAt", snap.OpenedAt)
	}
	return nil
}
