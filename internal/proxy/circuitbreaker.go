package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/routstr/arbstr/internal/clock"
)

// CircuitState represents the operational state of a per-provider circuit breaker.
//
//	CircuitClosed   — normal operation; requests pass through, failures count.
//	CircuitOpen     — provider is failing; requests are rejected until the
//	                  open timer elapses.
//	CircuitHalfOpen — recovery; a single probe request tests the provider.
type CircuitState int

const (
	CircuitClosed   CircuitState = 0
	CircuitOpen     CircuitState = 1
	CircuitHalfOpen CircuitState = 2
)

// String returns the wire name used in /health and metrics labels.
func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// PermitType distinguishes a normal pass-through permit from the single
// half-open probe permit.
type PermitType int

const (
	PermitNormal PermitType = 0
	PermitProbe  PermitType = 1
)

// Permit is a granted request slot. Guard is non-nil only for PermitProbe;
// the holder must resolve it (or Close it) when the probe settles.
type Permit struct {
	Type  PermitType
	Guard *ProbeGuard
}

// LastError captures the failure that most recently moved a breaker.
type LastError struct {
	ErrorType string // "5xx" or "timeout"
	Message   string
}

// probeCycle is one half-open probe attempt. Waiters subscribe to done
// before releasing the breaker lock; ok is written before done is closed,
// so a closed channel guarantees a settled, current outcome. A fresh cycle
// is allocated per probe so late subscribers can never observe the result
// of an earlier probe.
type probeCycle struct {
	done chan struct{}
	ok   bool
}

// breaker holds the state machine for one provider.
type breaker struct {
	mu sync.Mutex

	state        CircuitState
	failureCount int       // consecutive failures; reset by any success
	openedAt     time.Time // set when entering Open, fresh on probe failure
	tripCount    int       // cumulative opens

	probe *probeCycle // non-nil while a probe is outstanding

	lastError   *LastError
	lastFailure time.Time
	lastSuccess time.Time
}

// CircuitRegistry manages independent circuit breakers for each configured
// provider. The name set is fixed at construction; unknown names are always
// allowed through. Safe for concurrent use.
type CircuitRegistry struct {
	clk clock.Clock
	log *slog.Logger

	// breakers is never mutated after construction, so reads need no lock.
	breakers map[string]*breaker
}

// NewCircuitRegistry creates one Closed breaker per provider name.
func NewCircuitRegistry(names []string, clk clock.Clock, log *slog.Logger) *CircuitRegistry {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	r := &CircuitRegistry{
		clk:      clk,
		log:      log,
		breakers: make(map[string]*breaker, len(names)),
	}
	for _, name := range names {
		r.breakers[name] = &breaker{state: CircuitClosed}
	}
	return r
}

// Acquire asks for permission to send one request to the named provider.
//
//   - Closed → Normal permit.
//   - Open, timer not elapsed → rejected.
//   - Open, timer elapsed → HalfOpen; first caller gets the Probe permit.
//   - HalfOpen with a probe in flight → block until the probe settles:
//     probe success grants a Normal permit, probe failure rejects.
//
// A cancelled ctx while waiting counts as rejected. Unknown provider names
// are always allowed; the registry only tracks configured providers.
func (r *CircuitRegistry) Acquire(ctx context.Context, name string) (Permit, bool) {
	b := r.breakers[name]
	if b == nil {
		return Permit{Type: PermitNormal}, true
	}

	b.mu.Lock()
	b.maybeHalfOpen(r.clk.Now())

	switch b.state {
	case CircuitClosed:
		b.mu.Unlock()
		return Permit{Type: PermitNormal}, true

	case CircuitOpen:
		b.mu.Unlock()
		return Permit{}, false

	case CircuitHalfOpen:
		if b.probe == nil {
			cycle := &probeCycle{done: make(chan struct{})}
			b.probe = cycle
			b.mu.Unlock()
			r.log.Info("circuit probe granted", slog.String("provider", name))
			return Permit{Type: PermitProbe, Guard: &ProbeGuard{reg: r, name: name, b: b, cycle: cycle}}, true
		}
		// Subscribe to the in-flight probe before dropping the lock, then
		// wait outside it.
		cycle := b.probe
		b.mu.Unlock()
		select {
		case <-cycle.done:
			if cycle.ok {
				return Permit{Type: PermitNormal}, true
			}
			return Permit{}, false
		case <-ctx.Done():
			return Permit{}, false
		}
	}

	b.mu.Unlock()
	return Permit{Type: PermitNormal}, true
}

// RecordSuccess resets the failure counter for the named provider. A success
// while HalfOpen closes the circuit and releases probe waiters, so a stray
// success can never leave the breaker wedged.
func (r *CircuitRegistry) RecordSuccess(name string) {
	b := r.breakers[name]
	if b == nil {
		return
	}

	b.mu.Lock()
	b.failureCount = 0
	b.lastSuccess = r.clk.Now()
	var cycle *probeCycle
	if b.state == CircuitHalfOpen {
		b.state = CircuitClosed
		if b.probe != nil {
			cycle = b.probe
			cycle.ok = true
			b.probe = nil
		}
	}
	b.mu.Unlock()

	if cycle != nil {
		r.log.Info("circuit closed", slog.String("provider", name))
		close(cycle.done)
	}
}

// RecordFailure counts one failure against the named provider. Only 5xx and
// timeout classifications belong here; the caller must never report 4xx
// responses, which say nothing about provider health. errorType is "5xx" or
// "timeout"; message is kept for /health and the logs.
func (r *CircuitRegistry) RecordFailure(name, errorType, message string) {
	b := r.breakers[name]
	if b == nil {
		return
	}

	now := r.clk.Now()
	b.mu.Lock()
	b.lastFailure = now
	b.lastError = &LastError{ErrorType: errorType, Message: message}

	// Failures only count toward the trip threshold while Closed. A late
	// failure from a request that raced the transition must not distort an
	// Open timer or a probe cycle.
	if b.state != CircuitClosed {
		b.mu.Unlock()
		return
	}

	b.failureCount++
	count := b.failureCount
	tripped := count >= failureThreshold
	if tripped {
		b.state = CircuitOpen
		b.openedAt = now
		b.tripCount++
	}
	b.mu.Unlock()

	if tripped {
		r.log.Warn("circuit opened",
			slog.String("provider", name),
			slog.Int("failures", count),
			slog.String("error_type", errorType),
			slog.String("last_error", message))
	}
}

// State returns the current state for a provider, applying the lazy
// Open→HalfOpen transition first. Unknown providers read as Closed.
func (r *CircuitRegistry) State(name string) CircuitState {
	b := r.breakers[name]
	if b == nil {
		return CircuitClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen(r.clk.Now())
	return b.state
}

// FailureCount returns the consecutive failure count for a provider.
func (r *CircuitRegistry) FailureCount(name string) int {
	b := r.breakers[name]
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// BreakerSnapshot is one provider's observable circuit state.
type BreakerSnapshot struct {
	State        CircuitState
	FailureCount int
	TripCount    int
	LastError    *LastError
}

// Snapshot returns the state of every breaker, taking each breaker's lock
// in turn rather than any registry-wide lock.
func (r *CircuitRegistry) Snapshot() map[string]BreakerSnapshot {
	now := r.clk.Now()
	out := make(map[string]BreakerSnapshot, len(r.breakers))
	for name, b := range r.breakers {
		b.mu.Lock()
		b.maybeHalfOpen(now)
		snap := BreakerSnapshot{
			State:        b.state,
			FailureCount: b.failureCount,
			TripCount:    b.tripCount,
		}
		if b.lastError != nil {
			e := *b.lastError
			snap.LastError = &e
		}
		b.mu.Unlock()
		out[name] = snap
	}
	return out
}

// maybeHalfOpen applies the lazy Open→HalfOpen transition once the open
// timer has elapsed. Caller must hold b.mu. The transition grants nothing:
// the first Acquire after it claims the probe permit.
func (b *breaker) maybeHalfOpen(now time.Time) {
	if b.state == CircuitOpen && now.Sub(b.openedAt) >= openDuration {
		b.state = CircuitHalfOpen
	}
}

// ProbeGuard settles a half-open probe exactly once. The holder calls
// Success or Failure when the probe request finishes; Close without either
// counts as a failure with reason "dropped", so a panicking or cancelled
// caller cannot leave the breaker stuck in HalfOpen with the permit lost.
type ProbeGuard struct {
	reg   *CircuitRegistry
	name  string
	b     *breaker
	cycle *probeCycle
}

// Success closes the circuit and releases waiters to proceed.
func (g *ProbeGuard) Success() {
	b := g.b
	b.mu.Lock()
	if b.probe != g.cycle {
		b.mu.Unlock()
		return // already settled, or a success raced us
	}
	b.state = CircuitClosed
	b.failureCount = 0
	b.lastSuccess = g.reg.clk.Now()
	cycle := b.probe
	cycle.ok = true
	b.probe = nil
	b.mu.Unlock()

	g.reg.log.Info("circuit closed", slog.String("provider", g.name))
	close(cycle.done)
}

// Failure reopens the circuit with a fresh timer and rejects waiters.
func (g *ProbeGuard) Failure(errorType, message string) {
	b := g.b
	now := g.reg.clk.Now()
	b.mu.Lock()
	if b.probe != g.cycle {
		b.mu.Unlock()
		return
	}
	b.state = CircuitOpen
	b.openedAt = now
	b.tripCount++
	b.lastFailure = now
	b.lastError = &LastError{ErrorType: errorType, Message: message}
	cycle := b.probe
	cycle.ok = false
	b.probe = nil
	trips := b.tripCount
	b.mu.Unlock()

	g.reg.log.Warn("circuit probe failed, reopening",
		slog.String("provider", g.name),
		slog.String("error_type", errorType),
		slog.Int("trip_count", trips))
	close(cycle.done)
}

// Close settles an unresolved probe as a failure. Safe to defer alongside
// an explicit Success/Failure call; second resolution is a no-op.
func (g *ProbeGuard) Close() {
	g.Failure("timeout", "dropped")
}

const (
	// failureThreshold is the consecutive failure count that trips a breaker.
	failureThreshold = 3

	// openDuration is how long a tripped breaker rejects requests before
	// allowing a recovery probe.
	openDuration = 30 * time.Second
)
