// Package circuitbreaker stops calling an outbound messaging provider that
// keeps failing, then lets a limited number of probes through once it has
// had time to recover.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/clock"
)

// State of a breaker.
//
//	closed -> open       ConsecutiveFailures reaches MaxFailures
//	open -> half-open    RecoveryTimeout has passed since the circuit opened
//	half-open -> closed  a probe succeeds
//	half-open -> open    a probe fails
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
	}
	return "unknown"
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name is the protected channel, e.g. "whatsapp" or "sms"
	Name                string
	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 1
	}
	return c
}

// Counts are lifetime totals except ConsecutiveFailures, which any success
// or state change resets.
type Counts struct {
	Requests            int64 `json:"requests"`
	Successes           int64 `json:"successes"`
	Failures            int64 `json:"failures"`
	Rejected            int64 `json:"rejected"`
	ConsecutiveFailures int   `json:"consecutive_failures"`
}

type transition struct{ from, to State }

type CircuitBreaker struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	counts    Counts
	since     time.Time
	openUntil time.Time
	lastFail  time.Time
	probes    int
	hook      func(name string, from, to State)
}

// New builds a closed breaker. A nil clock means wall time.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) *CircuitBreaker {
	if clk == nil {
		clk = clock.Real()
	}
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		cfg:    cfg,
		clock:  clk,
		logger: logger.With(zap.String("breaker", cfg.Name)),
		since:  clk.Now(),
	}
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// OnStateChange registers fn for every transition. fn runs after the
// breaker's lock is released, so it may query the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	cb.mu.Lock()
	cb.hook = fn
	cb.mu.Unlock()
}

// Execute runs fn unless the circuit is open. isFailure decides which
// errors count against the provider; nil counts every error.
func (cb *CircuitBreaker) Execute(fn func() error, isFailure func(error) bool) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// Allow reports whether a call may go out now. Callers that get true must
// report the outcome with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var moved []transition
	defer func() { cb.notify(moved) }()
	defer cb.mu.Unlock()

	moved = cb.advance(cb.clock.Now())
	cb.counts.Requests++

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probes < cb.cfg.HalfOpenMaxRequests {
			cb.probes++
			return true
		}
	}
	cb.counts.Rejected++
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var moved []transition
	defer func() { cb.notify(moved) }()
	defer cb.mu.Unlock()

	cb.counts.Successes++
	cb.counts.ConsecutiveFailures = 0
	if cb.state == StateHalfOpen {
		moved = append(moved, cb.setState(StateClosed, cb.clock.Now()))
		cb.logger.Info("circuit closed, provider recovered")
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var moved []transition
	defer func() { cb.notify(moved) }()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	cb.counts.Failures++
	cb.counts.ConsecutiveFailures++
	cb.lastFail = now

	switch {
	case cb.state == StateHalfOpen:
		moved = append(moved, cb.setState(StateOpen, now))
		cb.logger.Warn("probe failed, circuit re-opened",
			zap.Duration("retry_in", cb.cfg.RecoveryTimeout),
		)
	case cb.state == StateClosed && cb.counts.ConsecutiveFailures >= cb.cfg.MaxFailures:
		failures := cb.counts.ConsecutiveFailures
		moved = append(moved, cb.setState(StateOpen, now))
		cb.logger.Warn("circuit opened",
			zap.Int("consecutive_failures", failures),
			zap.Duration("retry_in", cb.cfg.RecoveryTimeout),
		)
	}
}

// State reports the current state, including an open circuit whose
// recovery timeout has passed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	moved := cb.advance(cb.clock.Now())
	s := cb.state
	cb.mu.Unlock()
	cb.notify(moved)
	return s
}

// Reset closes the circuit and clears the failure streak
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var moved []transition
	if cb.state != StateClosed {
		moved = append(moved, cb.setState(StateClosed, cb.clock.Now()))
	}
	cb.counts.ConsecutiveFailures = 0
	cb.mu.Unlock()

	cb.logger.Info("circuit reset by operator")
	cb.notify(moved)
}

// Stats is the breaker snapshot served by /health
type Stats struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Since       time.Time  `json:"since"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	Counts
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	moved := cb.advance(cb.clock.Now())
	s := Stats{
		Name:   cb.cfg.Name,
		State:  cb.state.String(),
		Since:  cb.since,
		Counts: cb.counts,
	}
	if !cb.lastFail.IsZero() {
		t := cb.lastFail
		s.LastFailure = &t
	}
	cb.mu.Unlock()
	cb.notify(moved)
	return s
}

// advance moves an expired open circuit to half-open. Lock held.
func (cb *CircuitBreaker) advance(now time.Time) []transition {
	if cb.state != StateOpen || now.Before(cb.openUntil) {
		return nil
	}
	cb.logger.Info("recovery timeout passed, allowing probes",
		zap.Int("max_probes", cb.cfg.HalfOpenMaxRequests),
	)
	return []transition{cb.setState(StateHalfOpen, now)}
}

// setState records a transition. Lock held.
func (cb *CircuitBreaker) setState(to State, now time.Time) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	cb.since = now
	cb.probes = 0
	cb.counts.ConsecutiveFailures = 0
	if to == StateOpen {
		cb.openUntil = now.Add(cb.cfg.RecoveryTimeout)
	}
	return t
}

func (cb *CircuitBreaker) notify(moved []transition) {
	if len(moved) == 0 {
		return
	}
	cb.mu.Lock()
	hook := cb.hook
	cb.mu.Unlock()
	for _, t := range moved {
		cb.logger.Debug("circuit state changed",
			zap.Stringer("from", t.from),
			zap.Stringer("to", t.to),
		)
		if hook != nil {
			hook(cb.cfg.Name, t.from, t.to)
		}
	}
}
