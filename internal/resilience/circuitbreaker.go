// Package resilience provides the per-backend health and admission
// primitives for the gateway: circuit breakers and token-bucket rate
// limiting. Both are hot-path shared state and use fine-grained per-key
// locking; no lock is ever held across an I/O call.
package resilience

import (
	"context"
	"sync"
	"time"

	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed CircuitState = iota
	// StateOpen rejects requests immediately.
	StateOpen
	// StateHalfOpen allows limited trial traffic to test recovery.
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// BreakerConfig contains configuration for a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before the next
	// state query moves it to half-open.
	RecoveryTimeout time.Duration
	// HalfOpenTrialCap bounds concurrent trial calls in half-open state;
	// the circuit closes once this many trials succeed consecutively.
	HalfOpenTrialCap int
}

// DefaultBreakerConfig returns the standard breaker parameters.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenTrialCap: 3,
	}
}

// Breaker is a per-backend circuit breaker. All transitions and counters
// are updated under the breaker's lock so concurrent callers on the same
// backend never race.
type Breaker struct {
	mu      sync.Mutex
	backend string
	config  BreakerConfig

	state            CircuitState
	failureCount     int
	halfOpenSuccess  int
	halfOpenInFlight int
	lastFailure      time.Time
	lastSuccess      time.Time
	openedAt         time.Time

	onStateChange func(backend string, from, to CircuitState)

	now func() time.Time
}

// NewBreaker creates a circuit breaker for the named backend.
func NewBreaker(backend string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenTrialCap <= 0 {
		cfg.HalfOpenTrialCap = 3
	}
	return &Breaker{
		backend: backend,
		config:  cfg,
		state:   StateClosed,
		now:     time.Now,
	}
}

// OnStateChange sets a callback for state transitions.
func (b *Breaker) OnStateChange(fn func(backend string, from, to CircuitState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// State returns the current circuit state. The open-to-half-open
// transition happens lazily here, on the first query after the recovery
// timeout has elapsed.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecover()
	return b.state
}

// Admit decides whether a call may proceed. In half-open state it admits
// up to the trial cap concurrently; the trial counter is decremented when
// the outcome is recorded.
func (b *Breaker) Admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecover()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		return gwerrors.NewCircuit(gwerrors.CodeCircuitOpen, b.backend)
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenTrialCap {
			return gwerrors.NewCircuit(gwerrors.CodeTrialExhausted, b.backend)
		}
		b.halfOpenInFlight++
		return nil
	default:
		return gwerrors.NewCircuit(gwerrors.CodeCircuitOpen, b.backend)
	}
}

// Call wraps op with the breaker: open circuits reject before op runs,
// and the outcome is recorded afterwards.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	if err := b.Admit(); err != nil {
		return err
	}
	err := op(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// RecordSuccess records a successful call. Any success resets the
// consecutive-failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = b.now()
	b.failureCount = 0

	if b.state == StateHalfOpen {
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.config.HalfOpenTrialCap {
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed call. At the failure threshold the
// circuit opens; any failure during half-open reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.openedAt = b.now()
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.openedAt = b.now()
		b.transitionTo(StateOpen)
	}
}

// Backend returns the backend id this breaker guards.
func (b *Breaker) Backend() string { return b.backend }

// Reset forces the breaker back to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.transitionTo(StateClosed)
}

// maybeRecover moves an open circuit to half-open once the recovery
// timeout has elapsed. Caller must hold b.mu.
func (b *Breaker) maybeRecover() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.RecoveryTimeout {
		b.transitionTo(StateHalfOpen)
	}
}

// transitionTo switches state and resets per-state counters. Caller must
// hold b.mu.
func (b *Breaker) transitionTo(newState CircuitState) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState

	switch newState {
	case StateHalfOpen:
		b.halfOpenSuccess = 0
		b.halfOpenInFlight = 0
	case StateClosed:
		b.halfOpenSuccess = 0
		b.halfOpenInFlight = 0
		b.failureCount = 0
	}

	if b.onStateChange != nil {
		// Callback runs outside the critical path.
		go b.onStateChange(b.backend, oldState, newState)
	}
}

// BreakerSet manages one breaker per backend id.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   BreakerConfig

	onStateChange func(backend string, from, to CircuitState)
}

// NewBreakerSet creates a breaker set with shared configuration.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// OnStateChange sets a transition callback applied to every breaker,
// existing and future.
func (s *BreakerSet) OnStateChange(fn func(backend string, from, to CircuitState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
	for _, b := range s.breakers {
		b.OnStateChange(fn)
	}
}

// Get returns or creates the breaker for the given backend.
func (s *BreakerSet) Get(backend string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[backend]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[backend]; ok {
		return b
	}
	b = NewBreaker(backend, s.config)
	if s.onStateChange != nil {
		b.OnStateChange(s.onStateChange)
	}
	s.breakers[backend] = b
	return b
}

// State returns the current state of the breaker for backend. Unknown
// backends report closed.
func (s *BreakerSet) State(backend string) CircuitState {
	s.mu.RLock()
	b, ok := s.breakers[backend]
	s.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// States returns a snapshot of all breaker states.
func (s *BreakerSet) States() map[string]CircuitState {
	s.mu.RLock()
	ids := make([]string, 0, len(s.breakers))
	for id := range s.breakers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make(map[string]CircuitState, len(ids))
	for _, id := range ids {
		out[id] = s.Get(id).State()
	}
	return out
}
