// ABOUTME: Per-provider circuit breaker: closed, open, half-open with one trial call
// ABOUTME: State changes happen under one mutex; the wrapped call runs outside it

package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is matched by every *CircuitOpenError.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError is returned without calling the provider while the
// circuit rejects calls.
type CircuitOpenError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Provider, e.RetryAfter)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// State of a breaker.
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

// StateChangeFunc observes transitions. It runs with the breaker lock held
// and must not call back into the breaker.
type StateChangeFunc func(provider string, from, to State)

// Breaker isolates one provider.
type Breaker struct {
	provider         string
	failureThreshold int
	recoveryTimeout  time.Duration
	onChange         StateChangeFunc
	now              func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trialActive bool
}

// New creates a closed breaker. A threshold below 1 is treated as 1.
func New(provider string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Breaker{
		provider:         provider,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

// Call runs fn if the circuit allows it and records the outcome. A panic in
// fn is recorded as a failure and then re-raised.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.record(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.recoveryTimeout {
			return &CircuitOpenError{Provider: b.provider, RetryAfter: b.recoveryTimeout - elapsed}
		}
		b.setState(StateHalfOpen)
		b.trialActive = true
		return nil
	default:
		// Half-open admits a single trial.
		if b.trialActive {
			return &CircuitOpenError{Provider: b.provider}
		}
		b.trialActive = true
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.trialActive = false
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	now := b.now()
	b.failures++
	b.lastFailure = now
	switch b.state {
	case StateHalfOpen:
		b.trialActive = false
		b.openedAt = now
		b.setState(StateOpen)
	case StateClosed:
		if b.failures >= b.failureThreshold {
			b.openedAt = now
			b.setState(StateOpen)
		}
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		b.onChange(b.provider, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Registry hands out one breaker per provider.
type Registry struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	onChange         StateChangeFunc

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share the given settings.
// onChange may be nil.
func NewRegistry(failureThreshold int, recoveryTimeout time.Duration, onChange StateChangeFunc) *Registry {
	return &Registry{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		onChange:         onChange,
		breakers:         make(map[string]*Breaker),
	}
}

// Get returns the provider's breaker, creating it on first use.
func (r *Registry) Get(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b := New(provider, r.failureThreshold, r.recoveryTimeout)
	b.onChange = r.onChange
	r.breakers[provider] = b
	return b
}
