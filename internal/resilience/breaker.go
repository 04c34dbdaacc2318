package resilience

import (
	"sync"
	"time"

	"payment-reconciler/internal/models"
)

// TransitionFunc observes breaker state changes. It is called with the breaker lock held
// and must not call back into the breaker.
type TransitionFunc func(endpoint, from, to string)

// Breaker tracks the health of one downstream endpoint.
//
// closed -> open after threshold consecutive failures; open -> half-open once the reset
// timeout has elapsed, admitting a single trial; half-open -> closed on success or back to
// open (timer restarted) on failure.
type Breaker struct {
	mu           sync.Mutex
	endpoint     string
	threshold    int
	resetTimeout time.Duration
	clock        Clock
	onTransition TransitionFunc

	state         string
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	trialInFlight bool
}

// NewBreaker creates a closed breaker
func NewBreaker(endpoint string, threshold int, resetTimeout time.Duration, clock Clock, onTransition TransitionFunc) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Breaker{
		endpoint:     endpoint,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clock:        clock,
		onTransition: onTransition,
		state:        models.BreakerClosed,
	}
}

// Allow reports whether a call may go out now. A nil return in half-open state
// reserves the single trial slot; the caller must follow up with Success, Failure or Cancel.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) < b.resetTimeout {
			return ErrCircuitOpen
		}
		b.transition(models.BreakerHalfOpen)
		b.trialInFlight = true
		return nil
	case models.BreakerHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// Success records a successful call and closes the breaker
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	if b.state != models.BreakerClosed {
		b.transition(models.BreakerClosed)
	}
}

// Failure records a failed call, opening the breaker when the threshold is reached
// or when the half-open trial fails.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.failures++
	b.lastFailure = now

	switch b.state {
	case models.BreakerHalfOpen:
		b.trialInFlight = false
		b.openedAt = now
		b.transition(models.BreakerOpen)
	case models.BreakerClosed:
		if b.failures >= b.threshold {
			b.openedAt = now
			b.transition(models.BreakerOpen)
		}
	}
}

// Cancel releases a half-open trial slot without judging the endpoint,
// used when the caller gave up before the endpoint answered.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

// State returns the current state name
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's state
func (b *Breaker) Snapshot() models.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.CircuitBreakerState{
		Endpoint:            b.endpoint,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailure:         b.lastFailure,
		OpenedAt:            b.openedAt,
		ResetTimeout:        b.resetTimeout,
	}
}

func (b *Breaker) transition(to string) {
	from := b.state
	b.state = to
	if b.onTransition != nil && from != to {
		b.onTransition(b.endpoint, from, to)
	}
}
