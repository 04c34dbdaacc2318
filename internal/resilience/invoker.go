package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/registry"
	"payment-reconciler/internal/util"

	"go.uber.org/zap"
)

// Call outcomes recorded in the history
const (
	OutcomeSuccess     = "success"
	OutcomeRejected    = "rejected"
	OutcomeFailed      = "failed"
	OutcomeTimeout     = "timeout"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeCancelled   = "cancelled"
)

// Config holds retry and breaker tuning
type Config struct {
	MaxAttempts      int
	AttemptTimeout   time.Duration
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	MaxJitter        time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
	HistorySize      int
}

// DefaultConfig is tuned for constrained mobile networks
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		AttemptTimeout:   2 * time.Second,
		BaseBackoff:      time.Second,
		MaxBackoff:       4 * time.Second,
		MaxJitter:        250 * time.Millisecond,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HistorySize:      DefaultHistorySize,
	}
}

// Option configures an Invoker
type Option func(*Invoker)

// WithClock injects the clock used by breakers and the call history
func WithClock(c Clock) Option { return func(inv *Invoker) { inv.clock = c } }

// WithSleeper injects the backoff sleeper
func WithSleeper(s Sleeper) Option { return func(inv *Invoker) { inv.sleep = s } }

// WithJitter injects the jitter source
func WithJitter(j Jitter) Option { return func(inv *Invoker) { inv.jitter = j } }

// WithLogger overrides the logger
func WithLogger(l *zap.Logger) Option { return func(inv *Invoker) { inv.logger = l } }

// Invoker wraps downstream calls with per-attempt timeout, bounded retry with
// backoff and per-endpoint circuit breaking.
type Invoker struct {
	cfg      Config
	registry *registry.Registry
	clock    Clock
	sleep    Sleeper
	jitter   Jitter
	history  *History
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewInvoker creates an invoker for the endpoints in reg
func NewInvoker(reg *registry.Registry, cfg Config, opts ...Option) *Invoker {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}

	inv := &Invoker{
		cfg:      cfg,
		registry: reg,
		clock:    SystemClock{},
		sleep:    TimerSleep,
		jitter:   NoJitter{},
		logger:   util.GetLogger(),
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.history = NewHistory(cfg.HistorySize)
	return inv
}

// Invoke runs fn against endpointID. Callers see a single terminal error:
// ErrCircuitOpen, ErrTimeout or ErrUnavailable (wrapping the last attempt error),
// or the unchanged error of fn when it was marked Permanent.
func (inv *Invoker) Invoke(ctx context.Context, endpointID, operation string, fn func(ctx context.Context) error) error {
	ep, ok := inv.registry.Get(endpointID)
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID))
	}

	br := inv.Breaker(endpointID)
	timeout := inv.attemptTimeout(ep)
	start := inv.clock.Now()
	attempts := 0
	var lastErr error

	finish := func(outcome string) {
		inv.record(endpointID, operation, start, outcome, attempts)
	}

	for attempt := 1; attempt <= inv.cfg.MaxAttempts; attempt++ {
		if err := br.Allow(); err != nil {
			util.InvokerAttemptsTotal.WithLabelValues(endpointID, OutcomeCircuitOpen).Inc()
			finish(OutcomeCircuitOpen)
			if lastErr == nil {
				return fmt.Errorf("endpoint %s: %w", endpointID, ErrCircuitOpen)
			}
			return fmt.Errorf("endpoint %s: %w after %d attempts: %w", endpointID, ErrCircuitOpen, attempts, lastErr)
		}

		attempts++
		err := inv.attempt(ctx, timeout, fn)

		switch {
		case err == nil:
			br.Success()
			util.InvokerAttemptsTotal.WithLabelValues(endpointID, OutcomeSuccess).Inc()
			finish(OutcomeSuccess)
			return nil

		case IsPermanent(err):
			// The endpoint answered; a rejected request says nothing about its health.
			br.Success()
			util.InvokerAttemptsTotal.WithLabelValues(endpointID, OutcomeRejected).Inc()
			finish(OutcomeRejected)
			return err

		case ctx.Err() != nil:
			br.Cancel()
			util.InvokerAttemptsTotal.WithLabelValues(endpointID, OutcomeCancelled).Inc()
			finish(OutcomeCancelled)
			return fmt.Errorf("endpoint %s: %w: %w", endpointID, ErrTimeout, ctx.Err())
		}

		br.Failure()
		lastErr = err
		result := OutcomeFailed
		if isTimeout(err) {
			result = OutcomeTimeout
		}
		util.InvokerAttemptsTotal.WithLabelValues(endpointID, result).Inc()

		inv.logger.Warn("Downstream attempt failed",
			zap.String("endpoint", endpointID),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < inv.cfg.MaxAttempts {
			if err := inv.sleep(ctx, inv.Backoff(attempt)); err != nil {
				finish(OutcomeCancelled)
				return fmt.Errorf("endpoint %s: %w: %w", endpointID, ErrTimeout, err)
			}
		}
	}

	terminal, outcome := ErrUnavailable, OutcomeFailed
	if isTimeout(lastErr) {
		terminal, outcome = ErrTimeout, OutcomeTimeout
	}
	finish(outcome)
	return fmt.Errorf("endpoint %s: %w after %d attempts: %w", endpointID, terminal, attempts, lastErr)
}

// attempt runs fn under a hard per-attempt deadline. fn is abandoned, not awaited,
// once the deadline passes.
func (inv *Invoker) attempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(attemptCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return &timeoutError{err: err}
		}
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &timeoutError{err: attemptCtx.Err()}
	}
}

// Backoff returns the wait after the given failed attempt (1-based):
// base * 2^(attempt-1), capped at MaxBackoff, plus jitter.
func (inv *Invoker) Backoff(attempt int) time.Duration {
	d := inv.cfg.BaseBackoff
	for i := 1; i < attempt && d < inv.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > inv.cfg.MaxBackoff {
		d = inv.cfg.MaxBackoff
	}
	return d + inv.jitter.Jitter(inv.cfg.MaxJitter)
}

// Breaker returns the breaker for an endpoint, creating it on first use
func (inv *Invoker) Breaker(endpointID string) *Breaker {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	br, ok := inv.breakers[endpointID]
	if !ok {
		br = NewBreaker(endpointID, inv.cfg.FailureThreshold, inv.cfg.ResetTimeout, inv.clock, inv.onTransition)
		inv.breakers[endpointID] = br
		util.CircuitBreakerState.WithLabelValues(endpointID).Set(0)
	}
	return br
}

// Breakers returns the state of every registered endpoint's breaker
func (inv *Invoker) Breakers() []models.CircuitBreakerState {
	eps := inv.registry.List()
	out := make([]models.CircuitBreakerState, 0, len(eps))
	for _, ep := range eps {
		out = append(out, inv.Breaker(ep.ID).Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// History exposes the bounded call history
func (inv *Invoker) History() *History {
	return inv.history
}

func (inv *Invoker) attemptTimeout(ep registry.Endpoint) time.Duration {
	factor := ep.Profile().TimeoutFactor
	if factor <= 0 {
		factor = 1
	}
	return time.Duration(float64(inv.cfg.AttemptTimeout) * factor)
}

func (inv *Invoker) record(endpointID, operation string, start time.Time, outcome string, attempts int) {
	duration := inv.clock.Now().Sub(start)
	inv.history.Append(models.ServiceCall{
		Endpoint:  endpointID,
		Operation: operation,
		Duration:  duration,
		Outcome:   outcome,
		Attempts:  attempts,
		At:        start,
	})
	util.InvokerCallDuration.WithLabelValues(endpointID, outcome).Observe(duration.Seconds())
}

func (inv *Invoker) onTransition(endpoint, from, to string) {
	util.CircuitBreakerState.WithLabelValues(endpoint).Set(util.BreakerStateValue(to))
	util.CircuitBreakerTransitionsTotal.WithLabelValues(endpoint, from, to).Inc()
	inv.logger.Info("Circuit breaker transition",
		zap.String("endpoint", endpoint),
		zap.String("from", from),
		zap.String("to", to))
}

type timeoutError struct {
	err error
}

func (e *timeoutError) Error() string { return "attempt timed out: " + e.err.Error() }
func (e *timeoutError) Unwrap() error { return e.err }

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *timeoutError
	if errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
