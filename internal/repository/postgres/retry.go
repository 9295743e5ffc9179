package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig controls the bounded retry policy the writer applies when
// opening its repository connection. Unlike a general-purpose HTTP
// client retry policy, this one is deliberately capped at a small, fixed
// MaxRetries (10 by default, matching DB_MAX_RETRY) rather than backing
// off forever: once exhausted, the writer gives up for that cycle and
// puts the items it had detached back at the head of the queue.
// Per-item retries after a failed execute are counted by the queue
// itself, not by this policy.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryConfig returns the bound the source uses: ten retries
// after the first attempt (eleven attempts in all), one second apart,
// with a small jitter so many freshly-restarted
// agents don't hammer the repository in lockstep.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    10,
		InitialDelay:  1 * time.Second,
		MaxDelay:      1 * time.Second,
		BackoffFactor: 1.0,
		JitterFactor:  0.1,
	}
}

// RetryExecutor runs an operation under RetryConfig, using
// cenkalti/backoff/v4 for the actual wait/backoff bookkeeping bounded by
// WithMaxRetries so the policy can never silently become unbounded.
type RetryExecutor struct {
	config RetryConfig
	logger *slog.Logger
}

// NewRetryExecutor builds an executor; a nil logger falls back to
// slog.Default().
func NewRetryExecutor(config RetryConfig, logger *slog.Logger) *RetryExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryExecutor{config: config, logger: logger}
}

func (r *RetryExecutor) backoffPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.config.InitialDelay
	eb.MaxInterval = r.config.MaxDelay
	eb.Multiplier = r.config.BackoffFactor
	eb.RandomizationFactor = r.config.JitterFactor
	bounded := backoff.WithMaxRetries(eb, uint64(r.config.MaxRetries))
	return backoff.WithContext(bounded, ctx)
}

// Execute retries operation until it succeeds, the retry budget is
// exhausted, a non-retryable error is returned, or ctx is canceled.
func (r *RetryExecutor) Execute(ctx context.Context, operation func() error) error {
	attempt := 0
	var lastErr error

	err := backoff.Retry(func() error {
		attempt++
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err
		if !r.shouldRetry(err) {
			return backoff.Permanent(err)
		}
		r.logger.Warn("operation failed, retrying",
			"attempt", attempt,
			"max_retries", r.config.MaxRetries,
			"error", err)
		return err
	}, r.backoffPolicy(ctx))

	if err == nil {
		if attempt > 1 {
			r.logger.Info("operation succeeded after retry", "attempts", attempt)
		}
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.logger.Error("operation failed after all retries", "max_retries", r.config.MaxRetries, "error", lastErr)
	return lastErr
}

// ExecuteWithResult is Execute for operations that also produce a value.
func (r *RetryExecutor) ExecuteWithResult(ctx context.Context, operation func() (interface{}, error)) (interface{}, error) {
	var result interface{}
	err := r.Execute(ctx, func() error {
		var opErr error
		result, opErr = operation()
		return opErr
	})
	return result, err
}

func (r *RetryExecutor) shouldRetry(err error) bool {
	return IsRetryable(err)
}

// CircuitBreaker implements the classic closed/open/half-open pattern,
// used by CircuitBreakerHealthChecker to stop probing a repository that
// has been failing continuously.
type CircuitBreaker struct {
	state        CircuitBreakerState
	failureCount int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time
	lastSuccess  time.Time
}

// NewCircuitBreaker builds a breaker that opens after maxFailures
// consecutive failures and attempts a single half-open probe after
// resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:        StateClosed,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Call runs operation through the breaker, short-circuiting with
// ErrCircuitBreakerOpen while open.
func (cb *CircuitBreaker) Call(operation func() error) error {
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
		} else {
			return ErrCircuitBreakerOpen
		}
	case StateHalfOpen, StateClosed:
	}

	err := operation()
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.maxFailures {
		cb.state = StateOpen
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount = 0
	cb.lastSuccess = time.Now()
	cb.state = StateClosed
}

// GetState returns the breaker's current state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return cb.state
}

// GetFailureCount returns the consecutive failure count.
func (cb *CircuitBreaker) GetFailureCount() int {
	return cb.failureCount
}

// IsOpen reports whether the breaker is currently open.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.state == StateOpen
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.state = StateClosed
	cb.failureCount = 0
	cb.lastFailure = time.Time{}
	cb.lastSuccess = time.Now()
}
