// Package retry runs operations with bounded retries and exponential backoff.
// Only errors classified as retryable (network, server) are retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	apperrors "github.com/pedromerinno/mnnoschool/internal/errors"
	"github.com/pedromerinno/mnnoschool/internal/metrics"
	"go.uber.org/zap"
)

// Policy controls how many times and how slowly an operation is retried
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// NoRetry is the tenant-fetch policy: fail fast so an outage does not cascade
func NoRetry() Policy {
	return Policy{}
}

// DefaultPolicy is the generic policy used outside the tenant-fetch path
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      10 * time.Second,
	}
}

// Delay returns min(initial * factor^attempt, maxDelay) for a zero-based attempt
func (p Policy) Delay(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.InitialDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ExhaustedError wraps the last failure once the retry budget is spent
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Attempt describes a scheduled retry
type Attempt struct {
	Number int
	Delay  time.Duration
	Err    error
}

// Executor runs operations under a Policy
type Executor struct {
	policy  Policy
	logger  *zap.Logger
	metrics *metrics.Metrics
	onRetry func(Attempt)
}

// Option configures an Executor
type Option func(*Executor)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// OnRetry registers a hook called before each backoff wait
func OnRetry(fn func(Attempt)) Option {
	return func(e *Executor) {
		e.onRetry = fn
	}
}

// NewExecutor creates an executor for policy
func NewExecutor(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy: policy,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs op until it succeeds, fails fatally, or the retry budget runs out.
// Cancellation of ctx yields apperrors.ErrAborted.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is the value-returning form of Execute
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w: %w", apperrors.ErrAborted, ctx.Err())
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		// A cancelled caller never sees the transport error it caused
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || apperrors.IsAborted(err) {
			return zero, fmt.Errorf("%w: %w", apperrors.ErrAborted, err)
		}

		if !apperrors.IsRetryable(err) {
			return zero, err
		}

		if attempt >= e.policy.MaxRetries {
			if e.policy.MaxRetries == 0 {
				return zero, err
			}
			return zero, &ExhaustedError{Attempts: attempt + 1, Last: err}
		}

		delay := e.policy.Delay(attempt)
		e.logger.Warn("Operation failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", e.policy.MaxRetries),
			zap.Duration("delay", delay),
			zap.String("error_kind", apperrors.KindOf(err).String()),
			zap.Error(err))
		e.metrics.RecordRetry(apperrors.KindOf(err).String())
		if e.onRetry != nil {
			e.onRetry(Attempt{Number: attempt + 1, Delay: delay, Err: err})
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%w: %w", apperrors.ErrAborted, ctx.Err())
		case <-timer.C:
		}
	}
}
