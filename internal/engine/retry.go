package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/leadstitch/flowline/pkg/schema"
)

// RetryCondition decides whether a failed attempt should be retried.
// Attempt is zero-based (the attempt that just failed).
type RetryCondition func(err error, attempt int) bool

// AttemptRecord captures one attempt made by the RetryExecutor.
type AttemptRecord struct {
	Attempt  int           `json:"attempt"`
	Error    string        `json:"error"`
	Delay    time.Duration `json:"delay"`
	Duration time.Duration `json:"duration"`
}

// RetryError wraps the final error after all attempts are exhausted,
// carrying per-attempt statistics.
type RetryError struct {
	Attempts []AttemptRecord
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("exhausted %d attempts: %s", len(e.Attempts), e.Last.Error())
}

func (e *RetryError) Unwrap() error { return e.Last }

// RetryExecutor runs an operation under a retry policy with exponential
// backoff and jitter. A nil condition retries every failure up to the
// policy's attempt limit.
type RetryExecutor struct {
	policy    schema.RetryPolicy
	condition RetryCondition
	logger    *slog.Logger

	// rng is injectable for deterministic jitter in tests.
	rng func() float64
}

// NewRetryExecutor builds an executor for the given policy. If policy fields
// are zero, defaults apply (0 retries, 1s initial delay, 2.0 multiplier).
func NewRetryExecutor(policy schema.RetryPolicy, condition RetryCondition, logger *slog.Logger) *RetryExecutor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RetryExecutor{
		policy:    policy,
		condition: condition,
		logger:    logger,
		rng:       rand.Float64,
	}
}

// Execute runs fn, retrying failures per the policy. On success it returns
// fn's result; after exhaustion it returns a *RetryError wrapping the last
// error. Context cancellation aborts immediately without further attempts.
func (r *RetryExecutor) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	out, _, err := r.ExecuteWithStats(ctx, fn)
	return out, err
}

// ExecuteWithStats is Execute with the failed-attempt records exposed on
// every outcome. On success the records cover the retries that preceded it,
// so len(records) is the retry count even when fn eventually succeeds.
func (r *RetryExecutor) ExecuteWithStats(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, []AttemptRecord, error) {
	maxRetries := r.policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var attempts []AttemptRecord
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.Backoff(attempt - 1)
			r.logger.Debug("retrying after backoff",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			if err := waitBackoff(ctx, delay); err != nil {
				return nil, attempts, schema.NewError(schema.ErrCodeCancelled, "retry wait cancelled").WithCause(err)
			}
			if len(attempts) > 0 {
				attempts[len(attempts)-1].Delay = delay
			}
		}

		start := time.Now()
		out, err := fn(ctx)
		if err == nil {
			return out, attempts, nil
		}
		lastErr = err
		attempts = append(attempts, AttemptRecord{
			Attempt:  attempt,
			Error:    err.Error(),
			Duration: time.Since(start),
		})

		if ctx.Err() != nil {
			break
		}
		if r.condition != nil && !r.condition(err, attempt) {
			break
		}
	}

	return nil, attempts, &RetryError{Attempts: attempts, Last: lastErr}
}

// Backoff computes the delay after the given zero-based failed attempt:
// min(initialDelay * multiplier^attempt, maxDelay), plus up to jitterAmount
// of random spread in either direction.
func (r *RetryExecutor) Backoff(attempt int) time.Duration {
	initial := r.policy.InitialDelayDuration()
	multiplier := r.policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt))
	if maxDelay := r.policy.MaxDelayDuration(); maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if r.policy.JitterAmount > 0 {
		spread := delay * r.policy.JitterAmount
		delay += (r.rng()*2 - 1) * spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryableDefaults are the error-message substrings treated as transient
// when no per-node list is configured.
var retryableDefaults = []string{
	"timeout",
	"network",
	"rate limit",
	"temporary",
	"unavailable",
	"connection",
}

// IsRetryableError classifies whether an error is worth retrying.
// Typed FlowErrors consult their own code; network errors and deadline
// expiry are retryable; cancellation is not. Untyped errors fall back to
// message heuristics, matching extra caller-supplied substrings if given.
func IsRetryableError(err error, extraMatches []string) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Cancellation means the workflow is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range retryableDefaults {
		if strings.Contains(msg, p) {
			return true
		}
	}
	for _, p := range extraMatches {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
