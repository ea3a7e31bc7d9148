package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"s3transfer/internal/transfererr"

	"go.uber.org/zap"
)

// Policy describes the attempt budget and backoff bounds for one call site
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether a failure may be re-attempted.
	// Nil means transfererr.IsRetryable.
	Retryable func(error) bool
}

// DefaultPolicy is used for data-plane calls
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// CredentialPolicy is the tighter budget for role assumption
func CredentialPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
}

// Ceiling returns the upper bound of the jittered sleep after a zero-indexed attempt
func (p Policy) Ceiling(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	ceiling := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && ceiling > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if ceiling > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ceiling)
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return transfererr.IsRetryable(err)
}

// Retrier executes operations with exponential backoff and full jitter.
// It holds no per-call state, so each call runs its own retry loop.
type Retrier struct {
	logger *zap.Logger

	// Sleep blocks for d or until ctx is done
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a duration drawn uniformly from [0, ceiling]
	Jitter func(ceiling time.Duration) time.Duration
	// OnRetry is invoked before each backoff sleep
	OnRetry func(op string, attempt int, err error)
}

// New creates a retrier with real sleeping and random jitter
func New(logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{
		logger: logger,
		Sleep:  sleepContext,
		Jitter: fullJitter,
	}
}

// Execute runs fn until it succeeds, fails with a non-retryable error, the
// attempt budget is exhausted, or ctx is done. The last failure is returned
// unchanged.
func Execute[T any](ctx context.Context, r *Retrier, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if r == nil {
		r = New(nil)
	}

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return zero, lastErr
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !p.retryable(err) {
			return zero, err
		}

		if attempt == attempts-1 {
			r.logger.Error("All retry attempts exhausted",
				zap.String("operation", op),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			break
		}

		delay := r.jitter(p.Ceiling(attempt))
		r.logger.Warn("Attempt failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if r.OnRetry != nil {
			r.OnRetry(op, attempt+1, err)
		}

		if err := r.sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// Do is Execute for operations without a result
func Do(ctx context.Context, r *Retrier, p Policy, op string, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, r, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep == nil {
		return sleepContext(ctx, d)
	}
	return r.Sleep(ctx, d)
}

func (r *Retrier) jitter(ceiling time.Duration) time.Duration {
	if r.Jitter == nil {
		return fullJitter(ceiling)
	}
	return r.Jitter(ceiling)
}

func fullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	n := int64(ceiling)
	if n < math.MaxInt64 {
		n++
	}
	return time.Duration(rand.Int64N(n))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
