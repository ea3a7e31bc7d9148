package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"s3transfer/internal/transfererr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.sleeps = append(s.sleeps, d)
	return nil
}

func newTestRetrier(s *recordingSleeper) *Retrier {
	r := New(nil)
	r.Sleep = s.Sleep
	return r
}

func TestExecute_PermanentRetryableFailure(t *testing.T) {
	sleeper := &recordingSleeper{}
	r := newTestRetrier(sleeper)
	policy := Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}

	calls := 0
	transient := transfererr.Wrap(transfererr.KindRetryable, "copy_object", errors.New("slow down"))
	_, err := Execute(context.Background(), r, policy, "copy_object", func(context.Context) (int, error) {
		calls++
		return 0, transient
	})

	require.Error(t, err)
	assert.Same(t, transient, err)
	assert.Equal(t, 4, calls)
	require.Len(t, sleeper.sleeps, 3)
	for attempt, d := range sleeper.sleeps {
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, policy.Ceiling(attempt))
	}
}

func TestExecute_NonRetryableFailsFast(t *testing.T) {
	sleeper := &recordingSleeper{}
	r := newTestRetrier(sleeper)

	calls := 0
	denied := transfererr.AccessDenied("copy_object", "AccessDenied", "denied")
	_, err := Execute(context.Background(), r, DefaultPolicy(), "copy_object", func(context.Context) (string, error) {
		calls++
		return "", denied
	})

	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.sleeps)
}

func TestExecute_SuccessAfterRetry(t *testing.T) {
	sleeper := &recordingSleeper{}
	r := newTestRetrier(sleeper)

	var retried []int
	r.OnRetry = func(op string, attempt int, err error) {
		retried = append(retried, attempt)
	}

	calls := 0
	got, err := Execute(context.Background(), r, DefaultPolicy(), "head_object", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Len(t, sleeper.sleeps, 2)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestExecute_CustomPredicate(t *testing.T) {
	sleeper := &recordingSleeper{}
	r := newTestRetrier(sleeper)
	policy := DefaultPolicy()
	policy.Retryable = func(error) bool { return false }

	calls := 0
	err := Do(context.Background(), r, policy, "op", func(context.Context) error {
		calls++
		return errors.New("anything")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(nil)
	r.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	calls := 0
	transient := errors.New("timeout")
	err := Do(ctx, r, DefaultPolicy(), "op", func(context.Context) error {
		calls++
		return transient
	})

	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 1, calls)
}

func TestPolicy_Ceiling(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 60 * time.Second}

	assert.Equal(t, time.Second, p.Ceiling(0))
	assert.Equal(t, 2*time.Second, p.Ceiling(1))
	assert.Equal(t, 32*time.Second, p.Ceiling(5))
	assert.Equal(t, 60*time.Second, p.Ceiling(6))
	assert.Equal(t, 60*time.Second, p.Ceiling(200))
}

func TestFullJitter_Bounds(t *testing.T) {
	ceiling := 50 * time.Millisecond
	for i := 0; i < 1000; i++ {
		d := fullJitter(ceiling)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, ceiling)
	}
	assert.Equal(t, time.Duration(0), fullJitter(0))
}

func TestPolicies(t *testing.T) {
	d := DefaultPolicy()
	assert.Equal(t, 5, d.MaxAttempts)
	assert.Equal(t, time.Second, d.BaseDelay)
	assert.Equal(t, time.Minute, d.MaxDelay)

	c := CredentialPolicy()
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Equal(t, 10*time.Second, c.MaxDelay)
}
