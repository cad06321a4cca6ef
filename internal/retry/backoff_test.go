package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/framegen/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:   maxRetries,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func retryableErr(msg string) error {
	return types.NewError(types.ErrUpstreamError, msg).WithRetryable(true)
}

func TestRetryer_Success(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := r.Do(context.Background(), func(context.Context) error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount, "应该只调用一次")
}

func TestRetryer_RetryAndSuccess(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())

	callCount := 0
	got, err := Do(context.Background(), r, func(context.Context) (string, error) {
		callCount++
		if callCount < 3 {
			return "", retryableErr("runner 503")
		}
		return "frame", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "frame", got)
	assert.Equal(t, 3, callCount, "应该调用三次")
}

func TestRetryer_MaxRetriesExceeded(t *testing.T) {
	r := New(fastPolicy(2), zap.NewNop())

	callCount := 0
	err := r.Do(context.Background(), func(context.Context) error {
		callCount++
		return retryableErr("persistent")
	})

	require.Error(t, err)
	assert.Equal(t, 3, callCount, "1 次初始调用 + 2 次重试")
	assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(err), "错误码应穿透包装")
}

func TestRetryer_NonRetryableStopsImmediately(t *testing.T) {
	r := New(fastPolicy(5), zap.NewNop())

	terminal := types.NewError(types.ErrNoFaceDetected, "no face")
	callCount := 0
	err := r.Do(context.Background(), func(context.Context) error {
		callCount++
		return terminal
	})

	assert.Same(t, terminal, err)
	assert.Equal(t, 1, callCount)
}

func TestRetryer_CustomPredicate(t *testing.T) {
	sentinel := errors.New("flaky")
	policy := fastPolicy(1)
	policy.Retryable = func(err error) bool { return errors.Is(err, sentinel) }

	var retries []int
	policy.OnRetry = func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }

	r := New(policy, zap.NewNop())
	err := r.Do(context.Background(), func(context.Context) error { return sentinel })

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, []int{1}, retries)
}

func TestRetryer_ContextCancelledDuringBackoff(t *testing.T) {
	policy := fastPolicy(5)
	policy.InitialDelay = time.Second
	policy.MaxDelay = time.Second
	r := New(policy, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Do(ctx, func(context.Context) error { return retryableErr("busy") })

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetryer_ForeverIgnoresMaxRetries(t *testing.T) {
	policy := fastPolicy(2)
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = time.Millisecond
	policy.Forever = true
	r := New(policy, zap.NewNop())

	calls := 0
	got, err := Do(context.Background(), r, func(context.Context) (int, error) {
		calls++
		if calls <= 25 {
			return 0, retryableErr("runner not up yet")
		}
		return calls, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 26, got)
}

func TestRetryer_ForeverStopsOnNonRetryable(t *testing.T) {
	policy := fastPolicy(0)
	policy.Forever = true
	r := New(policy, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return types.NewError(types.ErrInvalidRequest, "bad config")
	})

	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
	assert.Equal(t, 1, calls)
}

func TestRetryer_ForeverStopsOnCancel(t *testing.T) {
	policy := fastPolicy(0)
	policy.Forever = true
	r := New(policy, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := r.Do(ctx, func(context.Context) error { return retryableErr("down") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCalculateDelay_LargeAttemptCapped(t *testing.T) {
	r := New(Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}, zap.NewNop())
	assert.Equal(t, time.Minute, r.calculateDelay(5000))
}

func TestRetryer_ZeroRetriesReturnsRawError(t *testing.T) {
	r := New(fastPolicy(0), zap.NewNop())
	orig := retryableErr("once")

	err := r.Do(context.Background(), func(context.Context) error { return orig })
	assert.Same(t, orig, err)
}

func TestNew_NormalizesPolicy(t *testing.T) {
	r := New(Policy{MaxRetries: -1, Multiplier: 0.5}, nil)

	assert.Equal(t, 0, r.policy.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, r.policy.InitialDelay)
	assert.Equal(t, 10*time.Second, r.policy.MaxDelay)
	assert.Equal(t, 2.0, r.policy.Multiplier)
	assert.NotNil(t, r.policy.Retryable)
	assert.NotNil(t, r.logger)
}

func TestCalculateDelay(t *testing.T) {
	r := New(Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}, zap.NewNop())

	assert.Equal(t, 100*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 200*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 300*time.Millisecond, r.calculateDelay(3), "应被 MaxDelay 截断")
}

func TestCalculateDelay_JitterBounds(t *testing.T) {
	r := New(Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true}, zap.NewNop())

	for i := 0; i < 50; i++ {
		d := r.calculateDelay(2)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}
