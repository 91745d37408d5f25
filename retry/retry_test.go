package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: 10 * time.Millisecond, Multiplier: 2}
}

func TestDo_Success(t *testing.T) {
	attempts := 0
	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts, "should succeed on first try")
}

func TestDo_EventualSuccess(t *testing.T) {
	attempts := 0
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "should succeed on third attempt")
}

func TestDo_AllAttemptsFail(t *testing.T) {
	attempts := 0
	expectedErr := errors.New("persistent error")
	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return expectedErr
	})
	require.Error(t, err)
	assert.Equal(t, expectedErr, err, "should return the original error")
	assert.Equal(t, 3, attempts, "should attempt exactly MaxAttempts times")
}

func TestDo_NotRetryable(t *testing.T) {
	errFatal := errors.New("bad request")
	p := fastPolicy(5)
	p.Retryable = func(err error) bool { return !errors.Is(err, errFatal) }

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errFatal
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, attempts)
}

func TestDo_Permanent(t *testing.T) {
	base := errors.New("invalid input")
	attempts := 0
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return Permanent(base)
	})
	assert.ErrorIs(t, err, base)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, attempts)
	assert.Nil(t, Permanent(nil))
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := fastPolicy(10).Do(ctx, func(ctx context.Context) error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("error")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled, "should return context.Canceled")
	assert.LessOrEqual(t, attempts, 2, "should stop when context is canceled")
}

func TestDo_ContextTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	err := fastPolicy(10).Do(ctx, func(ctx context.Context) error {
		attempts++
		time.Sleep(30 * time.Millisecond)
		return errors.New("error")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.LessOrEqual(t, attempts, 3)
}

func TestDo_InvalidMaxAttempts(t *testing.T) {
	for _, n := range []int{0, -1} {
		attempts := 0
		err := fastPolicy(n).Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return nil
		})
		assert.ErrorIs(t, err, ErrInvalidMaxAttempts)
		assert.Equal(t, 0, attempts, "should not attempt with MaxAttempts=%d", n)
	}
}

func TestDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 350 * time.Millisecond}

	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, 100*time.Millisecond, p.Delay(2))
	assert.Equal(t, 200*time.Millisecond, p.Delay(3))
	assert.Equal(t, 350*time.Millisecond, p.Delay(4), "capped by MaxDelay")
	assert.Equal(t, 350*time.Millisecond, p.Delay(10))

	flat := Policy{BaseDelay: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, flat.Delay(5), "multiplier below 1 keeps the delay constant")
}

func TestDoValue(t *testing.T) {
	attempts := 0
	v, err := DoValue(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, attempts)
}
