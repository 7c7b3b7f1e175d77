package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetry_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: timeout", ErrEmbedding)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_DimensionMismatchNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		return fmt.Errorf("%w: %w", ErrEmbedding, ErrDimensionMismatch)
	})

	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 1, calls)
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		return ErrStorage
	})

	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, 3, calls)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("wrap: %w", ErrStorage)))
	assert.False(t, IsRetryable(ErrParse))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.Join(ErrEmbedding, context.Canceled)))
}

func TestRetryDelay_Capped(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, retryDelay(0, 0))
	assert.Equal(t, 400*time.Millisecond, retryDelay(200*time.Millisecond, 1))
	assert.Equal(t, maxRetryDelay, retryDelay(200*time.Millisecond, 10))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultSearchLimit, ClampLimit(0))
	assert.Equal(t, DefaultSearchLimit, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxSearchLimit, ClampLimit(10_000))
}
