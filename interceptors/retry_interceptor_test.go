package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/mmate-orders/contracts"
	"github.com/glimte/mmate-orders/internal/reliability"
	"github.com/glimte/mmate-orders/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// Mock retry policy for testing
type mockRetryPolicy struct {
	mock.Mock
}

func (m *mockRetryPolicy) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	args := m.Called(attempt, err)
	return args.Bool(0), args.Get(1).(time.Duration)
}

func (m *mockRetryPolicy) MaxRetries() int {
	args := m.Called()
	return args.Int(0)
}

func (m *mockRetryPolicy) NextDelay(attempt int) time.Duration {
	args := m.Called(attempt)
	return args.Get(0).(time.Duration)
}

func TestRetryInterceptor(t *testing.T) {
	t.Run("NewRetryInterceptor creates interceptor", func(t *testing.T) {
		policy := &mockRetryPolicy{}
		interceptor := NewRetryInterceptor(policy)

		assert.NotNil(t, interceptor)
		assert.Equal(t, policy, interceptor.retryPolicy)
		assert.NotNil(t, interceptor.logger)
		assert.Equal(t, "RetryInterceptor", interceptor.Name())
	})

	t.Run("WithLogger sets the logger", func(t *testing.T) {
		logger := slog.Default()
		interceptor := NewRetryInterceptor(&mockRetryPolicy{}).WithLogger(logger)

		assert.Equal(t, logger, interceptor.logger)
	})

	t.Run("Intercept succeeds on first attempt", func(t *testing.T) {
		policy := &mockRetryPolicy{}
		interceptor := NewRetryInterceptor(policy)
		handler := &mockHandler{}
		msg := testOrder(t)

		handler.On("HandleOrderSubmitted", mock.Anything, msg).Return(nil)

		err := interceptor.Intercept(context.Background(), msg, handler)

		assert.NoError(t, err)
		handler.AssertExpectations(t)
		// Retry policy should not be called on success
		policy.AssertNotCalled(t, "ShouldRetry", mock.Anything, mock.Anything)
	})

	t.Run("Intercept retries until the handler succeeds", func(t *testing.T) {
		policy := reliability.NewExponentialBackoff(time.Millisecond, 10*time.Millisecond, 2.0, 2)
		interceptor := NewRetryInterceptor(policy)

		callCount := 0
		handler := messaging.OrderHandlerFunc(func(ctx context.Context, msg contracts.OrderSubmitted) error {
			callCount++
			if callCount < 2 {
				return errors.New("temporary error")
			}
			return nil
		})

		err := interceptor.Intercept(context.Background(), testOrder(t), handler)

		assert.NoError(t, err)
		assert.Equal(t, 2, callCount)
	})

	t.Run("Intercept gives up after max retries", func(t *testing.T) {
		interceptor := NewRetryInterceptor(reliability.NewFixedDelay(time.Millisecond, 2))
		boom := errors.New("persistent error")

		callCount := 0
		handler := messaging.OrderHandlerFunc(func(ctx context.Context, msg contracts.OrderSubmitted) error {
			callCount++
			return boom
		})

		err := interceptor.Intercept(context.Background(), testOrder(t), handler)

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, callCount)
	})

	t.Run("Intercept does not retry permanent errors", func(t *testing.T) {
		interceptor := NewRetryInterceptor(reliability.NewFixedDelay(time.Millisecond, 5))

		callCount := 0
		handler := messaging.OrderHandlerFunc(func(ctx context.Context, msg contracts.OrderSubmitted) error {
			callCount++
			return reliability.Permanent(errors.New("bad order"))
		})

		err := interceptor.Intercept(context.Background(), testOrder(t), handler)

		assert.Error(t, err)
		assert.Equal(t, 1, callCount)
	})

	t.Run("Intercept consults the policy", func(t *testing.T) {
		policy := &mockRetryPolicy{}
		boom := errors.New("boom")
		policy.On("ShouldRetry", 0, boom).Return(false, time.Duration(0))

		handler := &mockHandler{}
		msg := testOrder(t)
		handler.On("HandleOrderSubmitted", mock.Anything, msg).Return(boom)

		err := NewRetryInterceptor(policy).Intercept(context.Background(), msg, handler)

		assert.ErrorIs(t, err, boom)
		policy.AssertExpectations(t)
		handler.AssertNumberOfCalls(t, "HandleOrderSubmitted", 1)
	})
}
