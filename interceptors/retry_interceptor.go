package interceptors

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-orders/contracts"
	"github.com/glimte/mmate-orders/internal/reliability"
	"github.com/glimte/mmate-orders/messaging"
)

// RetryInterceptor retries a failing handler in-process before the failure
// reaches the receive loop
type RetryInterceptor struct {
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(retryPolicy reliability.RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		retryPolicy: retryPolicy,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements the Interceptor interface
func (r *RetryInterceptor) Intercept(ctx context.Context, msg contracts.OrderSubmitted, next messaging.OrderHandler) error {
	_, err := reliability.Retry(ctx, r.retryPolicy, func(attempt int) error {
		if attempt > 0 {
			r.logger.Warn("retrying order handler",
				"orderId", msg.OrderID,
				"attempt", attempt+1)
		}
		return next.HandleOrderSubmitted(ctx, msg)
	})
	return err
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
