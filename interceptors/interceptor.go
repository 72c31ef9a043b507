package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-orders/contracts"
	"github.com/glimte/mmate-orders/messaging"
)

// Interceptor processes orders before they reach the final handler
type Interceptor interface {
	// Intercept processes an order and calls the next handler in the chain
	Intercept(ctx context.Context, msg contracts.OrderSubmitted, next messaging.OrderHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg contracts.OrderSubmitted, next messaging.OrderHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg contracts.OrderSubmitted, next messaging.OrderHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg contracts.OrderSubmitted, next messaging.OrderHandler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names returns the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs msg through the chain and finally into finalHandler
func (c *InterceptorChain) Execute(ctx context.Context, msg contracts.OrderSubmitted, finalHandler messaging.OrderHandler) error {
	return c.Wrap(finalHandler).HandleOrderSubmitted(ctx, msg)
}

// Wrap returns finalHandler decorated with the chain. The first interceptor
// added is the outermost.
func (c *InterceptorChain) Wrap(finalHandler messaging.OrderHandler) messaging.OrderHandler {
	// Build the chain in reverse order
	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		currentHandler := handler
		handler = messaging.OrderHandlerFunc(func(ctx context.Context, msg contracts.OrderSubmitted) error {
			return interceptor.Intercept(ctx, msg, currentHandler)
		})
	}
	return handler
}

// Built-in interceptors

// LoggingInterceptor logs order processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg contracts.OrderSubmitted, next messaging.OrderHandler) error {
	start := time.Now()

	i.logger.Debug("processing order",
		"orderId", msg.OrderID,
		"customerName", msg.CustomerName,
		"total", msg.Total.String(),
	)

	err := next.HandleOrderSubmitted(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("order processing failed",
			"orderId", msg.OrderID,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("order processed",
			"orderId", msg.OrderID,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// ValidationInterceptor validates orders before processing
type ValidationInterceptor struct {
	validator OrderValidator
}

// OrderValidator defines the interface for order validation
type OrderValidator interface {
	Validate(ctx context.Context, msg contracts.OrderSubmitted) error
}

// OrderValidatorFunc is a function adapter for OrderValidator
type OrderValidatorFunc func(ctx context.Context, msg contracts.OrderSubmitted) error

// Validate implements OrderValidator
func (f OrderValidatorFunc) Validate(ctx context.Context, msg contracts.OrderSubmitted) error {
	return f(ctx, msg)
}

// InvariantValidator checks the message invariants of OrderSubmitted
var InvariantValidator OrderValidator = OrderValidatorFunc(func(_ context.Context, msg contracts.OrderSubmitted) error {
	return msg.Validate()
})

// NewValidationInterceptor creates a new validation interceptor. A nil
// validator checks the message invariants only.
func NewValidationInterceptor(validator OrderValidator) *ValidationInterceptor {
	if validator == nil {
		validator = InvariantValidator
	}
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, msg contracts.OrderSubmitted, next messaging.OrderHandler) error {
	if err := i.validator.Validate(ctx, msg); err != nil {
		return fmt.Errorf("order validation failed: %w", err)
	}

	return next.HandleOrderSubmitted(ctx, msg)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// Default interceptor chain builder

// DefaultInterceptorChainBuilder builds a common interceptor chain
type DefaultInterceptorChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewDefaultInterceptorChainBuilder creates a new builder
func NewDefaultInterceptorChainBuilder(logger *slog.Logger) *DefaultInterceptorChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultInterceptorChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds logging interceptor
func (b *DefaultInterceptorChainBuilder) WithLogging() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithValidation adds validation interceptor
func (b *DefaultInterceptorChainBuilder) WithValidation(validator OrderValidator) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewValidationInterceptor(validator))
	return b
}

// WithRetry adds retry interceptor
func (b *DefaultInterceptorChainBuilder) WithRetry(interceptor *RetryInterceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor.WithLogger(b.logger))
	return b
}

// WithCustom adds a custom interceptor
func (b *DefaultInterceptorChainBuilder) WithCustom(interceptor Interceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built interceptor chain
func (b *DefaultInterceptorChainBuilder) Build() *InterceptorChain {
	return b.chain
}
