// Package interceptors provides a handler pipeline for OrderSubmitted
// processing.
//
// Interceptors add cross-cutting concerns around an OrderHandler without
// changing it. Built-in interceptors:
//   - LoggingInterceptor: logs each order with its processing time
//   - ValidationInterceptor: rejects orders failing a validator
//   - RetryInterceptor: retries a failing handler with a reliability.RetryPolicy
//
// Example usage:
//
//	chain := interceptors.NewDefaultInterceptorChainBuilder(logger).
//		WithLogging().
//		WithValidation(nil).
//		WithRetry(interceptors.NewRetryInterceptor(
//			reliability.NewFixedDelay(100*time.Millisecond, 3))).
//		Build()
//
//	handler := chain.Wrap(messaging.OrderHandlerFunc(printOrder))
package interceptors
