// Package reliability provides the retry policies used when talking to the
// broker.
//
// Policies decide whether a failed attempt is tried again and how long to
// wait first:
//   - ExponentialBackoff: growing delays with optional jitter, capped
//   - FixedDelay: the same delay between every attempt
//
// Errors wrapped with Permanent are never retried.
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 5)
//	attempts, err := Retry(ctx, policy, func(attempt int) error {
//	    return dial()
//	})
package reliability
