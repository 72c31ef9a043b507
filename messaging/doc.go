// Package messaging defines the contracts between the broker client and
// application code: OrderHandler receives decoded OrderSubmitted messages and
// ErrorSink receives the failures the consumer cannot hand to a handler.
//
// Example usage:
//
//	handler := messaging.OrderHandlerFunc(func(ctx context.Context, msg contracts.OrderSubmitted) error {
//		fmt.Printf("order %s for %s\n", msg.OrderID, msg.CustomerName)
//		return nil
//	})
//
//	sink := messaging.LogErrorSink{Logger: logger}
package messaging
