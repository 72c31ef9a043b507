// Package contracts provides the message types exchanged between the order
// producer and the order consumer.
//
// This package defines:
//   - OrderSubmitted: the single message type carried on the order queue
//   - Envelope: the transport wrapper the message travels in
//
// Producer and consumer must agree on these types field for field. The wire
// layout is compatible with the MassTransit JSON envelope so either side can
// talk to a .NET bus using the Contracts.OrderSubmitted message.
package contracts
