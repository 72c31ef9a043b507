// Package rabbitmq provides the RabbitMQ dispatch client used by the order
// producer and consumer.
//
// This package includes:
//   - ConnectionManager: starts and stops the single broker Connection, with
//     retried dialing and automatic reconnection
//   - SendEndpointResolver: maps a destination to a cached SendEndpoint that
//     publishes with broker confirmations
//   - ReceiveLoop: binds a queue and hands every decoded delivery to an
//     OrderHandler exactly once
//   - QueueSpec: the queue declaration shared by both sides
//
// All broker access goes through the Session and Channel interfaces, which
// *amqp.Connection and *amqp.Channel satisfy via DialAMQP.
package rabbitmq
