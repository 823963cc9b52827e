// Package rabbitmq provides the AMQP plumbing of the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: keeps one AMQP connection open and reconnects with backoff
//   - Channel: the subset of *amqp.Channel the transport uses
//   - QueueDeclaration: durable partition queues with optional dead-letter routing
package rabbitmq
