package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by the transport
type Channel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// ChannelProvider opens AMQP channels
type ChannelProvider interface {
	Channel() (Channel, error)
}

// QueueDeclaration defines a durable queue to be declared
type QueueDeclaration struct {
	Name string
	// DeadLetterQueue receives messages rejected without requeue.
	DeadLetterQueue string
	Arguments       amqp.Table
}

// Declare declares the queue on ch
func (q QueueDeclaration) Declare(ch Channel) (amqp.Queue, error) {
	args := amqp.Table{}
	for k, v := range q.Arguments {
		args[k] = v
	}
	if q.DeadLetterQueue != "" {
		args["x-dead-letter-exchange"] = ""
		args["x-dead-letter-routing-key"] = q.DeadLetterQueue
	}

	queue, err := ch.QueueDeclare(q.Name, true, false, false, false, args)
	if err != nil {
		return amqp.Queue{}, &QueueError{Queue: q.Name, Op: "declare", Err: err}
	}
	return queue, nil
}

// DeclareQueues declares every queue in order and stops at the first error
func DeclareQueues(ch Channel, queues ...QueueDeclaration) error {
	for _, q := range queues {
		if _, err := q.Declare(ch); err != nil {
			return fmt.Errorf("failed to declare topology: %w", err)
		}
	}
	return nil
}

// QueueLength returns the number of ready messages in the queue
func QueueLength(ch Channel, name string) (int, error) {
	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return 0, &QueueError{Queue: name, Op: "inspect", Err: err}
	}
	return q.Messages, nil
}
