package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/courier/internal/rabbitmq"
)

// Broker is the part of *rabbitmq.Connection used by Publisher.
type Broker interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	DeclareQueue(ctx context.Context, queue rabbitmq.QueueDeclaration) (string, error)
	Consume(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler, opts ...rabbitmq.ConsumeOption) (*rabbitmq.Subscription, error)
	ExchangeName() string
	SharedQueue() string
	DeadLetterQueue() string
}

var _ Broker = (*rabbitmq.Connection)(nil)
