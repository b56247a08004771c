package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// MultiExchangeSuffix is appended to the configured exchange base name.
	MultiExchangeSuffix = ".producer@M"
	// DeadLetterSuffix is appended to the shared queue name.
	DeadLetterSuffix = ".dead-letter"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty Name asks the
// broker to generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the broker objects a node needs before it can publish
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// MultiExchangeName returns the fanout exchange name for base.
func MultiExchangeName(base string) string {
	return base + MultiExchangeSuffix
}

// DeadLetterQueueName returns the dead-letter queue paired with queue.
func DeadLetterQueueName(queue string) string {
	return queue + DeadLetterSuffix
}

// UniqueQueueName returns the per-instance reply queue name.
func UniqueQueueName(hostname, id string) string {
	return hostname + ".unique." + id
}

// SharedTopology is the topology every node declares at startup: the Multi
// fanout exchange, the shared Any queue and its dead-letter queue. Unique
// queues are declared by their owning publisher.
func SharedTopology(exchangeBase, sharedQueue string) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{
			{
				Name:    MultiExchangeName(exchangeBase),
				Type:    amqp.ExchangeFanout,
				Durable: true,
			},
		},
		Queues: []QueueDeclaration{
			{Name: sharedQueue, Durable: true},
			{Name: DeadLetterQueueName(sharedQueue), Durable: true},
		},
	}
}

// BroadcastQueue is the exclusive server-named queue an instance binds to
// the Multi exchange.
func BroadcastQueue() QueueDeclaration {
	return QueueDeclaration{Exclusive: true, AutoDelete: true}
}

func declareTopology(ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := declareExchange(ch, exchange); err != nil {
			return err
		}
	}
	for _, queue := range topology.Queues {
		if _, err := declareQueue(ch, queue); err != nil {
			return err
		}
	}
	for _, binding := range topology.Bindings {
		if err := bindQueue(ch, binding); err != nil {
			return err
		}
	}
	return nil
}

func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

func bindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "bind", Err: err, Timestamp: time.Now()}
	}
	return nil
}
