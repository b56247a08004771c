package rabbitmq

import (
	"context"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// mockChannel records AMQP calls. Notify* registrations are kept so tests can
// drive channel events.
type mockChannel struct {
	mock.Mock
	closed atomic.Bool

	mu      sync.Mutex
	onClose []chan *amqp.Error
	returns []chan amqp.Return
	flows   []chan bool
	cancels []chan string
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *mockChannel) Confirm(noWait bool) error {
	return m.Called(noWait).Error(0)
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	a := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return a.Get(0).(amqp.Queue), a.Error(1)
}

func (m *mockChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	a := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return a.Get(0).(amqp.Queue), a.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	a := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if a.Get(0) == nil {
		return nil, a.Error(1)
	}
	return a.Get(0).(chan amqp.Delivery), a.Error(1)
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	return m.Called(consumer, noWait).Error(0)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(ctx, exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *mockChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	a := m.Called(ctx, exchange, key, mandatory, immediate, msg)
	if a.Get(0) == nil {
		return nil, a.Error(1)
	}
	return a.Get(0).(*amqp.DeferredConfirmation), a.Error(1)
}

func (m *mockChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = append(m.onClose, c)
	return c
}

func (m *mockChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returns = append(m.returns, c)
	return c
}

func (m *mockChannel) NotifyFlow(c chan bool) chan bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows = append(m.flows, c)
	return c
}

func (m *mockChannel) NotifyCancel(c chan string) chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, c)
	return c
}

func (m *mockChannel) IsClosed() bool {
	return m.closed.Load()
}

func (m *mockChannel) Close() error {
	m.closed.Store(true)
	return m.Called().Error(0)
}

// expectSharedTopology registers the calls made by newConnection for the
// default test settings.
func (m *mockChannel) expectSharedTopology(prefetch int) {
	m.On("Qos", prefetch, 0, false).Return(nil).Once()
	m.On("ExchangeDeclare", "courier.producer@M", "fanout", true, false, false, false, amqp.Table(nil)).Return(nil).Once()
	m.On("QueueDeclare", "courier.shared", true, false, false, false, amqp.Table(nil)).Return(amqp.Queue{Name: "courier.shared"}, nil).Once()
	m.On("QueueDeclare", "courier.shared.dead-letter", true, false, false, false, amqp.Table(nil)).Return(amqp.Queue{Name: "courier.shared.dead-letter"}, nil).Once()
}

type mockDeliveryAcknowledger struct {
	mock.Mock
}

func (m *mockDeliveryAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func testSettings() Settings {
	return Settings{
		Host:        "localhost",
		Port:        5672,
		Username:    "guest",
		Password:    "secret",
		VHost:       "/",
		Exchange:    "courier",
		SharedQueue: "courier.shared",
		Prefetch:    1,
	}
}
