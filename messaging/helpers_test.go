package messaging

import (
	"context"
	"reflect"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/internal/rabbitmq"
)

type OrderPlaced struct {
	OrderID string  `msgpack:"orderId"`
	Amount  float64 `msgpack:"amount"`
}

type OrderAccepted struct {
	OrderID string `msgpack:"orderId"`
}

type published struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
	ctx        context.Context
}

// fakeBroker records publishes and consumer registrations.
type fakeBroker struct {
	mu         sync.Mutex
	published  []published
	declared   []rabbitmq.QueueDeclaration
	consumers  map[string]rabbitmq.DeliveryHandler
	publishErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{consumers: make(map[string]rabbitmq.DeliveryHandler)}
}

func (b *fakeBroker) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, published{exchange: exchange, routingKey: routingKey, msg: msg, ctx: ctx})
	return nil
}

func (b *fakeBroker) DeclareQueue(ctx context.Context, queue rabbitmq.QueueDeclaration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declared = append(b.declared, queue)
	return queue.Name, nil
}

func (b *fakeBroker) Consume(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler, opts ...rabbitmq.ConsumeOption) (*rabbitmq.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers[queue] = handler
	return nil, nil
}

func (b *fakeBroker) ExchangeName() string    { return "courier.producer@M" }
func (b *fakeBroker) SharedQueue() string     { return "courier.shared" }
func (b *fakeBroker) DeadLetterQueue() string { return "courier.shared.dead-letter" }

func (b *fakeBroker) last() published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[len(b.published)-1]
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// delivery turns a recorded publish into what a consumer would receive.
func (p published) delivery(ack amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:  ack,
		Headers:       p.msg.Headers,
		ContentType:   p.msg.ContentType,
		CorrelationId: p.msg.CorrelationId,
		MessageId:     p.msg.MessageId,
		ReplyTo:       p.msg.ReplyTo,
		Type:          p.msg.Type,
		AppId:         p.msg.AppId,
		Exchange:      p.exchange,
		RoutingKey:    p.routingKey,
		DeliveryTag:   1,
		Body:          p.msg.Body,
	}
}

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	return m.Called(tag, multiple, requeue).Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Called(tag, requeue).Error(0)
}

func acking() *mockAcknowledger {
	ack := &mockAcknowledger{}
	ack.On("Ack", mock.Anything, false).Return(nil)
	ack.On("Nack", mock.Anything, false, true).Return(nil)
	return ack
}

// recordingHandler is a MessageHandler driven by optional funcs.
type recordingHandler struct {
	mu         sync.Mutex
	deliveries []contracts.Delivery
	texts      []string
	typed      []any
	contexts   []context.Context

	onText  func(ctx context.Context, d contracts.Delivery, text string) (*string, error)
	onTyped func(ctx context.Context, d contracts.Delivery, msg any, msgType reflect.Type) (any, error)
}

func (h *recordingHandler) HandleText(ctx context.Context, d contracts.Delivery, text string) (*string, error) {
	h.mu.Lock()
	h.deliveries = append(h.deliveries, d)
	h.texts = append(h.texts, text)
	h.contexts = append(h.contexts, ctx)
	h.mu.Unlock()
	if h.onText != nil {
		return h.onText(ctx, d, text)
	}
	return nil, nil
}

func (h *recordingHandler) HandleTyped(ctx context.Context, d contracts.Delivery, msg any, msgType reflect.Type) (any, error) {
	h.mu.Lock()
	h.deliveries = append(h.deliveries, d)
	h.typed = append(h.typed, msg)
	h.contexts = append(h.contexts, ctx)
	h.mu.Unlock()
	if h.onTyped != nil {
		return h.onTyped(ctx, d, msg, msgType)
	}
	return nil, nil
}

func (h *recordingHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.deliveries)
}

func strPtr(s string) *string { return &s }

// deadLetterSink records dead-lettered deliveries.
type deadLetterSink struct {
	mu       sync.Mutex
	letters  []amqp.Delivery
	attempts []int
	err      error
}

func (s *deadLetterSink) DeadLetter(ctx context.Context, d amqp.Delivery, originalQueue string, attempts int, reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.letters = append(s.letters, d)
	s.attempts = append(s.attempts, attempts)
	return nil
}
