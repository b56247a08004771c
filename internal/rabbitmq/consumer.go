package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery and settles it (ack or nack).
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer runs basic.consume loops on a channel and dispatches deliveries
// with bounded concurrency.
type Consumer struct {
	ch          Channel
	concurrency int
	tagPrefix   string
	logger      *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]*Subscription
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConcurrency bounds the number of deliveries handled at once per
// subscription. 1 keeps deliveries strictly in order.
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(ch Channel, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:            ch,
		concurrency:   1,
		tagPrefix:     "courier",
		logger:        slog.Default(),
		subscriptions: make(map[string]*Subscription),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

type consumeOptions struct {
	exclusive bool
	args      amqp.Table
}

// ConsumeOption configures a single Consume call
type ConsumeOption func(*consumeOptions)

// WithExclusiveConsumer requests exclusive access to the queue.
func WithExclusiveConsumer() ConsumeOption {
	return func(o *consumeOptions) {
		o.exclusive = true
	}
}

// WithConsumeArguments passes x-arguments to basic.consume.
func WithConsumeArguments(args amqp.Table) ConsumeOption {
	return func(o *consumeOptions) {
		o.args = args
	}
}

// Subscription is a running consumer.
type Subscription struct {
	queue    string
	tag      string
	consumer *Consumer
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// Queue returns the consumed queue name.
func (s *Subscription) Queue() string {
	if s == nil {
		return ""
	}
	return s.queue
}

// Tag returns the consumer tag.
func (s *Subscription) Tag() string {
	if s == nil {
		return ""
	}
	return s.tag
}

// Done is closed once the loop has exited and every in-flight delivery
// has been handled. A nil subscription never finishes.
func (s *Subscription) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// Stop cancels the consumer on the broker and waits for in-flight
// deliveries to finish.
func (s *Subscription) Stop() error {
	if s == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		if !s.consumer.ch.IsClosed() {
			if err := s.consumer.ch.Cancel(s.tag, false); err != nil {
				s.stopErr = &ConsumerError{Queue: s.queue, ConsumerTag: s.tag, Op: "cancel", Err: err, Timestamp: time.Now()}
			}
		}
		s.cancel()
		<-s.done
		s.consumer.forget(s)
	})
	return s.stopErr
}

// Consume starts consuming queue. Each delivery is passed to handler in its
// own goroutine, never more than the configured concurrency at once. The
// handler context is detached from ctx so cancellation stops intake without
// abandoning deliveries already being handled.
func (c *Consumer) Consume(ctx context.Context, queue string, handler DeliveryHandler, opts ...ConsumeOption) (*Subscription, error) {
	o := consumeOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	tag := c.tagPrefix + "-" + uuid.NewString()
	deliveries, err := c.ch.Consume(
		queue,
		tag,
		false, // auto-ack
		o.exclusive,
		false, // no-local
		false, // no-wait
		o.args,
	)
	if err != nil {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		queue:    queue,
		tag:      tag,
		consumer: c,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.subscriptions[tag] = sub
	c.mu.Unlock()

	go c.run(loopCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"concurrency", c.concurrency,
	)
	return sub, nil
}

func (c *Consumer) run(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	sem := make(chan struct{}, c.concurrency)
	handlerCtx := context.WithoutCancel(ctx)

	defer func() {
		sub.inflight.Wait()
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.queue, "consumerTag", sub.tag)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				return
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Unhandled deliveries return to the queue when the channel
				// or consumer goes away.
				return
			}

			sub.inflight.Add(1)
			go func(d amqp.Delivery) {
				defer func() {
					<-sem
					sub.inflight.Done()
				}()
				handler(handlerCtx, d)
			}(delivery)
		}
	}
}

func (c *Consumer) forget(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, sub.tag)
}

// Active returns the queues currently consumed
func (c *Consumer) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		queues = append(queues, sub.queue)
	}
	return queues
}

// StopAll stops every subscription and waits for them.
func (c *Consumer) StopAll() {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			if err := s.Stop(); err != nil {
				c.logger.Error("failed to stop consumer", "queue", s.queue, "error", err)
			}
		}(sub)
	}
	wg.Wait()
}
