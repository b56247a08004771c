package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel used by this package.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyFlow(c chan bool) chan bool
	NotifyCancel(c chan string) chan string
	IsClosed() bool
	Close() error
}

// Settings holds everything needed to reach the broker and declare the
// shared topology.
type Settings struct {
	Host           string
	Port           int
	Username       string
	Password       string
	VHost          string
	Exchange       string // Multi exchange base name
	SharedQueue    string // Any queue name
	Prefetch       int    // basic.qos prefetch, usually the dispatch concurrency
	Confirms       bool   // enable publisher confirms
	ConnectionName string
	DialTimeout    time.Duration
}

// URL renders the settings as an amqp URL.
func (s Settings) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(s.Username, s.Password),
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:   "/" + s.VHost,
	}
	if s.VHost == "/" || s.VHost == "" {
		u.Path = "/"
	}
	return u.String()
}

// Validate checks the settings needed by NewConnection.
func (s Settings) Validate() error {
	switch {
	case s.Host == "":
		return fmt.Errorf("%w: host is required", ErrInvalidConfiguration)
	case s.Port <= 0:
		return fmt.Errorf("%w: port must be positive", ErrInvalidConfiguration)
	case s.Exchange == "":
		return fmt.Errorf("%w: exchange is required", ErrInvalidConfiguration)
	case s.SharedQueue == "":
		return fmt.Errorf("%w: shared queue is required", ErrInvalidConfiguration)
	}
	return nil
}

// Connection owns one broker connection and the single channel shared by
// publishing and consuming.
type Connection struct {
	settings  Settings
	conn      *amqp.Connection
	ch        Channel
	publisher *ChannelPublisher
	consumer  *Consumer
	logger    *slog.Logger

	// openChannel opens a throwaway channel for passive declares.
	openChannel func() (Channel, error)

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// ConnectionOption configures the Connection
type ConnectionOption func(*Connection)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConnection dials the broker, opens the channel and declares the shared
// topology. Dial failures are returned as *ConnectionError and are not retried.
func NewConnection(ctx context.Context, settings Settings, options ...ConnectionOption) (*Connection, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	conn, err := dial(ctx, settings)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(settings.URL()),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	c, err := newConnection(ch, settings, options...)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	c.conn = conn
	c.openChannel = func() (Channel, error) { return conn.Channel() }

	c.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(settings.URL()),
		"exchange", c.ExchangeName(),
		"sharedQueue", c.SharedQueue(),
	)
	return c, nil
}

// newConnection prepares an already open channel.
func newConnection(ch Channel, settings Settings, options ...ConnectionOption) (*Connection, error) {
	c := &Connection{
		settings: settings,
		ch:       ch,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	prefetch := settings.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, &ConnectionError{Op: "qos", URL: SanitizeURL(settings.URL()), Err: err, Timestamp: time.Now()}
	}
	if settings.Confirms {
		if err := ch.Confirm(false); err != nil {
			return nil, &ConnectionError{Op: "confirm", URL: SanitizeURL(settings.URL()), Err: err, Timestamp: time.Now()}
		}
	}

	if err := declareTopology(ch, SharedTopology(settings.Exchange, settings.SharedQueue)); err != nil {
		return nil, err
	}

	c.publisher = NewChannelPublisher(ch, WithConfirms(settings.Confirms))
	c.consumer = NewConsumer(ch, WithConcurrency(prefetch), WithConsumerLogger(c.logger))
	c.observe()

	return c, nil
}

func dial(ctx context.Context, settings Settings) (*amqp.Connection, error) {
	timeout := settings.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	props := amqp.NewConnectionProperties()
	if settings.ConnectionName != "" {
		props.SetClientConnectionName(settings.ConnectionName)
	}
	cfg := amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(timeout),
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(settings.URL(), cfg)
		resCh <- result{conn, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, &ConnectionError{Op: "connect", URL: SanitizeURL(settings.URL()), Err: res.err, Timestamp: time.Now()}
		}
		return res.conn, nil

	case <-connCtx.Done():
		// Close a connection that completes after we gave up on it.
		go func() {
			if res := <-resCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{Op: "connect", URL: SanitizeURL(settings.URL()), Err: err, Timestamp: time.Now()}
	}
}

// observe logs channel events until the channel closes.
func (c *Connection) observe() {
	closed := c.ch.NotifyClose(make(chan *amqp.Error, 1))
	returns := c.ch.NotifyReturn(make(chan amqp.Return, 16))
	flow := c.ch.NotifyFlow(make(chan bool, 1))
	cancels := c.ch.NotifyCancel(make(chan string, 1))

	go func() {
		for {
			select {
			case err, ok := <-closed:
				if ok && err != nil {
					c.logger.Error("channel closed by broker",
						"code", err.Code,
						"reason", err.Reason,
						"server", err.Server,
					)
				}
				return
			case ret, ok := <-returns:
				if !ok {
					returns = nil
					continue
				}
				c.logger.Warn("message returned by broker",
					"exchange", ret.Exchange,
					"routingKey", ret.RoutingKey,
					"replyCode", ret.ReplyCode,
					"replyText", ret.ReplyText,
					"messageId", ret.MessageId,
				)
			case active, ok := <-flow:
				if !ok {
					flow = nil
					continue
				}
				c.logger.Warn("broker flow control", "active", active)
			case tag, ok := <-cancels:
				if !ok {
					cancels = nil
					continue
				}
				c.logger.Warn("consumer cancelled by broker", "consumerTag", tag)
			case <-c.done:
				return
			}
		}
	}()
}

// Channel returns the shared channel.
func (c *Connection) Channel() Channel {
	return c.ch
}

// ExchangeName returns the Multi fanout exchange name.
func (c *Connection) ExchangeName() string {
	return MultiExchangeName(c.settings.Exchange)
}

// SharedQueue returns the Any queue name.
func (c *Connection) SharedQueue() string {
	return c.settings.SharedQueue
}

// DeadLetterQueue returns the dead-letter queue for the shared queue.
func (c *Connection) DeadLetterQueue() string {
	return DeadLetterQueueName(c.settings.SharedQueue)
}

// DeclareQueue declares queue and returns its name, which the broker
// generates when queue.Name is empty.
func (c *Connection) DeclareQueue(ctx context.Context, queue QueueDeclaration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q, err := declareQueue(c.ch, queue)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

// BindQueue binds a queue to an exchange.
func (c *Connection) BindQueue(ctx context.Context, binding Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return bindQueue(c.ch, binding)
}

// InspectQueue passively declares queue on a short-lived channel and reports
// its depth. A missing queue closes that channel, never the shared one.
func (c *Connection) InspectQueue(name string, durable, exclusive, autoDelete bool) (amqp.Queue, error) {
	if c.openChannel == nil || c.IsClosed() {
		return amqp.Queue{}, ErrConnectionClosed
	}
	ch, err := c.openChannel()
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	q, err := ch.QueueDeclarePassive(name, durable, autoDelete, exclusive, false, nil)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// Publish sends msg through the channel publisher.
func (c *Connection) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if c.IsClosed() {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrConnectionClosed, Timestamp: time.Now()}
	}
	return c.publisher.Publish(ctx, exchange, routingKey, msg)
}

// Consume starts a consumer on queue.
func (c *Connection) Consume(ctx context.Context, queue string, handler DeliveryHandler, opts ...ConsumeOption) (*Subscription, error) {
	if c.IsClosed() {
		return nil, &ConsumerError{Queue: queue, Op: "consume", Err: ErrConnectionClosed, Timestamp: time.Now()}
	}
	return c.consumer.Consume(ctx, queue, handler, opts...)
}

// IsClosed reports whether the connection or its channel is gone.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
	}
	if c.conn != nil && c.conn.IsClosed() {
		return true
	}
	return c.ch.IsClosed()
}

// Close closes the channel then the connection. Repeated calls return the
// result of the first.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.consumer.StopAll()

		if !c.ch.IsClosed() {
			if err := c.ch.Close(); err != nil {
				c.closeErr = fmt.Errorf("close channel: %w", err)
			}
		}
		if c.conn != nil && !c.conn.IsClosed() {
			if err := c.conn.Close(); err != nil && c.closeErr == nil {
				c.closeErr = fmt.Errorf("close connection: %w", err)
			}
		}
		c.logger.Info("RabbitMQ connection closed")
	})
	return c.closeErr
}
