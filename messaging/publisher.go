package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/internal/ids"
	"github.com/glimte/courier/internal/metrics"
	"github.com/glimte/courier/internal/rabbitmq"
	"github.com/glimte/courier/serialization"
	"github.com/glimte/courier/tracing"
)

// Publisher builds envelopes and publishes them with one of the three
// sender types. Every envelope names this publisher's unique queue in
// reply_to, so responses find their way back.
type Publisher struct {
	broker      Broker
	registry    *serialization.TypeRegistry
	codec       *serialization.PayloadCodec
	logger      *slog.Logger
	metrics     *metrics.Metrics
	appID       string
	hostname    string
	uniqueQueue string

	mu      sync.RWMutex
	closed  bool
	replies *rabbitmq.Subscription
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublisherMetrics records publish results
func WithPublisherMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithAppID sets the AMQP app-id property
func WithAppID(appID string) PublisherOption {
	return func(p *Publisher) {
		p.appID = appID
	}
}

// WithHostname overrides the host name used in the unique queue name
func WithHostname(hostname string) PublisherOption {
	return func(p *Publisher) {
		p.hostname = hostname
	}
}

// NewPublisher declares this instance's unique reply queue and returns a
// publisher bound to it. A nil registry or codec gets a fresh default.
func NewPublisher(ctx context.Context, broker Broker, registry *serialization.TypeRegistry, codec *serialization.PayloadCodec, options ...PublisherOption) (*Publisher, error) {
	if registry == nil {
		registry = serialization.NewTypeRegistry()
	}
	if codec == nil {
		codec = serialization.NewPayloadCodec()
	}

	p := &Publisher{
		broker:   broker,
		registry: registry,
		codec:    codec,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}

	if p.hostname == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		p.hostname = host
	}

	queue, err := broker.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       rabbitmq.UniqueQueueName(p.hostname, ids.NewLowerULID()),
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return nil, fmt.Errorf("declare unique queue: %w", err)
	}
	p.uniqueQueue = queue

	p.logger.Debug("publisher ready", "uniqueQueue", queue)
	return p, nil
}

// UniqueQueue returns the queue that receives responses and direct messages
// addressed to this instance.
func (p *Publisher) UniqueQueue() string {
	return p.uniqueQueue
}

// ConsumeReplies starts consuming the unique queue with handler.
func (p *Publisher) ConsumeReplies(ctx context.Context, handler rabbitmq.DeliveryHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherDisposed
	}
	if p.replies != nil {
		return fmt.Errorf("messaging: already consuming %s", p.uniqueQueue)
	}

	sub, err := p.broker.Consume(ctx, p.uniqueQueue, handler, rabbitmq.WithExclusiveConsumer())
	if err != nil {
		return err
	}
	p.replies = sub
	return nil
}

// Replies returns the unique queue subscription, nil until ConsumeReplies.
func (p *Publisher) Replies() *rabbitmq.Subscription {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.replies
}

type publishOptions struct {
	correlationID string
	headers       map[string]string
}

// PublishOption configures a single publish
type PublishOption func(*publishOptions)

// WithCorrelationID sets the correlation_id header
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) {
		o.correlationID = id
	}
}

// WithHeaders adds custom headers. Envelope headers set by the publisher
// take precedence.
func WithHeaders(headers map[string]string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

// PublishMulti broadcasts payload to every queue bound to the fanout exchange.
func (p *Publisher) PublishMulti(ctx context.Context, payload any, opts ...PublishOption) (string, error) {
	return p.publish(ctx, contracts.Multi, p.broker.ExchangeName(), "", payload, opts)
}

// PublishAny sends payload to the shared queue, where exactly one consumer
// receives it.
func (p *Publisher) PublishAny(ctx context.Context, payload any, opts ...PublishOption) (string, error) {
	return p.publish(ctx, contracts.Any, "", p.broker.SharedQueue(), payload, opts)
}

// PublishUnique sends payload straight to the target queue.
func (p *Publisher) PublishUnique(ctx context.Context, target string, payload any, opts ...PublishOption) (string, error) {
	if target == "" {
		return "", ErrMissingTarget
	}
	return p.publish(ctx, contracts.Unique, "", target, payload, opts)
}

func (p *Publisher) publish(ctx context.Context, sender contracts.SenderType, exchange, routingKey string, payload any, opts []PublishOption) (string, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return "", ErrPublisherDisposed
	}

	o := publishOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	env, err := p.envelope(ctx, payload, o)
	if err != nil {
		p.metrics.ObservePublish(sender.String(), "", err)
		return "", err
	}

	err = p.broker.Publish(ctx, exchange, routingKey, toPublishing(env, p.appID))
	p.metrics.ObservePublish(sender.String(), env.ContentType(), err)
	if err != nil {
		p.logger.Error("failed to publish message",
			"sender", sender.String(),
			"exchange", exchange,
			"routingKey", routingKey,
			"messageId", env.MessageID(),
			"error", err,
		)
		return "", err
	}

	p.logger.Debug("message published",
		"sender", sender.String(),
		"routingKey", routingKey,
		"contentType", env.ContentType(),
		"messageType", env.MessageType(),
		"messageId", env.MessageID(),
		"correlationId", env.CorrelationID(),
	)
	return env.MessageID(), nil
}

func (p *Publisher) envelope(ctx context.Context, payload any, o publishOptions) (*contracts.Envelope, error) {
	env := contracts.NewEnvelope(nil)
	for k, v := range o.headers {
		env.SetHeader(k, v)
	}

	switch v := payload.(type) {
	case nil:
		return nil, ErrNilPayload
	case string:
		env.Body = []byte(v)
		env.SetHeader(contracts.HeaderContentType, contracts.ContentTypeText)
	case []byte:
		env.Body = v
		env.SetHeader(contracts.HeaderContentType, contracts.ContentTypeBinary)
	default:
		if isNil(v) {
			return nil, ErrNilPayload
		}
		name, err := p.registry.NameOf(v)
		if err != nil {
			return nil, fmt.Errorf("messaging: resolve type name: %w", err)
		}
		body, err := p.codec.Encode(v)
		if err != nil {
			return nil, err
		}
		env.Body = body
		env.SetHeader(contracts.HeaderContentType, contracts.ContentTypeMsgPack)
		env.SetHeader(contracts.HeaderMessageType, name)
		env.SetHeader(contracts.HeaderMessageAssembly, packagePath(v))
	}

	env.SetHeader(contracts.HeaderMessageID, ids.NewULID())
	env.SetHeader(contracts.HeaderCorrelationID, o.correlationID)
	env.SetHeader(contracts.HeaderReplyTo, p.uniqueQueue)
	tracing.Inject(ctx, env.Headers)

	return env, nil
}

// DeadLetter republishes a delivery to the dead-letter queue with the reason
// and attempt count it failed with. Body and headers are kept as received.
func (p *Publisher) DeadLetter(ctx context.Context, d amqp.Delivery, originalQueue string, attempts int, reason error) error {
	headers := make(amqp.Table, len(d.Headers)+3)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[contracts.HeaderDeathReason] = reason.Error()
	headers[contracts.HeaderOriginalQueue] = originalQueue
	headers[contracts.HeaderAttempts] = strconv.Itoa(attempts)

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		CorrelationId: d.CorrelationId,
		MessageId:     d.MessageId,
		ReplyTo:       d.ReplyTo,
		Type:          d.Type,
		AppId:         d.AppId,
		DeliveryMode:  amqp.Persistent,
		Body:          d.Body,
	}
	return p.broker.Publish(ctx, "", p.broker.DeadLetterQueue(), msg)
}

// Close stops the reply consumer. Later publishes fail with
// ErrPublisherDisposed. The unique queue is removed by the broker once its
// consumer is gone.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	replies := p.replies
	p.replies = nil
	p.mu.Unlock()

	return replies.Stop()
}
