package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPublisher publishes on a shared channel. Frames from concurrent
// callers never interleave: one publish is written at a time.
type ChannelPublisher struct {
	ch             Channel
	mu             sync.Mutex
	confirms       bool
	confirmTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*ChannelPublisher)

// WithConfirms waits for a broker ack on every publish. The channel must
// already be in confirm mode.
func WithConfirms(enabled bool) PublisherOption {
	return func(p *ChannelPublisher) {
		p.confirms = enabled
	}
}

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *ChannelPublisher) {
		p.confirmTimeout = timeout
	}
}

// NewChannelPublisher creates a new publisher
func NewChannelPublisher(ch Channel, options ...PublisherOption) *ChannelPublisher {
	p := &ChannelPublisher{
		ch:             ch,
		confirmTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg once. Failures come back as *PublishError; nothing is
// retried here.
func (p *ChannelPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return p.error(exchange, routingKey, err)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if !p.confirms {
		p.mu.Lock()
		err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
		p.mu.Unlock()
		if err != nil {
			return p.error(exchange, routingKey, err)
		}
		return nil
	}

	p.mu.Lock()
	confirmation, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		return p.error(exchange, routingKey, err)
	}
	if confirmation == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()
	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		return p.error(exchange, routingKey, err)
	}
	if !acked {
		return p.error(exchange, routingKey, ErrPublishNotConfirmed)
	}
	return nil
}

func (p *ChannelPublisher) error(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
