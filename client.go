// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package courier wires a broker connection, publisher and handler into a
// node that sends and receives Multi, Any and Unique messages.
package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/courier/bridge"
	"github.com/glimte/courier/config"
	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/health"
	"github.com/glimte/courier/internal/metrics"
	"github.com/glimte/courier/internal/rabbitmq"
	"github.com/glimte/courier/messaging"
	"github.com/glimte/courier/serialization"
	"github.com/glimte/courier/tracing"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start
	ErrAlreadyStarted = errors.New("courier: client already started")
	// ErrClientClosed is returned by Start after Close
	ErrClientClosed = errors.New("courier: client closed")
)

// broker is the connection surface the client drives.
type broker interface {
	messaging.Broker
	BindQueue(ctx context.Context, binding rabbitmq.Binding) error
	InspectQueue(name string, durable, exclusive, autoDelete bool) (amqp.Queue, error)
	IsClosed() bool
	Close() error
}

var _ broker = (*rabbitmq.Connection)(nil)

// Client is one messaging node: it publishes with the three sender types and
// consumes the shared queue, its own broadcast queue and its unique queue.
type Client struct {
	conn      broker
	cfg       *config.Config
	registry  *serialization.TypeRegistry
	publisher *messaging.Publisher
	handler   *messaging.Handler
	bridge    *bridge.Bridge
	metrics   *metrics.Metrics
	health    *health.Registry
	listeners []contracts.SenderType
	logger    *slog.Logger

	mu             sync.Mutex
	started        bool
	closed         bool
	broadcastQueue string
	subs           []*rabbitmq.Subscription
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	registry       *serialization.TypeRegistry
	codec          *serialization.PayloadCodec
	telemetry      tracing.Telemetry
	registerer     prometheus.Registerer
	listeners      []contracts.SenderType
	queueThreshold int
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithRegistry shares a type registry. Types must be registered before
// messages carrying them arrive.
func WithRegistry(registry *serialization.TypeRegistry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registry = registry
	}
}

// WithCodec shares a payload codec
func WithCodec(codec *serialization.PayloadCodec) ClientOption {
	return func(cfg *clientConfig) {
		cfg.codec = codec
	}
}

// WithTelemetry sets the span factory used for received messages
func WithTelemetry(telemetry tracing.Telemetry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.telemetry = telemetry
	}
}

// WithRegisterer enables metrics on registerer, regardless of the
// metrics.enabled setting.
func WithRegisterer(registerer prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = registerer
	}
}

// WithListeners limits which queues Start consumes. The default is all three.
func WithListeners(senders ...contracts.SenderType) ClientOption {
	return func(cfg *clientConfig) {
		cfg.listeners = senders
	}
}

// WithQueueWarningThreshold sets the shared queue depth above which the
// node reports itself degraded. 0 disables the check.
func WithQueueWarningThreshold(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.queueThreshold = n
	}
}

// New connects to the broker and prepares a node that dispatches received
// messages to handler. A nil cfg uses config.Default(). Connection failures
// are returned as *rabbitmq.ConnectionError and are not retried.
func New(ctx context.Context, cfg *config.Config, handler contracts.MessageHandler, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := newClientConfig(options)

	conn, err := rabbitmq.NewConnection(ctx, cfg.Settings(), rabbitmq.WithLogger(opts.logger))
	if err != nil {
		return nil, err
	}

	c, err := newClient(ctx, conn, cfg, handler, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func newClientConfig(options []ClientOption) *clientConfig {
	opts := &clientConfig{
		logger:         slog.Default(),
		listeners:      []contracts.SenderType{contracts.Multi, contracts.Any, contracts.Unique},
		queueThreshold: 1000,
	}
	for _, opt := range options {
		opt(opts)
	}
	if opts.registry == nil {
		opts.registry = serialization.NewTypeRegistry()
	}
	if opts.codec == nil {
		opts.codec = serialization.NewPayloadCodec()
	}
	if opts.telemetry == nil {
		opts.telemetry = tracing.NewOtelTelemetry(nil)
	}
	return opts
}

func newClient(ctx context.Context, conn broker, cfg *config.Config, handler contracts.MessageHandler, opts *clientConfig) (*Client, error) {
	if handler == nil {
		return nil, fmt.Errorf("courier: message handler is required")
	}

	var m *metrics.Metrics
	if opts.registerer != nil || cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace, opts.registerer)
		if err := m.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	publisher, err := messaging.NewPublisher(ctx, conn, opts.registry, opts.codec,
		messaging.WithPublisherLogger(opts.logger),
		messaging.WithPublisherMetrics(m),
		messaging.WithAppID(cfg.Publisher.AppID),
		messaging.WithHostname(cfg.Topology.UniquePrefix),
	)
	if err != nil {
		return nil, err
	}

	// Replies to Request calls are intercepted before the business handler.
	b := bridge.New(handler, bridge.WithLogger(opts.logger))

	h := messaging.NewHandler(b, opts.registry, opts.codec,
		messaging.WithReplier(publisher),
		messaging.WithDeadLetterer(publisher),
		messaging.WithRedeliveryTracker(messaging.NewRedeliveryTracker(cfg.Consumer.MaxRedeliveries)),
		messaging.WithTelemetry(opts.telemetry),
		messaging.WithHandlerTimeout(cfg.Consumer.HandlerTimeout),
		messaging.WithHandlerLogger(opts.logger),
		messaging.WithHandlerMetrics(m),
	)

	c := &Client{
		conn:      conn,
		cfg:       cfg,
		registry:  opts.registry,
		publisher: publisher,
		handler:   h,
		bridge:    b,
		metrics:   m,
		listeners: opts.listeners,
		logger:    opts.logger,
	}
	c.health = c.newHealthRegistry(opts.queueThreshold)
	return c, nil
}

func (c *Client) newHealthRegistry(queueThreshold int) *health.Registry {
	listeners := make([]string, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l.String())
	}
	r := health.NewRegistry(health.Node{
		SharedQueue: c.conn.SharedQueue(),
		UniqueQueue: c.publisher.UniqueQueue(),
		Listeners:   listeners,
	})
	r.Register(health.NewBrokerChecker(c.conn))
	r.Register(health.NewQueueChecker(c.conn.SharedQueue(), c.conn, queueThreshold))
	r.Register(health.NewRuntimeChecker(10000))
	return r
}

// Start consumes the shared queue, a broadcast queue bound to the Multi
// exchange and the unique queue, as selected by WithListeners.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}

	for _, sender := range c.listeners {
		var err error
		switch sender {
		case contracts.Any:
			err = c.listenShared(ctx)
		case contracts.Multi:
			err = c.listenBroadcast(ctx)
		case contracts.Unique:
			err = c.listenUnique(ctx)
		default:
			err = fmt.Errorf("courier: unknown listener %v", sender)
		}
		if err != nil {
			c.stopLocked()
			return fmt.Errorf("start %s listener: %w", sender, err)
		}
	}

	c.started = true
	c.logger.Info("courier node started",
		"sharedQueue", c.conn.SharedQueue(),
		"broadcastQueue", c.broadcastQueue,
		"uniqueQueue", c.publisher.UniqueQueue(),
	)
	return nil
}

func (c *Client) listenShared(ctx context.Context) error {
	queue := c.conn.SharedQueue()
	sub, err := c.conn.Consume(ctx, queue, c.handler.ForQueue(contracts.Any, queue))
	if err != nil {
		return err
	}
	c.subs = append(c.subs, sub)
	c.health.Track(contracts.Any, queue, sub.Done())
	return nil
}

func (c *Client) listenUnique(ctx context.Context) error {
	queue := c.publisher.UniqueQueue()
	if err := c.publisher.ConsumeReplies(ctx, c.handler.ForQueue(contracts.Unique, queue)); err != nil {
		return err
	}
	c.health.Track(contracts.Unique, queue, c.publisher.Replies().Done())
	return nil
}

func (c *Client) listenBroadcast(ctx context.Context) error {
	queue, err := c.conn.DeclareQueue(ctx, rabbitmq.BroadcastQueue())
	if err != nil {
		return err
	}
	if err := c.conn.BindQueue(ctx, rabbitmq.Binding{Queue: queue, Exchange: c.conn.ExchangeName()}); err != nil {
		return err
	}
	sub, err := c.conn.Consume(ctx, queue, c.handler.ForQueue(contracts.Multi, queue), rabbitmq.WithExclusiveConsumer())
	if err != nil {
		return err
	}
	c.broadcastQueue = queue
	c.subs = append(c.subs, sub)
	c.health.Track(contracts.Multi, queue, sub.Done())
	return nil
}

// stopLocked stops the shared and broadcast consumers. Caller holds c.mu.
func (c *Client) stopLocked() error {
	var errs []error
	for _, sub := range c.subs {
		if err := sub.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	c.subs = nil
	c.health.Untrack()
	return errors.Join(errs...)
}

// PublishMulti broadcasts payload to every node.
func (c *Client) PublishMulti(ctx context.Context, payload any, opts ...messaging.PublishOption) (string, error) {
	return c.publisher.PublishMulti(ctx, payload, opts...)
}

// PublishAny sends payload to exactly one node consuming the shared queue.
func (c *Client) PublishAny(ctx context.Context, payload any, opts ...messaging.PublishOption) (string, error) {
	return c.publisher.PublishAny(ctx, payload, opts...)
}

// PublishUnique sends payload to the node owning target.
func (c *Client) PublishUnique(ctx context.Context, target string, payload any, opts ...messaging.PublishOption) (string, error) {
	return c.publisher.PublishUnique(ctx, target, payload, opts...)
}

// RequestAny sends payload to one node on the shared queue and waits for
// its reply. The Unique listener must be running. A timeout of 0 waits 30s.
func (c *Client) RequestAny(ctx context.Context, payload any, timeout time.Duration) (bridge.Reply, error) {
	return c.bridge.Request(ctx, func(ctx context.Context, correlationID string) error {
		_, err := c.publisher.PublishAny(ctx, payload, messaging.WithCorrelationID(correlationID))
		return err
	}, timeout)
}

// RequestUnique sends payload to the node owning target and waits for its reply.
func (c *Client) RequestUnique(ctx context.Context, target string, payload any, timeout time.Duration) (bridge.Reply, error) {
	return c.bridge.Request(ctx, func(ctx context.Context, correlationID string) error {
		_, err := c.publisher.PublishUnique(ctx, target, payload, messaging.WithCorrelationID(correlationID))
		return err
	}, timeout)
}

// UniqueQueue returns the queue other nodes address with PublishUnique.
func (c *Client) UniqueQueue() string {
	return c.publisher.UniqueQueue()
}

// BroadcastQueue returns the server-named queue bound to the Multi
// exchange, empty until Start.
func (c *Client) BroadcastQueue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcastQueue
}

// Registry returns the type registry used for typed payloads
func (c *Client) Registry() *serialization.TypeRegistry {
	return c.registry
}

// Publisher returns the message publisher
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Health returns the node's health checks
func (c *Client) Health() *health.Registry {
	return c.health
}

// Close stops consuming, disposes the publisher and closes the connection.
// Deliveries being handled are finished first.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	errs := []error{c.stopLocked()}
	c.mu.Unlock()

	errs = append(errs, c.bridge.Close(), c.publisher.Close(), c.conn.Close())
	return errors.Join(errs...)
}
